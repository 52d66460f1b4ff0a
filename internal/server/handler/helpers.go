package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/predictlens/predictlens/internal/actionhub"
	"github.com/predictlens/predictlens/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorResponse is the body written for domain failures.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps a wire code to its HTTP status.
var statusFor = map[string]int{
	"MARKET_NOT_FOUND":       http.StatusNotFound,
	"NOT_CREATOR":            http.StatusForbidden,
	"ILLEGAL_TRANSITION":     http.StatusConflict,
	"ALREADY_ACTIVE":         http.StatusConflict,
	"ALREADY_RESOLVED":       http.StatusConflict,
	"DUPLICATE_FINALIZATION": http.StatusConflict,
	"MARKET_HAS_STAKES":      http.StatusConflict,
	"MARKET_NOT_VOIDED":      http.StatusConflict,
	"MARKET_NOT_RESOLVED":    http.StatusConflict,
	"VERSION_CONFLICT":       http.StatusConflict,
	"STAKING_CLOSED":         http.StatusConflict,
	"VOTING_CLOSED":          http.StatusConflict,
	"VOTING_NOT_OPEN":        http.StatusConflict,
	"TOO_EARLY":              http.StatusConflict,
	"MARKET_BUSY":            http.StatusServiceUnavailable,
	"RATE_LIMITED":           http.StatusTooManyRequests,
	actionhub.CodeInternal:   http.StatusInternalServerError,
}

// writeDomainError maps err onto a status and code. Unknown errors are
// logged and reported as 500 without their text.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code, msg := actionhub.Describe(err)
	status, ok := statusFor[code]
	if !ok {
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	if errors.Is(err, domain.ErrMarketBusy) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0. An unknown state is ignored.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
	if s := domain.MarketState(q.Get("state")); s.Valid() {
		opts.State = s
	}
	if c := q.Get("creator"); c != "" {
		opts.Creator = actionhub.CanonicalAccount(c)
	}
	return opts
}

// accountParam reads an account path parameter in the form stakes are
// recorded under, so a lowercase address finds its checksummed rows.
func accountParam(r *http.Request) string {
	return actionhub.CanonicalAccount(r.PathValue("account"))
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// decodeBody reads a small JSON body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
