package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/predictlens/predictlens/internal/domain"
	"github.com/predictlens/predictlens/internal/service"
)

// MarketAdmin is the operator surface of the market service.
type MarketAdmin interface {
	Activate(ctx context.Context, id string) (domain.Market, error)
	BeginResolution(ctx context.Context, id string) (domain.Market, error)
	Finalize(ctx context.Context, id string, option int) (domain.Market, error)
	SetFallback(ctx context.Context, id string, option int) (domain.Market, error)
	ResolveByVote(ctx context.Context, id string) (service.VoteResolution, error)
	Void(ctx context.Context, id, reason string) (domain.Market, error)
	Close(ctx context.Context, id string) (domain.Market, error)
}

// AdminHandler serves the oracle and operator endpoints. Every successful
// call is written to the audit log.
type AdminHandler struct {
	markets MarketAdmin
	audit   domain.AuditStore
	logger  *slog.Logger
}

func NewAdminHandler(markets MarketAdmin, audit domain.AuditStore, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{markets: markets, audit: audit, logger: logger}
}

type optionRequest struct {
	Option *int `json:"option"`
}

type voidRequest struct {
	Reason string `json:"reason"`
}

// Activate opens a created market for staking.
// POST /api/admin/markets/{id}/activate
func (h *AdminHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "activate", nil, func(ctx context.Context, id string) (any, error) {
		return h.markets.Activate(ctx, id)
	})
}

// BeginResolution moves a locked market into resolving.
// POST /api/admin/markets/{id}/begin-resolution
func (h *AdminHandler) BeginResolution(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "begin_resolution", nil, func(ctx context.Context, id string) (any, error) {
		return h.markets.BeginResolution(ctx, id)
	})
}

// Finalize records the oracle outcome.
// POST /api/admin/markets/{id}/finalize {"option":0}
func (h *AdminHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req optionRequest
	if err := decodeBody(w, r, &req); err != nil || req.Option == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"option\": 0|1}")
		return
	}
	h.respond(w, r, "finalize", map[string]any{"option": *req.Option}, func(ctx context.Context, id string) (any, error) {
		return h.markets.Finalize(ctx, id, *req.Option)
	})
}

// SetFallback records the outcome used when a vote has no participation.
// POST /api/admin/markets/{id}/fallback {"option":1}
func (h *AdminHandler) SetFallback(w http.ResponseWriter, r *http.Request) {
	var req optionRequest
	if err := decodeBody(w, r, &req); err != nil || req.Option == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"option\": 0|1}")
		return
	}
	h.respond(w, r, "fallback", map[string]any{"option": *req.Option}, func(ctx context.Context, id string) (any, error) {
		return h.markets.SetFallback(ctx, id, *req.Option)
	})
}

// ResolveByVote closes voting and applies the tally.
// POST /api/admin/markets/{id}/resolve-by-vote
func (h *AdminHandler) ResolveByVote(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "resolve_by_vote", nil, func(ctx context.Context, id string) (any, error) {
		return h.markets.ResolveByVote(ctx, id)
	})
}

// Void cancels a market and makes every stake refundable.
// POST /api/admin/markets/{id}/void {"reason":"..."}
func (h *AdminHandler) Void(w http.ResponseWriter, r *http.Request) {
	var req voidRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be {\"reason\": \"...\"}")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "voided by operator"
	}
	h.respond(w, r, "void", map[string]any{"reason": reason}, func(ctx context.Context, id string) (any, error) {
		return h.markets.Void(ctx, id, reason)
	})
}

// Close settles and closes a resolved market.
// POST /api/admin/markets/{id}/close
func (h *AdminHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "close", nil, func(ctx context.Context, id string) (any, error) {
		return h.markets.Close(ctx, id)
	})
}

// ListAudit returns recent audit entries.
// GET /api/admin/audit?limit=50&offset=0
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *AdminHandler) respond(w http.ResponseWriter, r *http.Request, action string, detail map[string]any,
	fn func(ctx context.Context, id string) (any, error)) {
	id := pathParam(r, "id")
	out, err := fn(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	if detail == nil {
		detail = make(map[string]any, 1)
	}
	detail["market_id"] = id
	if err := h.audit.Log(r.Context(), "admin."+action, detail); err != nil {
		h.logger.WarnContext(r.Context(), "handler: audit log failed",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, http.StatusOK, out)
}
