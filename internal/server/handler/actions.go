package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/predictlens/predictlens/internal/actionhub"
)

// maxActionBody bounds a single hub envelope.
const maxActionBody = 64 << 10

// Dispatcher runs raw action envelopes.
type Dispatcher interface {
	DispatchJSON(ctx context.Context, body []byte) actionhub.Response
}

// ActionHandler receives envelopes from the action hub. Authentication is
// done by middleware.HubSignature before this handler runs.
type ActionHandler struct {
	hub    Dispatcher
	logger *slog.Logger
}

func NewActionHandler(hub Dispatcher, logger *slog.Logger) *ActionHandler {
	return &ActionHandler{hub: hub, logger: logger}
}

// Dispatch runs one envelope. Domain rejections are 200 with ok=false so the
// hub reads the code from the body; only retryable failures change status.
// POST /api/actions
func (h *ActionHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxActionBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "envelope too large")
		return
	}

	resp := h.hub.DispatchJSON(r.Context(), body)
	status := http.StatusOK
	if resp.Error != nil {
		switch resp.Error.Code {
		case actionhub.CodeInvalidEnvelope:
			status = http.StatusBadRequest
		case actionhub.CodeInternal:
			status = http.StatusInternalServerError
		case "MARKET_BUSY", "VERSION_CONFLICT":
			w.Header().Set("Retry-After", "1")
			status = http.StatusServiceUnavailable
		case "RATE_LIMITED":
			status = http.StatusTooManyRequests
		}
	}
	writeJSON(w, status, resp)
}
