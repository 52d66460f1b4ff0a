package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/predictlens/predictlens/internal/domain"
)

// MarketReader defines the read methods that the market handler requires
// from the service layer. It is declared locally so the handler package does
// not depend on the concrete service implementation.
type MarketReader interface {
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	Count(ctx context.Context, opts domain.ListOpts) (int64, error)
	Stakes(ctx context.Context, id string, limit int) ([]domain.Stake, error)
	Tally(ctx context.Context, id string) (domain.Tally, error)
	Estimate(ctx context.Context, id string, option int, amount int64) (domain.Estimate, error)
	Payout(ctx context.Context, id, account string) (domain.Payout, error)
	Position(ctx context.Context, id, account string) (domain.Position, error)
	Voter(ctx context.Context, id, voter string) (domain.VoterTally, error)
	AccountStakes(ctx context.Context, account string, opts domain.ListOpts) ([]domain.Stake, error)
	Refunds(ctx context.Context, id string) ([]domain.Refund, error)
}

// MarketHandler serves the public market endpoints.
type MarketHandler struct {
	markets MarketReader
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketReader, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger,
	}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Total   int64           `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ListMarkets returns markets with pagination, optionally filtered by state
// and creator.
// GET /api/markets?state=active&creator=0x...&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, err := h.markets.ListMarkets(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	total, err := h.markets.Count(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.GetMarket(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListStakes returns a market's stakes in sequence order.
// GET /api/markets/{id}/stakes?limit=50
func (h *MarketHandler) ListStakes(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	stakes, err := h.markets.Stakes(r.Context(), pathParam(r, "id"), opts.Limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if stakes == nil {
		stakes = []domain.Stake{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stakes": stakes})
}

// GetTally returns the quadratic vote tally.
// GET /api/markets/{id}/tally
func (h *MarketHandler) GetTally(w http.ResponseWriter, r *http.Request) {
	t, err := h.markets.Tally(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetEstimate quotes the payout of a hypothetical stake.
// GET /api/markets/{id}/estimate?option=0&amount=100
func (h *MarketHandler) GetEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	option, err := strconv.Atoi(q.Get("option"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "option must be an integer")
		return
	}
	amount, err := strconv.ParseInt(q.Get("amount"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be an integer")
		return
	}

	est, err := h.markets.Estimate(r.Context(), pathParam(r, "id"), option, amount)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// GetPayout returns an account's payout, settling the market on first use.
// GET /api/markets/{id}/payouts/{account}
func (h *MarketHandler) GetPayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.markets.Payout(r.Context(), pathParam(r, "id"), accountParam(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetPosition returns an account's stake per option.
// GET /api/markets/{id}/positions/{account}
func (h *MarketHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := h.markets.Position(r.Context(), pathParam(r, "id"), accountParam(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetVoter returns a voter's votes and remaining voice credits.
// GET /api/markets/{id}/voters/{account}
func (h *MarketHandler) GetVoter(w http.ResponseWriter, r *http.Request) {
	v, err := h.markets.Voter(r.Context(), pathParam(r, "id"), accountParam(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListAccountStakes returns an account's stakes across all markets, newest
// first.
// GET /api/accounts/{account}/stakes?limit=50&offset=0
func (h *MarketHandler) ListAccountStakes(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	account := accountParam(r)
	stakes, err := h.markets.AccountStakes(r.Context(), account, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if stakes == nil {
		stakes = []domain.Stake{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"stakes":  stakes,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

// ListRefunds returns the refunds of a voided market.
// GET /api/markets/{id}/refunds
func (h *MarketHandler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	refunds, err := h.markets.Refunds(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if refunds == nil {
		refunds = []domain.Refund{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"refunds": refunds})
}
