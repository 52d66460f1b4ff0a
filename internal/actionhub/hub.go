package actionhub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/predictlens/predictlens/internal/domain"
	"github.com/predictlens/predictlens/internal/service"
)

// DefaultReplayTTL is how long a response is replayed for a redelivered id.
const DefaultReplayTTL = 10 * time.Minute

// Markets is the market service surface the hub drives.
type Markets interface {
	Create(ctx context.Context, in domain.NewMarket) (domain.Market, error)
	RecordStake(ctx context.Context, id, account string, option int, amount int64) (domain.StakeReceipt, error)
	CastVote(ctx context.Context, id, voter string, option int, count int64) (service.VoteReceipt, error)
	Claim(ctx context.Context, id, account string) (domain.ClaimResult, error)
	Cancel(ctx context.Context, id, account string) (domain.Market, error)
	Refunds(ctx context.Context, id string) ([]domain.Refund, error)
}

// handlerFunc runs one action kind for a canonical account.
type handlerFunc func(ctx context.Context, account string, payload json.RawMessage) (any, error)

// Hub dispatches envelopes by kind.
type Hub struct {
	markets   Markets
	validate  *validator.Validate
	handlers  map[string]handlerFunc
	replay    *replayCache
	replayTTL time.Duration
	shared    SharedReplay
	logger    *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithSharedReplay makes envelope ids unique across every process using the
// same store, not only within this one.
func WithSharedReplay(s SharedReplay) Option {
	return func(h *Hub) { h.shared = s }
}

// NewHub creates a Hub with the standard dispatch table.
func NewHub(markets Markets, replayTTL time.Duration, logger *slog.Logger, opts ...Option) *Hub {
	if replayTTL <= 0 {
		replayTTL = DefaultReplayTTL
	}
	h := &Hub{
		markets:   markets,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		replay:    newReplayCache(replayTTL, time.Now),
		replayTTL: replayTTL,
		logger:    logger.With(slog.String("component", "actionhub")),
	}
	for _, o := range opts {
		o(h)
	}
	h.handlers = map[string]handlerFunc{
		KindStake:        h.stake,
		KindCreateMarket: h.createMarket,
		KindVote:         h.vote,
		KindClaim:        h.claim,
		KindCancelMarket: h.cancelMarket,
		KindRefund:       h.refund,
	}
	return h
}

// DispatchJSON decodes a raw envelope and dispatches it.
func (h *Hub) DispatchJSON(ctx context.Context, body []byte) Response {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Response{Error: &ErrorBody{Code: CodeInvalidEnvelope, Message: "malformed envelope"}}
	}
	return h.Dispatch(ctx, env)
}

// Dispatch runs one envelope. A repeated envelope id within the replay
// window returns the first response without running the action again; a
// duplicate that arrives while the first is running waits for it.
func (h *Hub) Dispatch(ctx context.Context, env Envelope) Response {
	if err := h.validate.Struct(env); err != nil {
		return Response{ID: env.ID, Error: &ErrorBody{Code: CodeInvalidEnvelope, Message: validationMessage(err)}}
	}
	handler, ok := h.handlers[env.Kind]
	if !ok {
		return Response{ID: env.ID, Error: &ErrorBody{Code: CodeUnknownKind, Message: fmt.Sprintf("unknown action kind %q", env.Kind)}}
	}

	for {
		resp, wait, owner := h.replay.begin(env.ID)
		if owner {
			break
		}
		if wait == nil {
			h.logger.InfoContext(ctx, "replayed action", slog.String("id", env.ID), slog.String("kind", env.Kind))
			return resp
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return inProgress(env.ID)
		}
	}

	if h.shared != nil {
		if resp, done := h.reserveShared(ctx, env); done {
			return resp
		}
	}

	account := CanonicalAccount(env.Account)
	result, err := handler(ctx, account, env.Payload)
	resp := Response{ID: env.ID, OK: err == nil, Result: result}
	if err != nil {
		resp.Result = nil
		resp.Error = h.errorBody(ctx, env, err)
	}

	keep := !retryable(resp)
	if h.shared != nil {
		h.completeShared(ctx, env, resp, keep)
	}
	h.replay.finish(env.ID, resp, keep)
	return resp
}

// reserveShared claims env.ID in the shared store. When done is true the
// action must not run and resp is the answer; the local claim is finished.
func (h *Hub) reserveShared(ctx context.Context, env Envelope) (resp Response, done bool) {
	reserved, prior, err := h.shared.Reserve(ctx, env.ID, h.replayTTL)
	switch {
	case err != nil:
		h.logger.ErrorContext(ctx, "replay reserve failed",
			slog.String("id", env.ID),
			slog.String("error", err.Error()),
		)
		resp = Response{ID: env.ID, Error: &ErrorBody{Code: CodeInternal, Message: internalErrorMessage}}
		h.replay.finish(env.ID, resp, false)
		return resp, true
	case reserved:
		return Response{}, false
	case prior == nil:
		resp = inProgress(env.ID)
		h.replay.finish(env.ID, resp, false)
		return resp, true
	}

	var stored struct {
		ID     string          `json:"id"`
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result,omitempty"`
		Error  *ErrorBody      `json:"error,omitempty"`
	}
	if err := json.Unmarshal(prior, &stored); err != nil {
		h.logger.ErrorContext(ctx, "replay record unreadable",
			slog.String("id", env.ID),
			slog.String("error", err.Error()),
		)
		resp = Response{ID: env.ID, Error: &ErrorBody{Code: CodeInternal, Message: internalErrorMessage}}
		h.replay.finish(env.ID, resp, false)
		return resp, true
	}
	resp = Response{ID: stored.ID, OK: stored.OK, Error: stored.Error}
	if len(stored.Result) > 0 {
		resp.Result = stored.Result
	}
	h.logger.InfoContext(ctx, "replayed action", slog.String("id", env.ID), slog.String("kind", env.Kind))
	h.replay.finish(env.ID, resp, true)
	return resp, true
}

// completeShared stores resp in the shared store, or releases the id when
// the response is retryable. It runs on its own context so a cancelled
// request still records what it did.
func (h *Hub) completeShared(ctx context.Context, env Envelope, resp Response, keep bool) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var err error
	if keep {
		var raw []byte
		if raw, err = json.Marshal(resp); err == nil {
			err = h.shared.Complete(sctx, env.ID, raw, h.replayTTL)
		}
	} else {
		err = h.shared.Release(sctx, env.ID)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "replay record failed",
			slog.String("id", env.ID),
			slog.String("error", err.Error()),
		)
	}
}

// inProgress answers a duplicate of an envelope that is still running.
func inProgress(id string) Response {
	return Response{ID: id, Error: &ErrorBody{Code: "MARKET_BUSY", Message: "action already in progress"}}
}

func (h *Hub) errorBody(ctx context.Context, env Envelope, err error) *ErrorBody {
	var perr *payloadError
	if errors.As(err, &perr) {
		return &ErrorBody{Code: CodeInvalidPayload, Message: perr.msg}
	}
	body := errorBody(err)
	if body.Code == CodeInternal {
		h.logger.ErrorContext(ctx, "action failed",
			slog.String("id", env.ID),
			slog.String("kind", env.Kind),
			slog.String("error", err.Error()),
		)
	}
	return body
}

// retryable responses are not replayed: the hub should try again.
func retryable(resp Response) bool {
	if resp.Error == nil {
		return false
	}
	switch resp.Error.Code {
	case CodeInternal, "MARKET_BUSY", "VERSION_CONFLICT", "RATE_LIMITED":
		return true
	}
	return false
}

type payloadError struct{ msg string }

func (e *payloadError) Error() string { return e.msg }

// decode unmarshals and validates a payload.
func (h *Hub) decode(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &payloadError{msg: "payload is required"}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &payloadError{msg: "malformed payload: " + err.Error()}
	}
	if err := h.validate.Struct(v); err != nil {
		return &payloadError{msg: validationMessage(err)}
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid input"
	}
	fe := verrs[0]
	if fe.Param() != "" {
		return fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (h *Hub) stake(ctx context.Context, account string, raw json.RawMessage) (any, error) {
	var p StakePayload
	if err := h.decode(raw, &p); err != nil {
		return nil, err
	}
	return h.markets.RecordStake(ctx, p.MarketID, account, *p.Option, *p.Amount)
}

func (h *Hub) createMarket(ctx context.Context, account string, raw json.RawMessage) (any, error) {
	var p CreateMarketPayload
	if err := h.decode(raw, &p); err != nil {
		return nil, err
	}
	return h.markets.Create(ctx, domain.NewMarket{
		Question:       cleanText(p.Question),
		Description:    cleanText(p.Description),
		Category:       cleanText(p.Category),
		Options:        [2]string{cleanText(p.Options[0]), cleanText(p.Options[1])},
		Creator:        account,
		CreatorProfile: cleanText(p.CreatorProfile),
		Method:         domain.ResolutionMethod(p.Method),
		StakingEnd:     p.StakingEnd.UTC(),
		ResolutionTime: p.ResolutionTime.UTC(),
	})
}

func (h *Hub) vote(ctx context.Context, account string, raw json.RawMessage) (any, error) {
	var p VotePayload
	if err := h.decode(raw, &p); err != nil {
		return nil, err
	}
	return h.markets.CastVote(ctx, p.MarketID, account, *p.Option, *p.Count)
}

func (h *Hub) claim(ctx context.Context, account string, raw json.RawMessage) (any, error) {
	var p MarketPayload
	if err := h.decode(raw, &p); err != nil {
		return nil, err
	}
	return h.markets.Claim(ctx, p.MarketID, account)
}

func (h *Hub) cancelMarket(ctx context.Context, account string, raw json.RawMessage) (any, error) {
	var p MarketPayload
	if err := h.decode(raw, &p); err != nil {
		return nil, err
	}
	return h.markets.Cancel(ctx, p.MarketID, account)
}

// refund returns the caller's refund in a voided market.
func (h *Hub) refund(ctx context.Context, account string, raw json.RawMessage) (any, error) {
	var p MarketPayload
	if err := h.decode(raw, &p); err != nil {
		return nil, err
	}
	refunds, err := h.markets.Refunds(ctx, p.MarketID)
	if err != nil {
		return nil, err
	}
	for _, r := range refunds {
		if r.Account == account {
			return r, nil
		}
	}
	return domain.Refund{MarketID: p.MarketID, Account: account}, nil
}
