package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/predictlens/predictlens/internal/domain"
	"github.com/predictlens/predictlens/internal/engine"
)

// DefaultLockTTL bounds how long one process may hold a market.
const DefaultLockTTL = 10 * time.Second

// EventBus carries committed market events between processes.
type EventBus interface {
	PublishEvent(ctx context.Context, ev domain.MarketEvent) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// MarketService runs engine operations with cross-process safety: a Redis
// lock per market, persistence through the store's version check, cache
// refresh and event fan-out after every commit.
type MarketService struct {
	engine  *engine.Engine
	markets domain.MarketStore
	cache   domain.MarketCache
	locks   domain.LockManager
	bus     EventBus
	lockTTL time.Duration
	now     func() time.Time
	logger  *slog.Logger

	engineOpts []engine.Option
}

// ServiceOption configures a MarketService.
type ServiceOption func(*MarketService)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *MarketService) { s.now = now }
}

// WithLockTTL overrides DefaultLockTTL.
func WithLockTTL(ttl time.Duration) ServiceOption {
	return func(s *MarketService) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithEngineOptions passes options through to the engine, for example a
// deterministic id generator.
func WithEngineOptions(opts ...engine.Option) ServiceOption {
	return func(s *MarketService) {
		s.engineOpts = append(s.engineOpts, opts...)
	}
}

// NewMarketService builds the engine with the service as its committer.
func NewMarketService(
	cfg engine.Config,
	markets domain.MarketStore,
	cache domain.MarketCache,
	locks domain.LockManager,
	bus EventBus,
	logger *slog.Logger,
	opts ...ServiceOption,
) (*MarketService, error) {
	s := &MarketService{
		markets: markets,
		cache:   cache,
		locks:   locks,
		bus:     bus,
		lockTTL: DefaultLockTTL,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "market-service")),
	}
	for _, opt := range opts {
		opt(s)
	}

	eng, err := engine.New(cfg, append(s.engineOpts, engine.WithCommitter(s.commit))...)
	if err != nil {
		return nil, fmt.Errorf("market_service: %w", err)
	}
	s.engine = eng
	s.engineOpts = nil
	return s, nil
}

// Engine exposes the underlying engine.
func (s *MarketService) Engine() *engine.Engine {
	return s.engine
}

func (s *MarketService) clock() time.Time {
	return s.now().UTC()
}

// commit persists a change and then refreshes the cache and publishes the
// event. Cache and bus failures are logged only: the store is the record.
func (s *MarketService) commit(ctx context.Context, ch domain.Change) error {
	if err := s.markets.Apply(ctx, ch); err != nil {
		return err
	}
	if err := s.cache.Set(ctx, ch.Market); err != nil {
		s.logger.WarnContext(ctx, "cache set failed",
			slog.String("market_id", ch.Market.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.PublishEvent(ctx, eventFor(ch)); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("market_id", ch.Market.ID),
			slog.String("event", ch.Event),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func eventFor(ch domain.Change) domain.MarketEvent {
	ev := domain.MarketEvent{
		Type:     ch.Event,
		MarketID: ch.Market.ID,
		State:    ch.Market.State,
		Option:   domain.NoOption,
		Totals:   ch.Market.Totals,
		Version:  ch.Market.Version,
		At:       ch.At,
	}
	switch {
	case ch.Stake != nil:
		ev.Account, ev.Option, ev.Amount = ch.Stake.Account, ch.Stake.Option, ch.Stake.Amount
	case ch.Vote != nil:
		ev.Account, ev.Option, ev.Amount = ch.Vote.Voter, ch.Vote.Option, ch.Vote.Count
	case ch.Claimed != nil:
		ev.Account, ev.Amount = ch.Claimed.Account, ch.Claimed.Amount
	case ch.Resolution != nil:
		ev.Option = ch.Resolution.WinningOption
	}
	return ev
}

// reload replaces the in-memory aggregate with the stored one.
func (s *MarketService) reload(ctx context.Context, id string) error {
	snap, err := s.markets.Load(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrMarketNotFound) {
			return fmt.Errorf("market_service: market %s: %w", id, domain.ErrMarketNotFound)
		}
		return fmt.Errorf("market_service: load %s: %w", id, err)
	}
	return s.engine.Load(snap)
}

func (s *MarketService) ensureLoaded(ctx context.Context, id string) error {
	if s.engine.Loaded(id) {
		return nil
	}
	return s.reload(ctx, id)
}

// locked runs fn while holding the market's distributed lock. A version
// conflict means another process wrote first: the aggregate is reloaded and
// fn runs once more.
func locked[T any](ctx context.Context, s *MarketService, id string, fn func(now time.Time) (T, error)) (T, error) {
	var zero T
	unlock, err := s.locks.Acquire(ctx, "market:"+id, s.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return zero, fmt.Errorf("market_service: market %s: %w", id, domain.ErrMarketBusy)
		}
		return zero, fmt.Errorf("market_service: lock %s: %w", id, err)
	}
	defer unlock()

	if err := s.ensureLoaded(ctx, id); err != nil {
		return zero, err
	}
	out, err := fn(s.clock())
	if !errors.Is(err, domain.ErrVersionConflict) {
		return out, err
	}

	s.logger.WarnContext(ctx, "version conflict, reloading", slog.String("market_id", id))
	if err := s.reload(ctx, id); err != nil {
		return zero, err
	}
	return fn(s.clock())
}

// loaded runs a read after making sure the aggregate is in memory.
func loaded[T any](ctx context.Context, s *MarketService, id string, fn func(now time.Time) (T, error)) (T, error) {
	var zero T
	if err := s.ensureLoaded(ctx, id); err != nil {
		return zero, err
	}
	return fn(s.clock())
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Create registers a new market.
func (s *MarketService) Create(ctx context.Context, in domain.NewMarket) (domain.Market, error) {
	m, err := s.engine.Create(ctx, in, s.clock())
	if err != nil {
		return domain.Market{}, err
	}
	s.logger.InfoContext(ctx, "market created",
		slog.String("market_id", m.ID),
		slog.String("method", string(m.Method)),
	)
	return m, nil
}

func (s *MarketService) Activate(ctx context.Context, id string) (domain.Market, error) {
	return locked(ctx, s, id, func(now time.Time) (domain.Market, error) {
		return s.engine.Activate(ctx, id, now)
	})
}

// Advance persists time-driven transitions.
func (s *MarketService) Advance(ctx context.Context, id string) (domain.Market, error) {
	return locked(ctx, s, id, func(now time.Time) (domain.Market, error) {
		return s.engine.Advance(ctx, id, now)
	})
}

func (s *MarketService) BeginResolution(ctx context.Context, id string) (domain.Market, error) {
	return locked(ctx, s, id, func(now time.Time) (domain.Market, error) {
		return s.engine.BeginResolution(ctx, id, now)
	})
}

// Finalize records the oracle outcome.
func (s *MarketService) Finalize(ctx context.Context, id string, option int) (domain.Market, error) {
	m, err := locked(ctx, s, id, func(now time.Time) (domain.Market, error) {
		return s.engine.Finalize(ctx, id, option, now)
	})
	if err == nil {
		s.logger.InfoContext(ctx, "market finalized", slog.String("market_id", id), slog.Int("option", option))
	}
	return m, err
}

func (s *MarketService) SetFallback(ctx context.Context, id string, option int) (domain.Market, error) {
	return locked(ctx, s, id, func(now time.Time) (domain.Market, error) {
		return s.engine.SetFallback(ctx, id, option, now)
	})
}

// VoteResolution is the outcome of ResolveByVote.
type VoteResolution struct {
	Market domain.Market `json:"market"`
	Tally  domain.Tally  `json:"tally"`
}

func (s *MarketService) ResolveByVote(ctx context.Context, id string) (VoteResolution, error) {
	res, err := locked(ctx, s, id, func(now time.Time) (VoteResolution, error) {
		m, t, err := s.engine.ResolveByVote(ctx, id, now)
		return VoteResolution{Market: m, Tally: t}, err
	})
	if err == nil {
		s.logger.InfoContext(ctx, "market resolved by vote",
			slog.String("market_id", id),
			slog.String("state", string(res.Market.State)),
			slog.Bool("tied", res.Tally.Tied),
		)
	}
	return res, err
}

func (s *MarketService) Void(ctx context.Context, id, reason string) (domain.Market, error) {
	m, err := locked(ctx, s, id, func(now time.Time) (domain.Market, error) {
		return s.engine.Void(ctx, id, reason, now)
	})
	if err == nil {
		s.logger.InfoContext(ctx, "market voided", slog.String("market_id", id), slog.String("reason", reason))
	}
	return m, err
}

// Cancel voids a market on its creator's request.
func (s *MarketService) Cancel(ctx context.Context, id, account string) (domain.Market, error) {
	return locked(ctx, s, id, func(now time.Time) (domain.Market, error) {
		return s.engine.Cancel(ctx, id, account, now)
	})
}

func (s *MarketService) Close(ctx context.Context, id string) (domain.Market, error) {
	return locked(ctx, s, id, func(now time.Time) (domain.Market, error) {
		return s.engine.Close(ctx, id, now)
	})
}

// ---------------------------------------------------------------------------
// Ledger, votes and rewards
// ---------------------------------------------------------------------------

func (s *MarketService) RecordStake(ctx context.Context, id, account string, option int, amount int64) (domain.StakeReceipt, error) {
	return locked(ctx, s, id, func(now time.Time) (domain.StakeReceipt, error) {
		return s.engine.RecordStake(ctx, id, account, option, amount, now)
	})
}

// VoteReceipt is the outcome of CastVote.
type VoteReceipt struct {
	Vote  domain.Vote       `json:"vote"`
	Voter domain.VoterTally `json:"voter"`
}

func (s *MarketService) CastVote(ctx context.Context, id, voter string, option int, count int64) (VoteReceipt, error) {
	return locked(ctx, s, id, func(now time.Time) (VoteReceipt, error) {
		v, t, err := s.engine.CastVote(ctx, id, voter, option, count, now)
		return VoteReceipt{Vote: v, Voter: t}, err
	})
}

func (s *MarketService) Claim(ctx context.Context, id, account string) (domain.ClaimResult, error) {
	return locked(ctx, s, id, func(now time.Time) (domain.ClaimResult, error) {
		return s.engine.Claim(ctx, id, account, now)
	})
}

// Payout may materialize the settlement, so it takes the lock.
func (s *MarketService) Payout(ctx context.Context, id, account string) (domain.Payout, error) {
	return locked(ctx, s, id, func(now time.Time) (domain.Payout, error) {
		return s.engine.Payout(ctx, id, account, now)
	})
}

func (s *MarketService) Settlement(ctx context.Context, id string) (domain.Settlement, error) {
	return locked(ctx, s, id, func(now time.Time) (domain.Settlement, error) {
		return s.engine.Settlement(ctx, id, now)
	})
}

func (s *MarketService) Refunds(ctx context.Context, id string) ([]domain.Refund, error) {
	return loaded(ctx, s, id, func(time.Time) ([]domain.Refund, error) {
		return s.engine.Refund(id)
	})
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// GetMarket returns a market with its effective state, from the cache when
// possible.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	now := s.clock()
	m, err := s.cache.Get(ctx, id)
	if err != nil {
		m, err = s.markets.GetByID(ctx, id)
		if err != nil {
			return domain.Market{}, fmt.Errorf("market_service: get %s: %w", id, err)
		}
		if cacheErr := s.cache.Set(ctx, m); cacheErr != nil {
			s.logger.WarnContext(ctx, "cache set failed",
				slog.String("market_id", id),
				slog.String("error", cacheErr.Error()),
			)
		}
	}
	m.State = engine.EffectiveState(m, now)
	return m, nil
}

// ListMarkets lists stored markets with their effective state. A state
// filter matches the effective state too.
func (s *MarketService) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	now := s.clock()
	opts.AsOf = now
	markets, err := s.markets.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	for i := range markets {
		markets[i].State = engine.EffectiveState(markets[i], now)
	}
	return markets, nil
}

func (s *MarketService) Count(ctx context.Context, opts domain.ListOpts) (int64, error) {
	opts.AsOf = s.clock()
	n, err := s.markets.Count(ctx, opts)
	if err != nil {
		return 0, fmt.Errorf("market_service: count: %w", err)
	}
	return n, nil
}

// ListDue returns markets with a pending time-driven step. Resolving
// quadratic markets are due once votingPeriod has passed since their
// resolution time.
func (s *MarketService) ListDue(ctx context.Context, votingPeriod time.Duration, limit int) ([]domain.Market, error) {
	markets, err := s.markets.ListDue(ctx, s.clock(), votingPeriod, limit)
	if err != nil {
		return nil, fmt.Errorf("market_service: list due: %w", err)
	}
	return markets, nil
}

// AccountStakes returns the stakes an account placed across markets,
// newest first.
func (s *MarketService) AccountStakes(ctx context.Context, account string, opts domain.ListOpts) ([]domain.Stake, error) {
	stakes, err := s.markets.ListStakesByAccount(ctx, account, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: stakes of %s: %w", account, err)
	}
	return stakes, nil
}

func (s *MarketService) Stakes(ctx context.Context, id string, limit int) ([]domain.Stake, error) {
	return loaded(ctx, s, id, func(time.Time) ([]domain.Stake, error) {
		return s.engine.Stakes(id, limit)
	})
}

func (s *MarketService) Position(ctx context.Context, id, account string) (domain.Position, error) {
	return loaded(ctx, s, id, func(time.Time) (domain.Position, error) {
		return s.engine.Position(id, account)
	})
}

func (s *MarketService) Tally(ctx context.Context, id string) (domain.Tally, error) {
	return loaded(ctx, s, id, func(time.Time) (domain.Tally, error) {
		return s.engine.Tally(id)
	})
}

func (s *MarketService) Voter(ctx context.Context, id, voter string) (domain.VoterTally, error) {
	return loaded(ctx, s, id, func(time.Time) (domain.VoterTally, error) {
		return s.engine.Voter(id, voter)
	})
}

func (s *MarketService) Estimate(ctx context.Context, id string, option int, amount int64) (domain.Estimate, error) {
	return loaded(ctx, s, id, func(time.Time) (domain.Estimate, error) {
		return s.engine.Estimate(id, option, amount)
	})
}

// Follow evicts in-memory aggregates that another process has moved past,
// so the next operation reloads them. It returns when ctx ends.
func (s *MarketService) Follow(ctx context.Context) error {
	ch, err := s.bus.Subscribe(ctx, domain.ChannelMarkets)
	if err != nil {
		return fmt.Errorf("market_service: follow: %w", err)
	}
	for payload := range ch {
		var ev domain.MarketEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			s.logger.WarnContext(ctx, "bad market event", slog.String("error", err.Error()))
			continue
		}
		s.observe(ev)
	}
	return ctx.Err()
}

func (s *MarketService) observe(ev domain.MarketEvent) {
	if !s.engine.Loaded(ev.MarketID) {
		return
	}
	m, err := s.engine.View(ev.MarketID, s.clock())
	if err != nil || m.Version < ev.Version {
		s.engine.Evict(ev.MarketID)
	}
}
