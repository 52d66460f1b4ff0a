// Package engine is the staking and resolution core. It owns every market
// aggregate in memory, serializes writers per market, and hands each
// committed change to a Committer before making it visible.
//
// The engine never reads the wall clock and never waits on the network: time
// is an argument of every operation and persistence is delegated to the
// Committer hook.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/predictlens/predictlens/internal/domain"
)

// maxFeeBps is 100%.
const maxFeeBps = 10_000

// Config holds the economic policy of the engine.
type Config struct {
	// FeeBps is the protocol fee taken from the losing pool, in basis points.
	FeeBps int64
	// VoiceCreditBudget is the flat quadratic-voting budget per voter per market.
	VoiceCreditBudget int64
	// MinimumStake is the smallest accepted stake, in token base units.
	MinimumStake int64
	// Treasury receives the fee residual of every settlement.
	Treasury string
}

// Validate checks the policy bounds.
func (c Config) Validate() error {
	var errs []error
	if c.FeeBps < 0 || c.FeeBps > maxFeeBps {
		errs = append(errs, fmt.Errorf("fee bps must be in [0,%d], got %d", maxFeeBps, c.FeeBps))
	}
	if c.VoiceCreditBudget <= 0 {
		errs = append(errs, fmt.Errorf("voice credit budget must be > 0, got %d", c.VoiceCreditBudget))
	}
	if c.MinimumStake <= 0 {
		errs = append(errs, fmt.Errorf("minimum stake must be > 0, got %d", c.MinimumStake))
	}
	if c.Treasury == "" {
		errs = append(errs, errors.New("treasury account must be set"))
	}
	return errors.Join(errs...)
}

// Committer persists a change. The engine applies the change in memory only
// after Committer returns nil.
type Committer func(ctx context.Context, change domain.Change) error

// Option configures an Engine.
type Option func(*Engine)

// WithCommitter sets the persistence hook.
func WithCommitter(c Committer) Option {
	return func(e *Engine) { e.commit = c }
}

// WithIDFunc overrides market id generation.
func WithIDFunc(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

// Engine holds market aggregates and runs all operations on them.
type Engine struct {
	cfg    Config
	commit Committer
	newID  func() string

	mu    sync.Mutex
	books map[string]*book
	// creating holds ids whose creation is being committed.
	creating map[string]struct{}
}

// book guards one market aggregate. Writers hold mu exclusively.
type book struct {
	mu  sync.RWMutex
	agg *aggregate
}

// New creates an Engine with the given policy.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: config: %w", err)
	}
	e := &Engine{
		cfg:      cfg,
		newID:    uuid.NewString,
		books:    make(map[string]*book),
		creating: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine policy.
func (e *Engine) Config() Config {
	return e.cfg
}

// Load installs a market aggregate rebuilt from a stored snapshot, replacing
// any in-memory copy.
func (e *Engine) Load(snap domain.MarketSnapshot) error {
	agg, err := restore(snap, e.cfg.VoiceCreditBudget)
	if err != nil {
		return fmt.Errorf("engine: load %s: %w", snap.Market.ID, err)
	}

	e.mu.Lock()
	b, ok := e.books[snap.Market.ID]
	if !ok {
		b = &book{}
		e.books[snap.Market.ID] = b
	}
	e.mu.Unlock()

	b.mu.Lock()
	b.agg = agg
	b.mu.Unlock()
	return nil
}

// Loaded reports whether the market is held in memory.
func (e *Engine) Loaded(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.books[id]
	return ok
}

// Evict drops the in-memory copy of a market.
func (e *Engine) Evict(id string) {
	e.mu.Lock()
	delete(e.books, id)
	e.mu.Unlock()
}

// IDs returns the ids of all loaded markets in sorted order.
func (e *Engine) IDs() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.books))
	for id := range e.books {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (e *Engine) lookup(id string) (*book, error) {
	e.mu.Lock()
	b, ok := e.books[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("engine: market %s: %w", id, domain.ErrMarketNotFound)
	}
	return b, nil
}

// read runs fn under the market's read lock.
func (e *Engine) read(id string, fn func(a *aggregate) error) error {
	b, err := e.lookup(id)
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fn(b.agg)
}

// write runs fn against a clone of the aggregate under the market's write
// lock. The clone first catches up on time-driven transitions. If fn returns
// a change (or the catch-up produced one) it is committed and the clone
// replaces the live aggregate; on any error the live aggregate is untouched.
func (e *Engine) write(ctx context.Context, id string, now time.Time, fn func(a *aggregate) (*domain.Change, error)) error {
	b, err := e.lookup(id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	live := b.agg
	next := live.clone()
	locked := next.advance(now)

	change, err := fn(next)
	if err != nil {
		return err
	}
	if change == nil {
		if !locked && len(next.pending) == 0 {
			return nil
		}
		change = &domain.Change{Event: domain.EventMarketLocked}
	}

	next.market.Version = live.market.Version + 1
	next.market.UpdatedAt = now
	change.Market = next.market
	change.PrevVersion = live.market.Version
	change.At = now
	change.Intents = append(change.Intents, next.pending...)
	next.pending = nil

	if e.commit != nil {
		if err := e.commit(ctx, *change); err != nil {
			return fmt.Errorf("engine: commit %s %s: %w", change.Event, id, err)
		}
	}
	b.agg = next
	return nil
}
