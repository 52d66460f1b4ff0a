package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/predictlens/predictlens/internal/domain"
)

// memStore is an in-memory domain.MarketStore with the same version rules
// as the Postgres store.
type memStore struct {
	mu    sync.Mutex
	snaps map[string]*domain.MarketSnapshot
	fail  error
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]*domain.MarketSnapshot)}
}

func (s *memStore) Apply(_ context.Context, ch domain.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}

	snap, ok := s.snaps[ch.Market.ID]
	switch {
	case ch.PrevVersion == 0 && ok:
		return domain.ErrAlreadyExists
	case ch.PrevVersion == 0:
		snap = &domain.MarketSnapshot{}
		s.snaps[ch.Market.ID] = snap
	case !ok:
		return domain.ErrMarketNotFound
	case snap.Market.Version != ch.PrevVersion:
		return domain.ErrVersionConflict
	}

	if ch.Resolution != nil && snap.Resolution != nil {
		return domain.ErrDuplicateFinalization
	}
	snap.Market = ch.Market
	if ch.Stake != nil {
		snap.Stakes = append(snap.Stakes, *ch.Stake)
	}
	if ch.Vote != nil {
		snap.Votes = append(snap.Votes, *ch.Vote)
	}
	if ch.Resolution != nil {
		snap.Resolution = ch.Resolution
	}
	if ch.Settlement != nil {
		st := *ch.Settlement
		st.Payouts = append([]domain.Payout(nil), ch.Settlement.Payouts...)
		snap.Settlement = &st
	}
	if ch.Claimed != nil && snap.Settlement != nil {
		for i := range snap.Settlement.Payouts {
			if snap.Settlement.Payouts[i].Account == ch.Claimed.Account {
				snap.Settlement.Payouts[i] = *ch.Claimed
			}
		}
	}
	for _, in := range ch.Intents {
		snap.Intents = append(snap.Intents, in.Key)
	}
	return nil
}

func (s *memStore) Load(_ context.Context, id string) (domain.MarketSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	if !ok {
		return domain.MarketSnapshot{}, domain.ErrMarketNotFound
	}
	out := *snap
	out.Stakes = append([]domain.Stake(nil), snap.Stakes...)
	out.Votes = append([]domain.Vote(nil), snap.Votes...)
	out.Intents = append([]string(nil), snap.Intents...)
	if snap.Settlement != nil {
		st := *snap.Settlement
		st.Payouts = append([]domain.Payout(nil), snap.Settlement.Payouts...)
		out.Settlement = &st
	}
	return out, nil
}

func (s *memStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	if !ok {
		return domain.Market{}, domain.ErrMarketNotFound
	}
	return snap.Market, nil
}

func (s *memStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, snap := range s.snaps {
		if !opts.MatchesState(snap.Market) {
			continue
		}
		if opts.Creator != "" && snap.Market.Creator != opts.Creator {
			continue
		}
		out = append(out, snap.Market)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Count(ctx context.Context, opts domain.ListOpts) (int64, error) {
	ms, err := s.List(ctx, opts)
	return int64(len(ms)), err
}

func (s *memStore) ListDue(_ context.Context, now time.Time, votingPeriod time.Duration, limit int) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, snap := range s.snaps {
		m := snap.Market
		switch {
		case m.State == domain.StateActive && !now.Before(m.StakingEnd),
			m.Method == domain.MethodQuadraticVote && m.State == domain.StateLocked && !now.Before(m.ResolutionTime),
			m.Method == domain.MethodQuadraticVote && m.State == domain.StateResolving && !now.Before(m.ResolutionTime.Add(votingPeriod)):
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StakingEnd.Before(out[j].StakingEnd) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListStakesByAccount(_ context.Context, account string, opts domain.ListOpts) ([]domain.Stake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Stake
	for _, snap := range s.snaps {
		for _, st := range snap.Stakes {
			if st.Account == account {
				out = append(out, st)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *memStore) ListClosedBefore(context.Context, time.Time, int) ([]domain.Market, error) {
	return nil, nil
}

func (s *memStore) MarkArchived(context.Context, string, string, time.Time) error {
	return nil
}

type memCache struct {
	mu      sync.Mutex
	markets map[string]domain.Market
}

func newMemCache() *memCache { return &memCache{markets: make(map[string]domain.Market)} }

func (c *memCache) Set(_ context.Context, m domain.Market) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.markets[m.ID]; ok && cur.Version > m.Version {
		return nil
	}
	c.markets[m.ID] = m
	return nil
}

func (c *memCache) Get(_ context.Context, id string) (domain.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (c *memCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.markets, id)
	return nil
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks { return &memLocks{held: make(map[string]bool)} }

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

type memBus struct {
	mu     sync.Mutex
	events []domain.MarketEvent
	subs   []chan []byte
}

func (b *memBus) PublishEvent(_ context.Context, ev domain.MarketEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	data, _ := json.Marshal(ev)
	for _, ch := range b.subs {
		ch <- data
	}
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subs {
			if c == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (b *memBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
