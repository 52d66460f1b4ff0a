package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit   int
	Offset  int
	State   MarketState
	Creator string
	Since   *time.Time
	Until   *time.Time
	// AsOf, when set, matches State against the effective state at that
	// instant, so an Active market past staking end counts as Locked.
	AsOf time.Time
}

// MatchesState reports whether m is in opts.State, as seen at opts.AsOf.
func (o ListOpts) MatchesState(m Market) bool {
	if o.State == "" {
		return true
	}
	state := m.State
	if !o.AsOf.IsZero() && state == StateActive && !o.AsOf.Before(m.StakingEnd) {
		state = StateLocked
	}
	return state == o.State
}

// MarketSnapshot is everything needed to rebuild a market aggregate.
type MarketSnapshot struct {
	Market     Market
	Stakes     []Stake
	Votes      []Vote
	Resolution *ResolutionRecord
	Settlement *Settlement
	Intents    []string
}

// MarketStore persists market aggregates. Apply writes one Change atomically
// and fails with ErrVersionConflict when the stored version is not
// PrevVersion.
type MarketStore interface {
	Apply(ctx context.Context, change Change) error
	Load(ctx context.Context, id string) (MarketSnapshot, error)
	GetByID(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, opts ListOpts) ([]Market, error)
	Count(ctx context.Context, opts ListOpts) (int64, error)
	ListDue(ctx context.Context, now time.Time, votingPeriod time.Duration, limit int) ([]Market, error)
	ListStakesByAccount(ctx context.Context, account string, opts ListOpts) ([]Stake, error)
	ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]Market, error)
	MarkArchived(ctx context.Context, id, path string, at time.Time) error
}

// IntentStore is the custody outbox written by MarketStore.Apply.
type IntentStore interface {
	ListPending(ctx context.Context, limit int) ([]CustodyIntent, error)
	MarkDispatched(ctx context.Context, key string, at time.Time) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
