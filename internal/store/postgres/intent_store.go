package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predictlens/predictlens/internal/domain"
)

// IntentStore reads and acknowledges the custody outbox.
type IntentStore struct {
	pool *pgxpool.Pool
}

// NewIntentStore creates a new IntentStore backed by the given connection pool.
func NewIntentStore(pool *pgxpool.Pool) *IntentStore {
	return &IntentStore{pool: pool}
}

// ListPending returns undispatched intents, oldest first.
func (s *IntentStore) ListPending(ctx context.Context, limit int) ([]domain.CustodyIntent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, kind, market_id, account, amount, seq, created_at
		FROM custody_outbox
		WHERE dispatched_at IS NULL
		ORDER BY created_at, key
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending intents: %w", err)
	}
	defer rows.Close()

	var intents []domain.CustodyIntent
	for rows.Next() {
		var (
			in   domain.CustodyIntent
			kind string
		)
		if err := rows.Scan(&in.Key, &kind, &in.MarketID, &in.Account, &in.Amount, &in.Seq, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan intent: %w", err)
		}
		in.Kind = domain.IntentKind(kind)
		intents = append(intents, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pending intents rows: %w", err)
	}
	return intents, nil
}

// MarkDispatched stamps an intent as handed to custody. Already dispatched
// intents keep their first timestamp.
func (s *IntentStore) MarkDispatched(ctx context.Context, key string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE custody_outbox SET dispatched_at = COALESCE(dispatched_at, $2)
		WHERE key = $1`, key, at)
	if err != nil {
		return fmt.Errorf("postgres: mark intent %s dispatched: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
