package custody

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/predictlens/predictlens/internal/domain"
)

// IntentSigner signs an intent for the custody contract.
type IntentSigner interface {
	SignIntent(in domain.CustodyIntent) (string, error)
}

// DispatcherConfig tunes the outbox drain.
type DispatcherConfig struct {
	BatchSize int
	// PerSecond caps publishes per second. Zero means unlimited.
	PerSecond float64
	Burst     int
}

// Dispatcher moves pending intents from the outbox to a Publisher and marks
// them dispatched. An intent is marked only after its publish succeeds, so a
// crash between the two redelivers it.
type Dispatcher struct {
	store     domain.IntentStore
	publisher Publisher
	signer    IntentSigner
	signerID  string
	limiter   *rate.Limiter
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher. signer may be nil, in which case
// messages go out unsigned.
func NewDispatcher(store domain.IntentStore, publisher Publisher, signer IntentSigner, signerID string, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	limit := rate.Inf
	if cfg.PerSecond > 0 {
		limit = rate.Limit(cfg.PerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		signer:    signer,
		signerID:  signerID,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		batchSize: cfg.BatchSize,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "custody-dispatcher")),
	}
}

// DispatchOnce drains one batch and returns how many intents were published.
// It stops at the first failure and leaves the rest pending.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	pending, err := d.store.ListPending(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("custody: list pending: %w", err)
	}

	sent := 0
	for _, in := range pending {
		if err := d.limiter.Wait(ctx); err != nil {
			return sent, fmt.Errorf("custody: rate limit: %w", err)
		}

		msg := Message{Intent: in, Signer: d.signerID}
		if d.signer != nil {
			sig, err := d.signer.SignIntent(in)
			if err != nil {
				return sent, fmt.Errorf("custody: sign %s: %w", in.Key, err)
			}
			msg.Signature = sig
			msg.Intent.Signature = sig
		}

		if err := d.publisher.Publish(ctx, msg); err != nil {
			return sent, fmt.Errorf("custody: publish %s: %w", in.Key, err)
		}
		if err := d.store.MarkDispatched(ctx, in.Key, d.now().UTC()); err != nil {
			return sent, fmt.Errorf("custody: mark %s dispatched: %w", in.Key, err)
		}
		sent++
	}
	return sent, nil
}

// RunLoop drains the outbox every interval until ctx is cancelled. onFailure,
// if set, is called once when a run of failures starts.
func (d *Dispatcher) RunLoop(ctx context.Context, interval time.Duration, onFailure func(context.Context, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failing := false
	for {
		sent, err := d.DispatchOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			d.logger.ErrorContext(ctx, "dispatch failed", slog.String("error", err.Error()))
			if !failing && onFailure != nil {
				onFailure(ctx, err)
			}
			failing = true
		case err == nil:
			if failing {
				d.logger.InfoContext(ctx, "dispatch recovered")
			}
			failing = false
			if sent > 0 {
				d.logger.InfoContext(ctx, "dispatched custody intents", slog.Int("count", sent))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
