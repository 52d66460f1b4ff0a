package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/predictlens/predictlens/internal/domain"
	"github.com/predictlens/predictlens/internal/notify"
	"github.com/predictlens/predictlens/internal/service"
)

// Lifecycle is the market service surface the sweeper drives.
type Lifecycle interface {
	ListDue(ctx context.Context, votingPeriod time.Duration, limit int) ([]domain.Market, error)
	Advance(ctx context.Context, id string) (domain.Market, error)
	BeginResolution(ctx context.Context, id string) (domain.Market, error)
	ResolveByVote(ctx context.Context, id string) (service.VoteResolution, error)
}

// SweeperConfig tunes the lifecycle sweeper.
type SweeperConfig struct {
	// VotingPeriod is how long a quadratic market stays Resolving before
	// the tally is applied, counted from its resolution time.
	VotingPeriod time.Duration
	BatchSize    int
}

// Sweeper persists time-driven lifecycle steps: it locks markets whose
// staking window has ended, opens voting on quadratic markets at their
// resolution time and applies the tally once the voting period is over.
type Sweeper struct {
	markets  Lifecycle
	cfg      SweeperConfig
	notifier *notify.Notifier
	now      func() time.Time
	logger   *slog.Logger
}

func NewSweeper(markets Lifecycle, cfg SweeperConfig, notifier *notify.Notifier, logger *slog.Logger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		markets:  markets,
		cfg:      cfg,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// SweepOnce takes at most one step per due market and returns how many
// steps were persisted. A busy market is skipped until the next sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	due, err := s.markets.ListDue(ctx, s.cfg.VotingPeriod, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	now := s.now()
	steps := 0
	for _, m := range due {
		if ctx.Err() != nil {
			return steps, ctx.Err()
		}
		step, err := s.step(ctx, m, now)
		switch {
		case err == nil && step != "":
			steps++
			s.logger.InfoContext(ctx, "lifecycle step",
				slog.String("market_id", m.ID),
				slog.String("step", step),
			)
		case errors.Is(err, domain.ErrMarketBusy), errors.Is(err, domain.ErrTooEarly):
		case err != nil:
			s.logger.ErrorContext(ctx, "lifecycle step failed",
				slog.String("market_id", m.ID),
				slog.String("state", string(m.State)),
				slog.String("error", err.Error()),
			)
			_ = s.notifier.Notify(ctx, notify.EventSweepFailed, "Lifecycle step failed", m.ID+": "+err.Error())
		}
	}
	return steps, nil
}

// step picks the single transition m is due for at now. It returns "" when
// nothing is due yet.
func (s *Sweeper) step(ctx context.Context, m domain.Market, now time.Time) (string, error) {
	quadratic := m.Method == domain.MethodQuadraticVote
	switch {
	case m.State == domain.StateActive && !now.Before(m.StakingEnd):
		_, err := s.markets.Advance(ctx, m.ID)
		return "lock", err
	case quadratic && m.State == domain.StateLocked && !now.Before(m.ResolutionTime):
		_, err := s.markets.BeginResolution(ctx, m.ID)
		return "begin_resolution", err
	case quadratic && m.State == domain.StateResolving && !now.Before(m.ResolutionTime.Add(s.cfg.VotingPeriod)):
		res, err := s.markets.ResolveByVote(ctx, m.ID)
		if err == nil && res.Market.State == domain.StateVoided {
			return "void_by_vote", nil
		}
		return "resolve_by_vote", err
	}
	return "", nil
}

// RunLoop sweeps on every tick until ctx is cancelled.
func (s *Sweeper) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.InfoContext(ctx, "sweep complete", slog.Int("steps", n))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
