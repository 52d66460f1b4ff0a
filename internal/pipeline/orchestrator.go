// Package pipeline runs the background side of the engine: the lifecycle
// sweeper, the custody outbox dispatcher and the cold-storage archiver.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/predictlens/predictlens/internal/custody"
	"github.com/predictlens/predictlens/internal/notify"
)

// Schedule holds the worker intervals.
type Schedule struct {
	SweepInterval    time.Duration
	DispatchInterval time.Duration
	ArchiveCron      string
}

// Orchestrator manages all worker goroutines. Nil components are skipped,
// so a deployment without S3 simply does not archive.
type Orchestrator struct {
	sweeper    *Sweeper
	dispatcher *custody.Dispatcher
	archiver   *Archiver
	notifier   *notify.Notifier
	schedule   Schedule
	logger     *slog.Logger
}

func NewOrchestrator(
	sweeper *Sweeper,
	dispatcher *custody.Dispatcher,
	archiver *Archiver,
	notifier *notify.Notifier,
	schedule Schedule,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		sweeper:    sweeper,
		dispatcher: dispatcher,
		archiver:   archiver,
		notifier:   notifier,
		schedule:   schedule,
		logger:     logger.With(slog.String("component", "pipeline")),
	}
}

// Run starts every configured loop in an errgroup. If any loop returns a
// non-context error, the group cancels the rest and Run returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Duration("sweep_interval", o.schedule.SweepInterval),
		slog.Duration("dispatch_interval", o.schedule.DispatchInterval),
		slog.String("archive_cron", o.schedule.ArchiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	if o.sweeper != nil {
		g.Go(func() error {
			return clean(ctx, "sweeper", o.sweeper.RunLoop(ctx, o.schedule.SweepInterval))
		})
	}

	if o.dispatcher != nil {
		g.Go(func() error {
			err := o.dispatcher.RunLoop(ctx, o.schedule.DispatchInterval, func(ctx context.Context, err error) {
				_ = o.notifier.Notify(ctx, notify.EventDispatchFailed, "Custody dispatch failing", err.Error())
			})
			return clean(ctx, "dispatcher", err)
		})
	}

	if o.archiver != nil && o.schedule.ArchiveCron != "" {
		g.Go(func() error {
			return clean(ctx, "archiver", o.archiver.RunCron(ctx, o.schedule.ArchiveCron))
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}

// clean turns a shutdown into a nil error.
func clean(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}
