package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/predictlens/predictlens/internal/actionhub"
	"github.com/predictlens/predictlens/internal/crypto"
	"github.com/predictlens/predictlens/internal/pipeline"
	"github.com/predictlens/predictlens/internal/server"
	"github.com/predictlens/predictlens/internal/server/handler"
	"github.com/predictlens/predictlens/internal/server/ws"
)

// limitWindow is the window for the per-IP request limits.
const limitWindow = time.Minute

// ServerMode serves the HTTP API, the action hub and the websocket feed. No
// background lifecycle work runs; a worker process is expected elsewhere.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startShared(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return clean(g.Wait())
}

// WorkerMode runs the lifecycle sweeper, the custody dispatcher and the
// archive job without serving HTTP.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startShared(ctx, g, deps)
	if err := a.startPipeline(ctx, g, deps); err != nil {
		return fmt.Errorf("worker mode: %w", err)
	}
	return clean(g.Wait())
}

// FullMode runs the server and the worker in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startShared(ctx, g, deps)
	if err := a.startPipeline(ctx, g, deps); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	a.startHTTPServer(ctx, g, deps)
	return clean(g.Wait())
}

// startShared runs the loops every mode needs: the market follower that keeps
// in-memory aggregates coherent across processes, and the operator alert
// watcher.
func (a *App) startShared(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Markets.Follow(ctx)
	})
	if deps.Notifier.Enabled() {
		g.Go(func() error {
			return deps.Notifier.Watch(ctx, deps.SignalBus)
		})
	}
}

func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	dispatcher, closePublisher, err := newDispatcher(a.cfg, deps, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closePublisher)

	sweeper := pipeline.NewSweeper(deps.Markets, pipeline.SweeperConfig{
		VotingPeriod: a.cfg.Worker.VotingPeriod.Duration,
	}, deps.Notifier, a.logger)

	var archiver *pipeline.Archiver
	if deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, a.cfg.Worker.ArchiveRetention.Duration, deps.Notifier, a.logger)
	}

	orch := pipeline.NewOrchestrator(sweeper, dispatcher, archiver, deps.Notifier, pipeline.Schedule{
		SweepInterval:    a.cfg.Worker.SweepInterval.Duration,
		DispatchInterval: a.cfg.Worker.DispatchInterval.Duration,
		ArchiveCron:      a.cfg.Worker.ArchiveCron,
	}, a.logger)

	g.Go(func() error {
		return orch.Run(ctx)
	})
	return nil
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := actionhub.NewHub(deps.Markets, a.cfg.Hub.ReplayTTL.Duration, a.logger,
		actionhub.WithSharedReplay(deps.ReplayStore))
	wsHub := ws.NewHub(deps.SignalBus, a.logger)

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		Hub: &crypto.HubAuth{
			Secret:  a.cfg.Hub.Secret,
			MaxSkew: a.cfg.Hub.MaxSkew.Duration,
		},
		ReadLimit:   a.cfg.Server.ReadLimit,
		ActionLimit: a.cfg.Server.ActionLimit,
		LimitWindow: limitWindow,
		Limiter:     deps.RateLimiter,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, a.logger),
		Markets: handler.NewMarketHandler(deps.Markets, a.logger),
		Admin:   handler.NewAdminHandler(deps.Markets, deps.AuditStore, a.logger),
		Actions: handler.NewActionHandler(hub, a.logger),
	}, wsHub, a.logger)

	g.Go(func() error {
		return wsHub.Run(ctx)
	})

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// clean treats a cancelled context as a normal shutdown.
func clean(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
