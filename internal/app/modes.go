package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/posengine/internal/executor"
	"github.com/alanyoungcy/posengine/internal/server"
	"github.com/alanyoungcy/posengine/internal/server/handler"
	"github.com/alanyoungcy/posengine/internal/server/ws"
)

// TradeMode runs, per scope, the supervisor, the balance and reconciliation
// loops and the bus proposal intake, plus the shared archiver and server.
// Each scope is reconciled once before its supervisor starts.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies, scopes []*Scope) error {
	a.logger.InfoContext(ctx, "app: starting trade mode")

	g, ctx := errgroup.WithContext(ctx)

	for _, s := range scopes {
		a.startupReconcile(ctx, s)

		g.Go(func() error { return s.Supervisor.Run(ctx) })
		g.Go(func() error { return s.Balance.Run(ctx) })
		g.Go(func() error { return s.Reconciler.Run(ctx) })

		if deps.SignalBus != nil {
			g.Go(func() error {
				return executor.ConsumeProposals(ctx, deps.SignalBus, s.Supervisor, a.logger)
			})
		}
	}

	a.startArchiver(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, scopes)

	return g.Wait()
}

// MonitorMode submits no orders: balances and reconciliation keep running so
// the API reflects the venue, and the emergency scripts are refused.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies, scopes []*Scope) error {
	a.logger.InfoContext(ctx, "app: starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	for _, s := range scopes {
		g.Go(func() error { return s.Balance.Run(ctx) })
		g.Go(func() error { return s.Reconciler.Run(ctx) })
	}

	a.startArchiver(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, scopes)

	return g.Wait()
}

// startupReconcile aligns the ledger with the venue before trading resumes.
// A failure is logged; the reconciliation loop keeps retrying.
func (a *App) startupReconcile(ctx context.Context, s *Scope) {
	report, err := s.Reconciler.Reconcile(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "app: startup reconciliation failed",
			slog.String("scope", s.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.InfoContext(ctx, "app: startup reconciliation done",
		slog.String("scope", s.ID),
		slog.Int("purged", len(report.Purged)),
		slog.Int("adopted", len(report.Adopted)),
		slog.Int("synced", len(report.Synced)),
		slog.Int("positions", s.Ledger.Len()),
	)
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	interval := a.cfg.Archive.Interval.Duration
	g.Go(func() error { return deps.Archiver.Run(ctx, interval) })
}

// startHTTPServer adds the HTTP server, its shutdown watcher and the
// websocket hub to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, scopes []*Scope) {
	if !a.cfg.Server.Enabled {
		return
	}

	apiScopes := make([]*handler.Scope, 0, len(scopes))
	ids := make([]string, 0, len(scopes))
	for _, s := range scopes {
		apiScopes = append(apiScopes, s.APIScope(deps))
		ids = append(ids, s.ID)
	}

	health := handler.NewHealthHandler(a.logger)
	for name, check := range deps.Checks {
		health.WithCheck(name, check)
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			Scopes:    ids,
			StartedAt: time.Now().UTC(),
		})
		g.Go(func() error { return hub.Run(ctx) })
	}

	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		APIToken:     a.cfg.Server.APIToken,
		RateLimitRPS: a.cfg.Server.RateLimitRPS,
	}, server.Handlers{
		Health:  health,
		Scopes:  handler.NewScopeHandler(a.cfg.Mode, apiScopes, a.logger),
		Metrics: deps.Metrics.Handler(),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
