// SPDX-License-Identifier: MIT

// Package daemon wires the long-lived subsystems together: manager
// client, reconciliation engine, delayed-check scheduler, webhook
// ingress and the optional metrics listener.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tvops/reconcilarr/internal/cache"
	"github.com/tvops/reconcilarr/internal/config"
	"github.com/tvops/reconcilarr/internal/log"
	"github.com/tvops/reconcilarr/internal/monitor"
	"github.com/tvops/reconcilarr/internal/scheduler"
	"github.com/tvops/reconcilarr/internal/sonarr"
	"github.com/tvops/reconcilarr/internal/webhook"
)

// Options adjusts App construction beyond what config carries.
type Options struct {
	ConfigPath string // enables hot reload when set
	Version    string
}

// App owns the runtime lifecycle. All subsystems stop when the context
// handed to Run is canceled.
type App struct {
	cfg     *config.Config
	opts    Options
	logger  zerolog.Logger
	holder  *config.Holder
	client  *sonarr.Client
	engine  *monitor.Engine
	sched   *scheduler.Scheduler
	ingress *webhook.Server

	caches       []interface{ Stop() }
	reloadSignal os.Signal
}

// New wires an App from loaded configuration.
func New(cfg *config.Config, opts Options) *App {
	a := &App{
		cfg:          cfg,
		opts:         opts,
		logger:       log.WithComponent("daemon"),
		reloadSignal: syscall.SIGHUP,
	}

	var loader *config.Loader
	if opts.ConfigPath != "" {
		loader = config.NewLoader(opts.ConfigPath)
	}
	a.holder = config.NewHolder(cfg, loader, opts.ConfigPath)

	apiCache := cache.New(time.Minute)
	recent := cache.New(time.Minute)
	a.caches = append(a.caches, apiCache, recent)

	a.client = sonarr.New(cfg.Sonarr.URL, sonarr.Options{
		APIKey:            cfg.Sonarr.APIKey,
		Timeout:           cfg.Sonarr.Timeout(),
		Cache:             apiCache,
		RequestsPerSecond: 5,
	})

	a.engine = monitor.New(a.client, a.holder, recent, cfg.Monitoring.Interval())

	a.sched = scheduler.New(a.handleDueCheck, log.WithComponent("scheduler"))

	if cfg.Webhook.IsEnabled() {
		a.ingress = webhook.NewServer(webhook.Options{
			Addr:            fmt.Sprintf("%s:%d", cfg.Webhook.Host, cfg.Webhook.Port),
			Secret:          cfg.Webhook.Secret,
			ImportDelay:     cfg.Webhook.ImportCheckDelay(),
			RateLimitPerMin: cfg.Webhook.RateLimitPerMin,
			Version:         opts.Version,
		}, a.engine, a.sched, a.client)
	}

	return a
}

// Client exposes the manager client for startup probes.
func (a *App) Client() *sonarr.Client { return a.client }

// Engine exposes the reconciliation engine for one-shot runs.
func (a *App) Engine() *monitor.Engine { return a.engine }

// handleDueCheck fires when a post-grab deadline passes without an
// import notification.
func (a *App) handleDueCheck(ctx context.Context, task scheduler.Task) {
	found, err := a.engine.CheckDownload(ctx, task.Fingerprint.DownloadID)
	if err != nil {
		a.logger.Warn().Err(err).
			Str("event", "daemon.due_check_failed").
			Str("fingerprint", task.Fingerprint.String()).
			Msg("post-grab check failed")
		return
	}
	if !found {
		a.logger.Debug().
			Str("event", "daemon.imported_in_time").
			Str("fingerprint", task.Fingerprint.String()).
			Msg("download no longer queued, imported in time")
	}
}

// Run starts all subsystems and blocks until ctx is canceled or one of
// them fails fatally.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Config watcher is best-effort: reload failures keep the last
	// good policy, and a missing watcher only disables hot reload.
	if a.opts.ConfigPath != "" {
		g.Go(func() error {
			if err := a.holder.Watch(ctx); err != nil {
				a.logger.Warn().Err(err).
					Str("event", "config.watcher_start_failed").
					Msg("config file watcher unavailable, hot reload disabled")
			}
			return nil
		})
		g.Go(func() error {
			return a.watchReloadSignal(ctx)
		})
	}

	g.Go(func() error {
		a.sched.Run(ctx)
		return nil
	})

	g.Go(func() error {
		a.engine.Run(ctx)
		return nil
	})

	if a.ingress != nil {
		g.Go(func() error {
			if err := a.ingress.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("webhook server: %w", err)
			}
			return nil
		})
	}

	if a.cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return a.serveMetrics(ctx)
		})
	}

	a.logger.Info().
		Str("event", "daemon.started").
		Str("version", a.opts.Version).
		Bool("dry_run", a.cfg.DryRun).
		Dur("scan_interval", a.cfg.Monitoring.Interval()).
		Bool("webhook", a.ingress != nil).
		Msg("daemon running")

	err := g.Wait()
	a.client.CloseIdleConnections()
	for _, c := range a.caches {
		c.Stop()
	}
	return err
}

// watchReloadSignal reloads the config on SIGHUP.
func (a *App) watchReloadSignal(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, a.reloadSignal)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			a.logger.Info().
				Str("event", "config.reload_signal").
				Str("signal", a.reloadSignal.String()).
				Msg("reload signal received")
			if err := a.holder.Reload(); err != nil {
				a.logger.Warn().Err(err).
					Str("event", "config.reload_failed").
					Msg("config reload failed, keeping previous policy")
			}
		}
	}
}

// serveMetrics runs the Prometheus exposition listener.
func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	a.logger.Info().
		Str("event", "metrics.started").
		Str("addr", a.cfg.Metrics.Addr).
		Msg("metrics listener started")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// RunUntilSignaled runs the App until SIGINT or SIGTERM.
func (a *App) RunUntilSignaled() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}
