// SPDX-License-Identifier: MIT

// Command reconcilarr runs the decision and reconciliation daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"runtime/debug"
	"time"

	"github.com/tvops/reconcilarr/internal/config"
	"github.com/tvops/reconcilarr/internal/daemon"
	"github.com/tvops/reconcilarr/internal/log"
	"github.com/tvops/reconcilarr/internal/sonarr"
	"github.com/tvops/reconcilarr/internal/version"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitStartup = 2
	exitRuntime = 3
)

// maskURL strips credentials from a URL for logging.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url-redacted"
	}
	u.User = nil
	return u.String()
}

func main() {
	os.Exit(guard(func() int { return run(os.Args[1:]) }))
}

// guard keeps an unrecovered panic from reaching the Go runtime, whose
// exit status would collide with the startup-failure code.
func guard(fn func() int) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s", r, debug.Stack())
			code = exitRuntime
		}
	}()
	return fn()
}

func run(args []string) int {
	fs := flag.NewFlagSet("reconcilarr", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (YAML)")
	showVersion := fs.Bool("version", false, "print version and exit")
	dryRun := fs.Bool("dry-run", false, "log decisions without mutating the manager")
	once := fs.Bool("once", false, "run a single queue scan and exit")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	if *showVersion {
		fmt.Printf("reconcilarr %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		return exitOK
	}

	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	if *dryRun {
		cfg.DryRun = true
	}

	log.Configure(log.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "reconcilarr",
		Version: version.Version,
	})
	logger := log.WithComponent("main")

	app := daemon.New(cfg, daemon.Options{
		ConfigPath: *configPath,
		Version:    version.Version,
	})

	// Verify connectivity and credentials before going resident.
	probeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	status, err := app.Client().SystemStatus(probeCtx)
	cancel()
	if err != nil {
		if errors.Is(err, sonarr.ErrUnauthorized) {
			logger.Error().
				Str("event", "main.auth_failed").
				Str("url", maskURL(cfg.Sonarr.URL)).
				Msg("manager rejected the API key")
		} else {
			logger.Error().Err(err).
				Str("event", "main.unreachable").
				Str("url", maskURL(cfg.Sonarr.URL)).
				Msg("manager is unreachable")
		}
		return exitStartup
	}
	logger.Info().
		Str("event", "main.connected").
		Str("url", maskURL(cfg.Sonarr.URL)).
		Str("manager_version", status.Version).
		Bool("dry_run", cfg.DryRun).
		Msg("connected to manager")

	if *once {
		if err := app.Engine().ScanOnce(context.Background()); err != nil {
			logger.Error().Err(err).
				Str("event", "main.scan_failed").
				Msg("queue scan failed")
			return exitRuntime
		}
		return exitOK
	}

	if err := app.RunUntilSignaled(); err != nil {
		logger.Error().Err(err).
			Str("event", "main.fatal").
			Msg("daemon exited with error")
		return exitRuntime
	}

	logger.Info().Str("event", "main.stopped").Msg("shutdown complete")
	return exitOK
}
