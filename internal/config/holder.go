// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tvops/reconcilarr/internal/log"
)

// Policy is the hot-reloadable subset of the configuration. Connection
// parameters and listen addresses stay fixed for the process lifetime;
// decision policy can change while the daemon runs.
type Policy struct {
	ForceImportThreshold  int
	RemovePublicFailures  bool
	ProtectPrivateRatio   bool
	DetectRepeatedGrabs   bool
	RemoveUnknownTrackers bool
	PrivateTrackers       []string
	PublicTrackers        []string
	DryRun                bool
}

// PolicyFrom extracts the reloadable fields from a full config.
func PolicyFrom(cfg *Config) *Policy {
	return &Policy{
		ForceImportThreshold:  cfg.Monitoring.ForceImportThreshold,
		RemovePublicFailures:  cfg.Monitoring.RemovalsEnabled(),
		ProtectPrivateRatio:   cfg.Monitoring.PrivateProtected(),
		DetectRepeatedGrabs:   cfg.Monitoring.RepeatedGrabsEnabled(),
		RemoveUnknownTrackers: cfg.Monitoring.RemoveUnknownTrackers,
		PrivateTrackers:       append([]string(nil), cfg.Trackers.Private...),
		PublicTrackers:        append([]string(nil), cfg.Trackers.Public...),
		DryRun:                cfg.DryRun,
	}
}

// Holder keeps the current Policy behind an atomic pointer so readers
// never block on a reload.
type Holder struct {
	current atomic.Pointer[Policy]
	loader  *Loader
	path    string
}

// NewHolder seeds a Holder from an already-loaded config.
func NewHolder(cfg *Config, loader *Loader, path string) *Holder {
	h := &Holder{loader: loader, path: path}
	h.current.Store(PolicyFrom(cfg))
	return h
}

// Current returns the active policy snapshot. Callers must not mutate it.
func (h *Holder) Current() *Policy {
	return h.current.Load()
}

// Reload re-reads the config file and swaps in the new policy.
func (h *Holder) Reload() error {
	cfg, err := h.loader.Load()
	if err != nil {
		return err
	}
	h.current.Store(PolicyFrom(cfg))
	return nil
}

// Watch reloads the policy when the config file changes on disk.
// Returns when ctx is done. A missing or never-changing file is fine.
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		<-ctx.Done()
		return nil
	}

	logger := log.WithComponent("config")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors replace files instead of writing in place.
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		return err
	}

	var debounce *time.Timer
	reload := func() {
		if err := h.Reload(); err != nil {
			logger.Error().Err(err).
				Str("event", "config.reload_failed").
				Str("path", h.path).
				Msg("keeping previous policy")
			return
		}
		logger.Info().
			Str("event", "config.reloaded").
			Str("path", h.path).
			Int("threshold", h.Current().ForceImportThreshold).
			Msg("policy reloaded from file")
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(h.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Collapse editor write bursts into one reload.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Str("event", "config.watch_error").Msg("config watcher error")
		}
	}
}
