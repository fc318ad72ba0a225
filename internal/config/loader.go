// SPDX-License-Identifier: MIT

package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tvops/reconcilarr/internal/log"
)

// ErrInvalidConfig wraps all validation failures so main can map them to
// the config-error exit code.
var ErrInvalidConfig = errors.New("invalid configuration")

// Loader reads configuration from an optional YAML file, applies
// environment overrides, fills defaults and validates the result.
type Loader struct {
	path string
}

// NewLoader creates a Loader for the given config file path. An empty
// path means env and defaults only.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load produces a validated Config.
func (l *Loader) Load() (*Config, error) {
	cfg := &Config{}

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, l.path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, l.path, err)
		}
	}

	l.applyEnv(cfg)
	cfg.applyDefaults()

	if err := l.validate(cfg); err != nil {
		return nil, err
	}

	l.ensureWebhookSecret(cfg)
	return cfg, nil
}

// applyEnv overrides file values with environment variables.
func (l *Loader) applyEnv(cfg *Config) {
	cfg.Sonarr.URL = ParseString("SONARR_URL", cfg.Sonarr.URL)
	cfg.Sonarr.APIKey = ParseString("SONARR_API_KEY", cfg.Sonarr.APIKey)
	cfg.Sonarr.TimeoutS = ParseInt("SONARR_TIMEOUT", cfg.Sonarr.TimeoutS)

	if _, ok := os.LookupEnv("WEBHOOK_ENABLED"); ok {
		enabled := ParseBool("WEBHOOK_ENABLED", cfg.Webhook.IsEnabled())
		cfg.Webhook.Enabled = &enabled
	}
	cfg.Webhook.Host = ParseString("WEBHOOK_HOST", cfg.Webhook.Host)
	cfg.Webhook.Port = ParseInt("WEBHOOK_PORT", cfg.Webhook.Port)
	cfg.Webhook.Secret = ParseString("WEBHOOK_SECRET", cfg.Webhook.Secret)
	cfg.Webhook.ImportCheckDelayS = ParseInt("WEBHOOK_IMPORT_CHECK_DELAY", cfg.Webhook.ImportCheckDelayS)
	cfg.Webhook.RateLimitPerMin = ParseInt("WEBHOOK_RATE_LIMIT", cfg.Webhook.RateLimitPerMin)

	cfg.Monitoring.IntervalS = ParseInt("MONITORING_INTERVAL", cfg.Monitoring.IntervalS)
	cfg.Monitoring.ForceImportThreshold = ParseInt("FORCE_IMPORT_THRESHOLD", cfg.Monitoring.ForceImportThreshold)
	if _, ok := os.LookupEnv("REMOVE_PUBLIC_FAILURES"); ok {
		v := ParseBool("REMOVE_PUBLIC_FAILURES", cfg.Monitoring.RemovalsEnabled())
		cfg.Monitoring.RemovePublicFailures = &v
	}
	if _, ok := os.LookupEnv("PROTECT_PRIVATE_RATIO"); ok {
		v := ParseBool("PROTECT_PRIVATE_RATIO", cfg.Monitoring.PrivateProtected())
		cfg.Monitoring.ProtectPrivateRatio = &v
	}
	if _, ok := os.LookupEnv("DETECT_REPEATED_GRABS"); ok {
		v := ParseBool("DETECT_REPEATED_GRABS", cfg.Monitoring.RepeatedGrabsEnabled())
		cfg.Monitoring.DetectRepeatedGrabs = &v
	}
	cfg.Monitoring.RemoveUnknownTrackers = ParseBool("REMOVE_UNKNOWN_TRACKERS", cfg.Monitoring.RemoveUnknownTrackers)

	cfg.Trackers.Private = ParseList("TRACKERS_PRIVATE", cfg.Trackers.Private)
	cfg.Trackers.Public = ParseList("TRACKERS_PUBLIC", cfg.Trackers.Public)

	cfg.Logging.Level = ParseString("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = ParseString("LOG_FORMAT", cfg.Logging.Format)
	cfg.Metrics.Addr = ParseString("METRICS_ADDR", cfg.Metrics.Addr)
	cfg.DryRun = ParseBool("DRY_RUN", cfg.DryRun)
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Sonarr.URL == "" {
		return fmt.Errorf("%w: sonarr.url is required (SONARR_URL)", ErrInvalidConfig)
	}
	parsed, err := url.Parse(cfg.Sonarr.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: sonarr.url %q is not a valid URL", ErrInvalidConfig, cfg.Sonarr.URL)
	}
	if cfg.Sonarr.APIKey == "" {
		return fmt.Errorf("%w: sonarr.api_key is required (SONARR_API_KEY)", ErrInvalidConfig)
	}
	if cfg.Webhook.Port < 1 || cfg.Webhook.Port > 65535 {
		return fmt.Errorf("%w: webhook.port %d out of range", ErrInvalidConfig, cfg.Webhook.Port)
	}
	return nil
}

// ensureWebhookSecret generates a secret when the webhook server is
// enabled but none was configured, and logs it exactly once so the
// operator can copy it into the manager's notification settings.
func (l *Loader) ensureWebhookSecret(cfg *Config) {
	if !cfg.Webhook.IsEnabled() || cfg.Webhook.Secret != "" {
		return
	}
	buf := make([]byte, 24)
	logger := log.WithComponent("config")
	if _, err := rand.Read(buf); err != nil {
		// Leave empty; the server will warn about unauthenticated access.
		logger.Error().Err(err).
			Str("event", "config.secret_generation_failed").
			Msg("could not generate webhook secret")
		return
	}
	cfg.Webhook.Secret = hex.EncodeToString(buf)
	logger.Warn().
		Str("event", "config.secret_generated").
		Str("webhook_secret", cfg.Webhook.Secret).
		Msg("no webhook secret configured, generated one for this run")
}
