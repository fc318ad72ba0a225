// SPDX-License-Identifier: MIT

// Package config loads and validates daemon configuration with the
// precedence ENV > file > defaults.
package config

import (
	"time"
)

// Config is the root configuration document.
type Config struct {
	Sonarr     SonarrConfig     `yaml:"sonarr"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Trackers   TrackerConfig    `yaml:"trackers"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	DryRun     bool             `yaml:"dry_run"`
}

// SonarrConfig holds connection parameters for the manager API.
type SonarrConfig struct {
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
	TimeoutS int    `yaml:"timeout_s"`
}

// Timeout returns the request deadline for manager API calls.
func (c SonarrConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutS) * time.Second
}

// WebhookConfig controls the ingress HTTP server.
type WebhookConfig struct {
	Enabled           *bool  `yaml:"enabled"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Secret            string `yaml:"secret"`
	ImportCheckDelayS int    `yaml:"import_check_delay_s"`
	RateLimitPerMin   int    `yaml:"rate_limit_per_min"`
}

// IsEnabled reports whether the webhook server should run (default true).
func (c WebhookConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ImportCheckDelay returns the grab-to-check delay.
func (c WebhookConfig) ImportCheckDelay() time.Duration {
	return time.Duration(c.ImportCheckDelayS) * time.Second
}

// MonitoringConfig holds reconciliation policy knobs.
type MonitoringConfig struct {
	IntervalS             int   `yaml:"interval_s"`
	ForceImportThreshold  int   `yaml:"force_import_threshold"`
	RemovePublicFailures  *bool `yaml:"remove_public_failures"`
	ProtectPrivateRatio   *bool `yaml:"protect_private_ratio"`
	DetectRepeatedGrabs   *bool `yaml:"detect_repeated_grabs"`
	RemoveUnknownTrackers bool  `yaml:"remove_unknown_trackers"`
}

// Interval returns the scan loop period.
func (c MonitoringConfig) Interval() time.Duration {
	return time.Duration(c.IntervalS) * time.Second
}

// RepeatedGrabsEnabled reports whether repeated-grab detection runs
// (default true).
func (c MonitoringConfig) RepeatedGrabsEnabled() bool {
	return c.DetectRepeatedGrabs == nil || *c.DetectRepeatedGrabs
}

// RemovalsEnabled reports whether remove_public decisions are executed
// (default true).
func (c MonitoringConfig) RemovalsEnabled() bool {
	return c.RemovePublicFailures == nil || *c.RemovePublicFailures
}

// PrivateProtected reports whether private releases are shielded from
// removal (default true).
func (c MonitoringConfig) PrivateProtected() bool {
	return c.ProtectPrivateRatio == nil || *c.ProtectPrivateRatio
}

// TrackerConfig classifies indexers by case-insensitive substring match.
type TrackerConfig struct {
	Private []string `yaml:"private"`
	Public  []string `yaml:"public"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig enables the optional Prometheus exposition listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// applyDefaults fills zero values with the documented defaults.
func (c *Config) applyDefaults() {
	if c.Sonarr.TimeoutS <= 0 {
		c.Sonarr.TimeoutS = 30
	}
	if c.Webhook.Host == "" {
		c.Webhook.Host = "0.0.0.0"
	}
	if c.Webhook.Port <= 0 {
		c.Webhook.Port = 8090
	}
	if c.Webhook.ImportCheckDelayS <= 0 {
		c.Webhook.ImportCheckDelayS = 600
	}
	if c.Webhook.RateLimitPerMin <= 0 {
		c.Webhook.RateLimitPerMin = 30
	}
	if c.Monitoring.IntervalS <= 0 {
		c.Monitoring.IntervalS = 60
	}
	if c.Monitoring.ForceImportThreshold == 0 {
		c.Monitoring.ForceImportThreshold = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
