// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
sonarr:
  url: http://localhost:8989
  api_key: abc123
`)
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Sonarr.TimeoutS)
	assert.True(t, cfg.Webhook.IsEnabled())
	assert.Equal(t, 8090, cfg.Webhook.Port)
	assert.Equal(t, 600, cfg.Webhook.ImportCheckDelayS)
	assert.Equal(t, 30, cfg.Webhook.RateLimitPerMin)
	assert.Equal(t, 60, cfg.Monitoring.IntervalS)
	assert.Equal(t, 10, cfg.Monitoring.ForceImportThreshold)
	assert.True(t, cfg.Monitoring.RepeatedGrabsEnabled())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.DryRun)
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfig(t, `
sonarr:
  url: http://sonarr:8989
  api_key: key
  timeout_s: 10
webhook:
  port: 9999
  secret: hunter2
  rate_limit_per_min: 5
monitoring:
  interval_s: 120
  force_import_threshold: 25
trackers:
  private: [BeyondHD, PassThePopcorn]
  public: [nyaa, AnimeTosho]
dry_run: true
`)
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Sonarr.TimeoutS)
	assert.Equal(t, 9999, cfg.Webhook.Port)
	assert.Equal(t, "hunter2", cfg.Webhook.Secret)
	assert.Equal(t, 5, cfg.Webhook.RateLimitPerMin)
	assert.Equal(t, 120, cfg.Monitoring.IntervalS)
	assert.Equal(t, 25, cfg.Monitoring.ForceImportThreshold)
	assert.True(t, cfg.DryRun)
	if diff := cmp.Diff([]string{"BeyondHD", "PassThePopcorn"}, cfg.Trackers.Private); diff != "" {
		t.Errorf("private trackers mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
sonarr:
  url: http://from-file:8989
  api_key: filekey
monitoring:
  force_import_threshold: 10
`)
	t.Setenv("SONARR_URL", "http://from-env:8989")
	t.Setenv("FORCE_IMPORT_THRESHOLD", "42")
	t.Setenv("TRACKERS_PRIVATE", "BeyondHD, BTN")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "http://from-env:8989", cfg.Sonarr.URL)
	assert.Equal(t, 42, cfg.Monitoring.ForceImportThreshold)
	assert.Equal(t, []string{"BeyondHD", "BTN"}, cfg.Trackers.Private)
}

func TestMissingRequiredValues(t *testing.T) {
	_, err := NewLoader(writeConfig(t, `sonarr: {api_key: k}`)).Load()
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewLoader(writeConfig(t, `sonarr: {url: "http://x:1"}`)).Load()
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewLoader(writeConfig(t, `sonarr: {url: "not a url", api_key: k}`)).Load()
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestWebhookSecretAutoGenerated(t *testing.T) {
	path := writeConfig(t, `
sonarr:
  url: http://localhost:8989
  api_key: abc
`)
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Webhook.Secret, "secret should be generated when absent")

	// Secret is preserved when configured.
	t.Setenv("WEBHOOK_SECRET", "explicit")
	cfg, err = NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "explicit", cfg.Webhook.Secret)
}

func TestHolderReload(t *testing.T) {
	path := writeConfig(t, `
sonarr:
  url: http://localhost:8989
  api_key: abc
monitoring:
  force_import_threshold: 10
`)
	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	holder := NewHolder(cfg, loader, path)
	assert.Equal(t, 10, holder.Current().ForceImportThreshold)

	require.NoError(t, os.WriteFile(path, []byte(`
sonarr:
  url: http://localhost:8989
  api_key: abc
monitoring:
  force_import_threshold: 99
`), 0o600))
	require.NoError(t, holder.Reload())
	assert.Equal(t, 99, holder.Current().ForceImportThreshold)
}
