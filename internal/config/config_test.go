package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromPath_WritesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr, "default config file should be written")

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 500, cfg.Detection.BatchSize)
	assert.InDelta(t, 0.3, cfg.Detection.BaseConfidence, 1e-9)
	assert.Equal(t, 24*time.Hour, cfg.Meta.Window)
	assert.Equal(t, 20*time.Second, cfg.Synthesis.LLM.Timeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromPath_ReadsFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
data_dir: ` + dir + `
install_root: ` + filepath.Join(dir, "root") + `
settings_file: .assistant/settings.json
detection:
  batch_size: 25
  default_boost: 0.15
meta:
  window: 2h
  max_proposals_per_window: 1
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Detection.BatchSize)
	assert.InDelta(t, 0.15, cfg.Detection.DefaultBoost, 1e-9)
	assert.Equal(t, 2*time.Hour, cfg.Meta.Window)
	assert.Equal(t, 1, cfg.Meta.MaxProposalsPerWindow)
	assert.Equal(t, ".assistant/settings.json", cfg.SettingsFile)
	assert.Equal(t, "debug", cfg.Log.Level)
	// keys missing from the file keep their defaults
	assert.InDelta(t, 0.95, cfg.Detection.MaxConfidence, 1e-9)
}

func TestLoadFromPath_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	_, err := LoadFromPath(path)
	require.NoError(t, err)

	t.Setenv("HOMUNCULUS_DETECTION_BATCH_SIZE", "7")
	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Detection.BatchSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"absolute settings file", func(c *Config) { c.SettingsFile = "/etc/settings.json" }},
		{"traversing settings file", func(c *Config) { c.SettingsFile = "../settings.json" }},
		{"zero batch", func(c *Config) { c.Detection.BatchSize = 0 }},
		{"confidence cap at one", func(c *Config) { c.Detection.MaxConfidence = 1 }},
		{"boost out of range", func(c *Config) { c.Detection.DefaultBoost = 1.5 }},
		{"llm without timeout", func(c *Config) {
			c.Synthesis.LLM.Enabled = true
			c.Synthesis.LLM.Timeout = 0
		}},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultAt(t.TempDir())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestYAML_MasksAPIKey(t *testing.T) {
	cfg := DefaultAt(t.TempDir())
	cfg.Synthesis.LLM.APIKey = "sk-secret"

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-secret")
	assert.Contains(t, out, "********")
	assert.Equal(t, "sk-secret", cfg.Synthesis.LLM.APIKey, "YAML must not mutate the receiver")
}

func TestSaveToPath_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")
	cfg := DefaultAt(dir)
	cfg.Meta.MaxProposalsPerWindow = 5

	require.NoError(t, cfg.SaveToPath(path))
	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Meta.MaxProposalsPerWindow)
	assert.Equal(t, dir, loaded.DataDir)
}
