// Package config loads the engine configuration.
//
// Configuration lives in ~/.homunculus/config.yaml. A file with default
// values is written on first load, and every key can be overridden from the
// environment with the HOMUNCULUS_ prefix (dots become underscores, e.g.
// HOMUNCULUS_DETECTION_BATCH_SIZE=100).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "HOMUNCULUS"

// Config is the full engine configuration.
type Config struct {
	// DataDir holds the database, staging area and snapshots.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// InstallRoot is where evolved/ artifacts and the settings file live.
	InstallRoot string `mapstructure:"install_root" yaml:"install_root"`
	// SettingsFile is the assistant settings file patched by installs,
	// relative to InstallRoot.
	SettingsFile string `mapstructure:"settings_file" yaml:"settings_file"`
	// EventsPath is the append-only JSONL observation log.
	EventsPath string `mapstructure:"events_path" yaml:"events_path"`

	RulesDir     string `mapstructure:"rules_dir" yaml:"rules_dir"`
	TemplatesDir string `mapstructure:"templates_dir" yaml:"templates_dir"`
	MetaRulesDir string `mapstructure:"meta_rules_dir" yaml:"meta_rules_dir"`

	Detection DetectionConfig `mapstructure:"detection" yaml:"detection"`
	Synthesis SynthesisConfig `mapstructure:"synthesis" yaml:"synthesis"`
	Meta      MetaConfig      `mapstructure:"meta" yaml:"meta"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// DetectionConfig tunes the detector.
type DetectionConfig struct {
	BatchSize             int     `mapstructure:"batch_size" yaml:"batch_size"`
	BaseConfidence        float64 `mapstructure:"base_confidence" yaml:"base_confidence"`
	MaxConfidence         float64 `mapstructure:"max_confidence" yaml:"max_confidence"`
	DefaultBoost          float64 `mapstructure:"default_boost" yaml:"default_boost"`
	DefaultMinConfidence  float64 `mapstructure:"default_min_confidence" yaml:"default_min_confidence"`
	DefaultAutoSynthesize float64 `mapstructure:"default_auto_synthesize" yaml:"default_auto_synthesize"`
}

// SynthesisConfig tunes the synthesizer.
type SynthesisConfig struct {
	// AutoAfterDetect runs synthesis for new gaps at the end of detect.
	AutoAfterDetect bool      `mapstructure:"auto_after_detect" yaml:"auto_after_detect"`
	LLM             LLMConfig `mapstructure:"llm" yaml:"llm"`
}

// LLMConfig configures the optional LLM-assisted synthesis strategy.
type LLMConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// MetaConfig configures the meta-analyzer.
type MetaConfig struct {
	Enabled               bool          `mapstructure:"enabled" yaml:"enabled"`
	Window                time.Duration `mapstructure:"window" yaml:"window"`
	MaxProposalsPerWindow int           `mapstructure:"max_proposals_per_window" yaml:"max_proposals_per_window"`
	MinSampleSize         int           `mapstructure:"min_sample_size" yaml:"min_sample_size"`
	AcceptanceFloor       float64       `mapstructure:"acceptance_floor" yaml:"acceptance_floor"`
	MinInstalledDays      int           `mapstructure:"min_installed_days" yaml:"min_installed_days"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// File, when set, receives JSON logs instead of the console writer.
	File string `mapstructure:"file" yaml:"file"`
}

// Default returns the default configuration rooted at ~/.homunculus.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return DefaultAt(filepath.Join(home, ".homunculus"))
}

// DefaultAt returns the default configuration rooted at dir.
func DefaultAt(dir string) *Config {
	return &Config{
		DataDir:      dir,
		InstallRoot:  dir,
		SettingsFile: "settings.json",
		EventsPath:   filepath.Join(dir, "observations.jsonl"),
		RulesDir:     filepath.Join(dir, "rules"),
		TemplatesDir: filepath.Join(dir, "templates"),
		MetaRulesDir: filepath.Join(dir, "meta-rules"),
		Detection: DetectionConfig{
			BatchSize:             500,
			BaseConfidence:        0.3,
			MaxConfidence:         0.95,
			DefaultBoost:          0.2,
			DefaultMinConfidence:  0.3,
			DefaultAutoSynthesize: 0.6,
		},
		Synthesis: SynthesisConfig{
			AutoAfterDetect: false,
			LLM: LLMConfig{
				Enabled:           false,
				Model:             "gpt-4o-mini",
				Timeout:           20 * time.Second,
				RequestsPerMinute: 10,
			},
		},
		Meta: MetaConfig{
			Enabled:               true,
			Window:                24 * time.Hour,
			MaxProposalsPerWindow: 3,
			MinSampleSize:         3,
			AcceptanceFloor:       0.3,
			MinInstalledDays:      14,
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultPath returns ~/.homunculus/config.yaml.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".homunculus", "config.yaml")
}

// Load reads configuration from the default location.
func Load() (*Config, error) {
	return LoadFromPath(DefaultPath())
}

// LoadFromPath reads configuration from path and merges environment
// overrides. A default file is written when path does not exist; its data
// directory is the directory containing path.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("config: create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, DefaultAt(filepath.Dir(path))); err != nil {
			return nil, fmt.Errorf("config: write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: HOMUNCULUS_SYNTHESIS_LLM_API_KEY
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultAt(filepath.Dir(path))
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.DataDir = expandPath(cfg.DataDir)
	cfg.InstallRoot = expandPath(cfg.InstallRoot)
	cfg.EventsPath = expandPath(cfg.EventsPath)
	cfg.RulesDir = expandPath(cfg.RulesDir)
	cfg.TemplatesDir = expandPath(cfg.TemplatesDir)
	cfg.MetaRulesDir = expandPath(cfg.MetaRulesDir)
	cfg.Log.File = expandPath(cfg.Log.File)

	if cfg.Synthesis.LLM.APIKey == "" {
		cfg.Synthesis.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	return cfg, nil
}

// SaveToPath writes the configuration as YAML.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// DBPath returns the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "homunculus.db")
}

// EnsureDirectories creates every directory the engine writes to.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.InstallRoot, c.RulesDir, c.TemplatesDir, c.MetaRulesDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("config: create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks the configuration for out-of-range values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.InstallRoot == "" {
		return fmt.Errorf("install_root cannot be empty")
	}
	if filepath.IsAbs(c.SettingsFile) || strings.Contains(c.SettingsFile, "..") {
		return fmt.Errorf("settings_file must be a relative path inside install_root, got %q", c.SettingsFile)
	}

	d := c.Detection
	if d.BatchSize <= 0 {
		return fmt.Errorf("detection.batch_size must be positive")
	}
	for name, v := range map[string]float64{
		"detection.base_confidence":         d.BaseConfidence,
		"detection.max_confidence":          d.MaxConfidence,
		"detection.default_boost":           d.DefaultBoost,
		"detection.default_min_confidence":  d.DefaultMinConfidence,
		"detection.default_auto_synthesize": d.DefaultAutoSynthesize,
		"meta.acceptance_floor":             c.Meta.AcceptanceFloor,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}
	if d.MaxConfidence >= 1 {
		return fmt.Errorf("detection.max_confidence must stay below 1.0")
	}

	if c.Synthesis.LLM.Enabled && c.Synthesis.LLM.Timeout <= 0 {
		return fmt.Errorf("synthesis.llm.timeout must be positive when the llm strategy is enabled")
	}
	if c.Meta.MaxProposalsPerWindow < 0 {
		return fmt.Errorf("meta.max_proposals_per_window cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// YAML renders the configuration as it would be written to disk, with the
// API key masked.
func (c *Config) YAML() (string, error) {
	masked := *c
	if masked.Synthesis.LLM.APIKey != "" {
		masked.Synthesis.LLM.APIKey = "********"
	}
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return "", fmt.Errorf("config: marshal: %w", err)
	}
	return string(data), nil
}

func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
