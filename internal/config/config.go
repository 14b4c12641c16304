// Package config loads and saves the barth runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all barth configuration.
type Config struct {
	// Core settings
	Timezone            string `yaml:"timezone"`
	LoopIntervalSeconds int    `yaml:"loop_interval_seconds"`
	DataDir             string `yaml:"data_dir"`
	ExportsDir          string `yaml:"exports_dir"`

	// Proactive emission suppression window
	QuietHours QuietHoursConfig `yaml:"quiet_hours"`

	// Reflection windows
	Dreaming DreamingConfig `yaml:"dreaming"`

	// Per-drive cadence overrides, drive id -> cadence string
	Drives map[string]string `yaml:"drives"`

	// Full-text retrieval
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// HTTP surface
	HTTP HTTPConfig `yaml:"http"`

	// Consent rules file for the retrieval gate
	ConsentRules string `yaml:"consent_rules"`

	// Optional embedding layer
	Embeddings EmbeddingsConfig `yaml:"embeddings"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Start without the FTS index when FTS5 is missing instead of aborting
	AllowDegradedFTS bool `yaml:"allow_degraded_fts"`
}

// QuietHoursConfig is an HH:MM span during which proactive nudges are
// suppressed. The span may cross midnight.
type QuietHoursConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// DreamingConfig places the reflection windows.
type DreamingConfig struct {
	// NightlyWindow is "HH:MM-HH:MM" local time for the daily journal.
	NightlyWindow string       `yaml:"nightly_window"`
	Weekly        WeeklyConfig `yaml:"weekly"`
}

// WeeklyConfig places the weekly alignment audit.
type WeeklyConfig struct {
	Weekday string `yaml:"weekday"` // Mon..Sun
	Time    string `yaml:"time"`    // HH:MM local
}

// RetrievalConfig configures the FTS index.
type RetrievalConfig struct {
	FTSTokenizer     string `yaml:"fts_tokenizer"`
	FTSTokenizerArgs string `yaml:"fts_tokenizer_args"`
}

// TokenizerSpec joins the tokenizer name with its optional args, e.g.
// "unicode61 remove_diacritics 2 tokenchars .-@_".
func (r RetrievalConfig) TokenizerSpec() string {
	tok := strings.TrimSpace(r.FTSTokenizer)
	if tok == "" {
		tok = "porter"
	}
	if args := strings.TrimSpace(r.FTSTokenizerArgs); args != "" {
		return tok + " " + args
	}
	return tok
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// EmbeddingsConfig configures the optional vector layer.
type EmbeddingsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Dim      int    `yaml:"dim"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timezone:            "Australia/Brisbane",
		LoopIntervalSeconds: 15,
		DataDir:             "data",
		ExportsDir:          "exports",

		QuietHours: QuietHoursConfig{
			Start: "21:30",
			End:   "07:00",
		},

		Dreaming: DreamingConfig{
			NightlyWindow: "21:00-23:00",
			Weekly: WeeklyConfig{
				Weekday: "Sun",
				Time:    "21:30",
			},
		},

		Drives: map[string]string{},

		Retrieval: RetrievalConfig{
			FTSTokenizer: "porter",
		},

		HTTP: HTTPConfig{
			Addr: ":8700",
		},

		Embeddings: EmbeddingsConfig{
			Provider: "local-hash",
			Model:    "deterministic-sha256",
			Dim:      384,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment variables are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("BARTH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if os.Getenv("BARTHO_EMBED_ENABLED") == "1" {
		c.Embeddings.Enabled = true
	}
	// DRIVE_<ID> cadence overrides are resolved per drive by the
	// scheduler, not here, so new drives need no config plumbing.
}

// DBPath resolves the SQLite database path: BARTH_DB_PATH wins, else
// <data_dir>/barth.db.
func (c *Config) DBPath() string {
	if p := os.Getenv("BARTH_DB_PATH"); p != "" {
		return p
	}
	return filepath.Join(c.DataDir, "barth.db")
}

// LogsDir returns the directory for category log files.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// LoopInterval returns the heartbeat interval as a duration.
func (c *Config) LoopInterval() time.Duration {
	if c.LoopIntervalSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.LoopIntervalSeconds) * time.Second
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NightlyWindow splits dreaming.nightly_window into start/end HH:MM.
func (c *Config) NightlyWindow() (start, end string, err error) {
	parts := strings.SplitN(c.Dreaming.NightlyWindow, "-", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid nightly_window %q", c.Dreaming.NightlyWindow)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

// WeeklyWeekday maps dreaming.weekly.weekday onto time.Weekday,
// defaulting to Sunday for unknown names.
func (c *Config) WeeklyWeekday() time.Weekday {
	switch strings.ToLower(strings.TrimSpace(c.Dreaming.Weekly.Weekday)) {
	case "mon", "monday":
		return time.Monday
	case "tue", "tuesday":
		return time.Tuesday
	case "wed", "wednesday":
		return time.Wednesday
	case "thu", "thursday":
		return time.Thursday
	case "fri", "friday":
		return time.Friday
	case "sat", "saturday":
		return time.Saturday
	default:
		return time.Sunday
	}
}

// Validate checks the fields other components depend on.
func (c *Config) Validate() error {
	if c.LoopIntervalSeconds < 0 {
		return fmt.Errorf("loop_interval_seconds must be >= 0, got %d", c.LoopIntervalSeconds)
	}
	if _, err := parseClock(c.QuietHours.Start); err != nil {
		return fmt.Errorf("quiet_hours.start: %w", err)
	}
	if _, err := parseClock(c.QuietHours.End); err != nil {
		return fmt.Errorf("quiet_hours.end: %w", err)
	}
	start, end, err := c.NightlyWindow()
	if err != nil {
		return err
	}
	if _, err := parseClock(start); err != nil {
		return fmt.Errorf("dreaming.nightly_window start: %w", err)
	}
	if _, err := parseClock(end); err != nil {
		return fmt.Errorf("dreaming.nightly_window end: %w", err)
	}
	if _, err := parseClock(c.Dreaming.Weekly.Time); err != nil {
		return fmt.Errorf("dreaming.weekly.time: %w", err)
	}
	if c.Embeddings.Dim <= 0 {
		return fmt.Errorf("embeddings.dim must be positive, got %d", c.Embeddings.Dim)
	}
	return nil
}

// Clock is a minutes-since-midnight wall time.
type Clock int

// parseClock parses "HH:MM".
func parseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid HH:MM time %q", s)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

// MustClock parses "HH:MM", panicking on malformed input. Callers
// validate config first.
func MustClock(s string) Clock {
	c, err := parseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ClockOf projects a time instant onto minutes since midnight.
func ClockOf(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}
