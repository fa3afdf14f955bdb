package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"inkcal/internal/ics"
	"inkcal/internal/model"
)

// RuleConfig is one processing rule of a calendar as written in YAML:
//
//	- match: contains
//	  text: "cancelled"
//	  action: discard
//	- match: summary_equals
//	  text: "Bin day"
//	  action: set_colour
//	  arg: green
type RuleConfig struct {
	Match  string `yaml:"match" json:"match"`
	Text   string `yaml:"text" json:"text"`
	Action string `yaml:"action" json:"action"`
	// Arg is a colour name for set_colour and an integer for set_tiebreak.
	Arg string `yaml:"arg,omitempty" json:"arg,omitempty"`
}

// CalendarConfig describes a single ICS subscription source.
type CalendarConfig struct {
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// Colour is the default background colour of the calendar's entries.
	Colour string       `yaml:"colour" json:"colour"`
	Rules  []RuleConfig `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
	// File, if set, receives a rotated copy of the log.
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty" json:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty" json:"max_age_days,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone the display window and floating times use.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// DaysShown is the number of days in the display window, today included.
	DaysShown int `yaml:"days_shown" json:"days_shown"`

	// MaxEntries caps the entries kept per refresh.
	MaxEntries int `yaml:"max_entries" json:"max_entries"`

	// BufferSize is the ingest buffer capacity in bytes.
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`

	// MinParseSize is how much decoded feed text is gathered before parsing.
	MinParseSize int `yaml:"min_parse_size" json:"min_parse_size"`

	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
	DBPath   string `yaml:"db_path" json:"db_path"`

	Log LogConfig `yaml:"log" json:"log"`

	// Calendars are parsed in order every refresh.
	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen       = "127.0.0.1:8080"
	defaultTimezone     = "Europe/London"
	defaultRefreshCron  = "*/15 * * * *"
	defaultDaysShown    = 3
	defaultCacheDir     = "./var/ics-cache"
	defaultDBPath       = "./var/inkcal.db"
	defaultLogLevel     = "info"
	defaultMaxLogSizeMB = 10
	defaultMaxBackups   = 3
	defaultMaxLogAge    = 14
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       defaultListen,
		Timezone:     defaultTimezone,
		RefreshCron:  defaultRefreshCron,
		DaysShown:    defaultDaysShown,
		MaxEntries:   model.DefaultMaxEntries,
		BufferSize:   ics.DefaultBufferSize,
		MinParseSize: ics.DefaultMinParseSize,
		CacheDir:     defaultCacheDir,
		DBPath:       defaultDBPath,
		Log: LogConfig{
			Level:      defaultLogLevel,
			MaxSizeMB:  defaultMaxLogSizeMB,
			MaxBackups: defaultMaxBackups,
			MaxAgeDays: defaultMaxLogAge,
		},
		Calendars: []CalendarConfig{},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.DaysShown <= 0 {
		c.DaysShown = defaultDaysShown
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = model.DefaultMaxEntries
	}
	if c.BufferSize <= 0 {
		c.BufferSize = ics.DefaultBufferSize
	}
	if c.MinParseSize <= 0 {
		c.MinParseSize = ics.DefaultMinParseSize
	}
	if c.MinParseSize > c.BufferSize {
		c.MinParseSize = c.BufferSize
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.DBPath == "" {
		c.DBPath = defaultDBPath
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = defaultMaxLogSizeMB
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = defaultMaxBackups
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = defaultMaxLogAge
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		if c.Calendars[i].ID == "" {
			c.Calendars[i].ID = fmt.Sprintf("cal%d", i+1)
		}
		if c.Calendars[i].Colour == "" {
			c.Calendars[i].Colour = model.ColourBlack.String()
		}
	}
}

// Validate reports configuration errors that Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Calendars))
	for _, cal := range c.Calendars {
		if seen[cal.ID] {
			errs = append(errs, fmt.Errorf("calendar %q: duplicate id", cal.ID))
		}
		seen[cal.ID] = true
		if cal.URL == "" {
			errs = append(errs, fmt.Errorf("calendar %q: url is empty", cal.ID))
		}
		if _, err := model.ParseColour(cal.Colour); err != nil {
			errs = append(errs, fmt.Errorf("calendar %q: %w", cal.ID, err))
		}
		if _, err := cal.ProcessingRules(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultColour is the calendar's parsed default colour; unknown names fall
// back to black.
func (c CalendarConfig) DefaultColour() model.Colour {
	col, err := model.ParseColour(c.Colour)
	if err != nil {
		return model.ColourBlack
	}
	return col
}

// ProcessingRules converts the YAML rules to their parsed form.
func (c CalendarConfig) ProcessingRules() ([]ics.Rule, error) {
	rules := make([]ics.Rule, 0, len(c.Rules))
	for i, rc := range c.Rules {
		match, err := ics.ParseMatchKind(rc.Match)
		if err != nil {
			return nil, fmt.Errorf("calendar %q rule %d: %w", c.ID, i+1, err)
		}
		action, err := ics.ParseAction(rc.Action)
		if err != nil {
			return nil, fmt.Errorf("calendar %q rule %d: %w", c.ID, i+1, err)
		}
		r := ics.Rule{Match: match, Text: rc.Text, Action: action}
		switch action {
		case ics.ActionSetColour:
			col, err := model.ParseColour(rc.Arg)
			if err != nil {
				return nil, fmt.Errorf("calendar %q rule %d: %w", c.ID, i+1, err)
			}
			r.Arg = int(col)
		case ics.ActionSetSortTieBreak:
			n, err := strconv.Atoi(strings.TrimSpace(rc.Arg))
			if err != nil {
				return nil, fmt.Errorf("calendar %q rule %d: tie-break %q is not an integer", c.ID, i+1, rc.Arg)
			}
			r.Arg = n
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// envOverrides are read from INKCAL_* variables after the YAML file.
type envOverrides struct {
	Listen   string `env:"LISTEN"`
	Timezone string `env:"TIMEZONE"`
	LogLevel string `env:"LOG_LEVEL"`
	DBPath   string `env:"DB_PATH"`
}

// ApplyEnv overrides fields from INKCAL_* environment variables. A nil
// environ reads the process environment.
func (c *Config) ApplyEnv(environ map[string]string) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: "INKCAL_", Environment: environ}); err != nil {
		return err
	}
	if o.Listen != "" {
		c.Listen = o.Listen
	}
	if o.Timezone != "" {
		c.Timezone = o.Timezone
	}
	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
	if o.DBPath != "" {
		c.DBPath = o.DBPath
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// Environment overrides are applied in both cases and never saved.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, cfg.ApplyEnv(nil)
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".inkcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
