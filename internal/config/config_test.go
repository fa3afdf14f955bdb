package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkcal/internal/ics"
	"inkcal/internal/model"
)

func TestLoadFirstRunWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, defaultTimezone, cfg.Timezone)
	assert.Equal(t, defaultDaysShown, cfg.DaysShown)
	assert.Equal(t, model.DefaultMaxEntries, cfg.MaxEntries)
	assert.Equal(t, defaultMaxLogAge, cfg.Log.MaxAgeDays)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Listen, again.Listen)
	assert.Equal(t, cfg.RefreshCron, again.RefreshCron)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
timezone: America/New_York
days_shown: 5
buffer_size: 4096
min_parse_size: 100000
log:
  level: warn
  max_age_days: 30
calendars:
  - name: Home
    url: https://example.com/home.ics
    colour: Green
    rules:
      - match: contains
        text: cancelled
        action: discard
      - match: summary_equals
        text: Bin day
        action: set_colour
        arg: yellow
      - match: contains
        text: gym
        action: set_tiebreak
        arg: " 3 "
  - id: work
    url: https://example.com/work.ics
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "America/New_York", cfg.Timezone)
	assert.Equal(t, 5, cfg.DaysShown)
	assert.Equal(t, 4096, cfg.MinParseSize)
	assert.Equal(t, defaultListen, cfg.Listen)
	assert.Equal(t, LogConfig{Level: "warn", MaxSizeMB: defaultMaxLogSizeMB, MaxBackups: defaultMaxBackups, MaxAgeDays: 30}, cfg.Log)

	require.Len(t, cfg.Calendars, 2)
	home, work := cfg.Calendars[0], cfg.Calendars[1]
	assert.Equal(t, "cal1", home.ID)
	assert.Equal(t, model.ColourGreen, home.DefaultColour())
	assert.Equal(t, "work", work.ID)
	assert.Equal(t, model.ColourBlack, work.DefaultColour())

	rules, err := home.ProcessingRules()
	require.NoError(t, err)
	assert.Equal(t, []ics.Rule{
		{Match: ics.MatchContains, Text: "cancelled", Action: ics.ActionDiscard},
		{Match: ics.MatchSummaryEqualsStripped, Text: "Bin day", Action: ics.ActionSetColour, Arg: int(model.ColourYellow)},
		{Match: ics.MatchContains, Text: "gym", Action: ics.ActionSetSortTieBreak, Arg: 3},
	}, rules)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("calendars: [\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Calendars = []CalendarConfig{
		{ID: "a", URL: "https://example.com/a.ics"},
		{ID: "a", URL: ""},
		{ID: "b", URL: "https://example.com/b.ics", Colour: "magenta"},
		{ID: "c", URL: "https://example.com/c.ics", Rules: []RuleConfig{{Match: "regex", Action: "discard"}}},
		{ID: "d", URL: "https://example.com/d.ics", Rules: []RuleConfig{{Match: "contains", Action: "set_tiebreak", Arg: "high"}}},
	}
	cfg.Normalize()

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `calendar "a": duplicate id`)
	assert.Contains(t, msg, `calendar "a": url is empty`)
	assert.Contains(t, msg, `unknown colour "magenta"`)
	assert.Contains(t, msg, `unknown rule match "regex"`)
	assert.Contains(t, msg, `tie-break "high" is not an integer`)

	assert.NoError(t, DefaultConfig().Validate())
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(map[string]string{
		"INKCAL_LISTEN":    ":9000",
		"INKCAL_TIMEZONE":  "UTC",
		"INKCAL_LOG_LEVEL": "debug",
		"LISTEN":           ":1",
	})
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, defaultDBPath, cfg.DBPath)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "pw"}
	cfg.Calendars = []CalendarConfig{{ID: "home", URL: "https://example.com/home.ics", Colour: "red"}}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, loaded.BasicAuth)
	assert.Equal(t, "admin", loaded.BasicAuth.Username)
	assert.Equal(t, cfg.Calendars, loaded.Calendars)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
