package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(env(nil))
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "America/Toronto", cfg.SchedulerTimezone)
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"PORT":                 "3000",
		"DB_PATH":              ":memory:",
		"LOG_LEVEL":            "debug",
		"LOG_FORMAT":           "console",
		"WORKERS":              "8",
		"SCHEDULER_ENABLED":    "false",
		"SCHEDULER_INTERVAL":   "15m",
		"SCHEDULER_TIMEZONE":   "UTC",
		"SCHEDULER_SEND_EMAIL": "true",
		"SCHEDULER_FALLBACK":   "1",
	}))
	require.NoError(t, err)

	assert.Equal(t, Config{
		Port:               3000,
		DBPath:             ":memory:",
		LogLevel:           "debug",
		LogFormat:          "console",
		Workers:            8,
		SchedulerEnabled:   false,
		SchedulerInterval:  15 * time.Minute,
		SchedulerTimezone:  "UTC",
		SchedulerSendEmail: true,
		SchedulerFallback:  true,
	}, cfg)
}

func TestFromEnv_BlankMeansDefault(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{"PORT": "  ", "WORKERS": ""}))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 4, cfg.Workers)
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"port not a number", map[string]string{"PORT": "http"}, "PORT"},
		{"port out of range", map[string]string{"PORT": "70000"}, "PORT"},
		{"zero workers", map[string]string{"WORKERS": "0"}, "WORKERS"},
		{"bad bool", map[string]string{"SCHEDULER_ENABLED": "maybe"}, "SCHEDULER_ENABLED"},
		{"bad duration", map[string]string{"SCHEDULER_INTERVAL": "hourly"}, "SCHEDULER_INTERVAL"},
		{"negative duration", map[string]string{"SCHEDULER_INTERVAL": "-1h"}, "SCHEDULER_INTERVAL"},
		{"unknown zone", map[string]string{"SCHEDULER_TIMEZONE": "Mars/Olympus"}, "SCHEDULER_TIMEZONE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(env(tt.vars))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	// GIVEN: A .env file in the working directory
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("WORKERS=6\nDB_PATH=from-dotenv.db\n"), 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	// AND: DB_PATH already set in the environment
	t.Setenv("DB_PATH", "from-env.db")

	// WHEN: Loading
	cfg, err := Load()
	t.Cleanup(func() { os.Unsetenv("WORKERS") })
	require.NoError(t, err)

	// THEN: .env fills gaps, the environment wins
	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, "from-env.db", cfg.DBPath)
}
