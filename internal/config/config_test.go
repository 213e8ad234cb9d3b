// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv(PathEnvVar, "")
	t.Setenv("ONESIGNAL_API_KEY", "key")
	t.Setenv("ONESIGNAL_APP_ID", "app")
	t.Setenv("ONESIGNAL_GENERIC_CHANNEL", "generic")
	t.Setenv("ONESIGNAL_BUS_CHANNEL", "bus")
	t.Setenv("BASE_URL", "https://example.com/bus/busdepartures.aspx")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/postgres")
	t.Setenv("DATABASE_PWD", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "key", cfg.OneSignal.APIKey)
	assert.Equal(t, "bus", cfg.OneSignal.BusChannel)
	assert.Equal(t, "https://api.onesignal.com/notifications", cfg.OneSignal.URL)
	assert.Equal(t, 10*time.Minute, cfg.OneSignal.TTL)
	assert.True(t, cfg.OneSignal.OptOutFilter)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "secret", cfg.Database.Password)
	assert.Equal(t, 10*time.Second, cfg.Schedule.Interval)
	assert.Equal(t, 15, cfg.Schedule.FromHour)
	assert.Equal(t, 16, cfg.Schedule.ToHour)
	assert.False(t, cfg.Debug)
	assert.Empty(t, cfg.Feed.Target)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/London", loc.String())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DEBUG", "true")
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("ACTIVE_FROM_HOUR", "14")
	t.Setenv("ACTIVE_TO_HOUR", "17")
	t.Setenv("BUS_OPTOUT_FILTER", "false")
	t.Setenv("FEED_TARGET", "/tmp/bays.pb")
	t.Setenv("METRICS_ADDR", "localhost:9090")
	t.Setenv("UNRELATED_VARIABLE", "ignored")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 30*time.Second, cfg.Schedule.Interval)
	assert.Equal(t, 14, cfg.Schedule.FromHour)
	assert.Equal(t, 17, cfg.Schedule.ToHour)
	assert.False(t, cfg.OneSignal.OptOutFilter)
	assert.Equal(t, "/tmp/bays.pb", cfg.Feed.Target)
	assert.Equal(t, "localhost:9090", cfg.MetricsAddr)
}

func TestLoadMissingRequired(t *testing.T) {
	setRequired(t)
	os.Unsetenv("ONESIGNAL_APP_ID")
	os.Unsetenv("BASE_URL")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ONESIGNAL_APP_ID is not set")
	assert.Contains(t, err.Error(), "BASE_URL is not set")
}

func TestLoadRejectsInvertedWindow(t *testing.T) {
	setRequired(t)
	t.Setenv("ACTIVE_FROM_HOUR", "17")
	t.Setenv("ACTIVE_TO_HOUR", "15")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ACTIVE_TO_HOUR")
}

func TestLoadPollInterval(t *testing.T) {
	setRequired(t)
	t.Setenv("POLL_INTERVAL", "90s")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Schedule.Interval)

	t.Setenv("POLL_INTERVAL", "2h")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLL_INTERVAL")
}

func TestLoadFile(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schedule:\n  interval: 5s\n  timezone: UTC\nfeed:\n  target: bays.pb\n"), 0o644))
	t.Setenv(PathEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Schedule.Interval)
	assert.Equal(t, "UTC", cfg.Schedule.Timezone)
	assert.Equal(t, "bays.pb", cfg.Feed.Target)
}
