// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

// Package config loads the worker configuration from defaults,
// an optional YAML file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar may point to a YAML configuration file.
const PathEnvVar = "CONFIG_PATH"

// DefaultPaths are searched for a configuration file if PathEnvVar is not set.
var DefaultPaths = []string{"config.yaml", "config.yml"}

type Config struct {
	OneSignal OneSignalConfig `koanf:"onesignal"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Database  DatabaseConfig  `koanf:"database"`
	Schedule  ScheduleConfig  `koanf:"schedule"`
	Feed      FeedConfig      `koanf:"feed"`
	Logging   LoggingConfig   `koanf:"logging"`

	// Debug disables the active-hours window and sends no notifications.
	Debug bool `koanf:"debug"`

	// MetricsAddr is where Prometheus metrics are served; empty disables the server.
	MetricsAddr string `koanf:"metrics_addr" validate:"omitempty,hostname_port"`
}

type OneSignalConfig struct {
	URL            string        `koanf:"url" validate:"required,url"`
	APIKey         string        `koanf:"api_key" validate:"required"`
	AppID          string        `koanf:"app_id" validate:"required"`
	GenericChannel string        `koanf:"generic_channel" validate:"required"`
	BusChannel     string        `koanf:"bus_channel" validate:"required"`
	Timeout        time.Duration `koanf:"timeout" validate:"gt=0"`
	TTL            time.Duration `koanf:"ttl" validate:"gt=0"`

	// OptOutFilter excludes devices tagged bus_optout=true from bus broadcasts.
	OptOutFilter bool `koanf:"optout_filter"`
}

type UpstreamConfig struct {
	URL     string        `koanf:"url" validate:"required,url"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	URL      string `koanf:"url" validate:"required"`
	User     string `koanf:"user" validate:"required"`
	Password string `koanf:"password" validate:"required"`
	MaxConns int    `koanf:"max_conns" validate:"min=1"`
}

type ScheduleConfig struct {
	// Interval is capped well below an hour, so that some tick always lands in hour 0 for the midnight reset.
	Interval time.Duration `koanf:"interval" validate:"gt=0,lte=30m"`

	// FromHour and ToHour are the inclusive range of hours when the departures page is polled.
	FromHour int `koanf:"from_hour" validate:"min=0,max=23"`
	ToHour   int `koanf:"to_hour" validate:"min=0,max=23,gtefield=FromHour"`

	// Timezone is used for the active hours and the midnight reset.
	Timezone string `koanf:"timezone" validate:"required,timezone"`
}

type FeedConfig struct {
	Target        string `koanf:"target"`
	HumanReadable bool   `koanf:"human_readable"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// Location returns the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Schedule.Timezone)
}

func defaultConfig() *Config {
	return &Config{
		OneSignal: OneSignalConfig{
			URL:          "https://api.onesignal.com/notifications",
			Timeout:      10 * time.Second,
			TTL:          10 * time.Minute,
			OptOutFilter: true,
		},
		Upstream: UpstreamConfig{
			Timeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			User:     "postgres",
			MaxConns: 4,
		},
		Schedule: ScheduleConfig{
			Interval: 10 * time.Second,
			FromHour: 15,
			ToHour:   16,
			Timezone: "Europe/London",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// envKeys maps environment variables onto configuration keys.
var envKeys = map[string]string{
	"ONESIGNAL_URL":             "onesignal.url",
	"ONESIGNAL_API_KEY":         "onesignal.api_key",
	"ONESIGNAL_APP_ID":          "onesignal.app_id",
	"ONESIGNAL_GENERIC_CHANNEL": "onesignal.generic_channel",
	"ONESIGNAL_BUS_CHANNEL":     "onesignal.bus_channel",
	"NOTIFY_TIMEOUT":            "onesignal.timeout",
	"NOTIFY_TTL":                "onesignal.ttl",
	"BUS_OPTOUT_FILTER":         "onesignal.optout_filter",

	"BASE_URL":      "upstream.url",
	"FETCH_TIMEOUT": "upstream.timeout",

	"DATABASE_URL":       "database.url",
	"DATABASE_USER":      "database.user",
	"DATABASE_PWD":       "database.password",
	"DATABASE_MAX_CONNS": "database.max_conns",

	"POLL_INTERVAL":    "schedule.interval",
	"ACTIVE_FROM_HOUR": "schedule.from_hour",
	"ACTIVE_TO_HOUR":   "schedule.to_hour",
	"TIMEZONE":         "schedule.timezone",

	"FEED_TARGET":         "feed.target",
	"FEED_HUMAN_READABLE": "feed.human_readable",

	"LOG_LEVEL":  "logging.level",
	"LOG_FORMAT": "logging.format",

	"DEBUG":        "debug",
	"METRICS_ADDR": "metrics_addr",
}

// envTransform returns the configuration key of a recognized environment variable,
// or an empty string, which makes koanf skip it.
func envTransform(key string) string {
	return envKeys[strings.ToUpper(key)]
}

// Load builds the configuration and validates it.
// A missing required setting is reported as an error.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findFile() string {
	if path := os.Getenv(PathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that all required settings are present and sane.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, describe(fe))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

// describe names the environment variable behind a failed field, if there is one.
func describe(fe validator.FieldError) string {
	key := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config."))
	name := key
	for envName, cfgKey := range envKeys {
		if strings.ReplaceAll(cfgKey, "_", "") == strings.ReplaceAll(key, "_", "") {
			name = envName
			break
		}
	}

	if fe.Tag() == "required" {
		return fmt.Sprintf("%s is not set", name)
	}
	return fmt.Sprintf("%s: failed %q check (got %v)", name, fe.Tag(), fe.Value())
}
