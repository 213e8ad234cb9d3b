// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MKuranowski/go-extra-lib/clock"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/MKuranowski/busbays/internal/config"
	"github.com/MKuranowski/busbays/internal/feed"
	"github.com/MKuranowski/busbays/internal/logging"
	"github.com/MKuranowski/busbays/internal/metrics"
	"github.com/MKuranowski/busbays/internal/notify"
	"github.com/MKuranowski/busbays/internal/scrape"
	"github.com/MKuranowski/busbays/internal/store"
	"github.com/MKuranowski/busbays/internal/tracker"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Track bays until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := setup()
			if err != nil {
				return err
			}
			banner(cfg)

			db, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			t, err := newTracker(cfg, db)
			if err != nil {
				return err
			}

			root := suture.New("busbays", suture.Spec{
				EventHook:      (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook(),
				FailureBackoff: 15 * time.Second,
				Timeout:        10 * time.Second,
			})
			root.Add(t)
			if cfg.MetricsAddr != "" {
				root.Add(&metrics.Server{Addr: cfg.MetricsAddr})
			}

			err = root.Serve(ctx)
			if errors.Is(err, context.Canceled) {
				logging.Info().Msg("Shutting down")
				return nil
			}
			return err
		},
	}
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run a single poll cycle, regardless of the time of day",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := setup()
			if err != nil {
				return err
			}
			banner(cfg)

			db, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			t, err := newTracker(cfg, db)
			if err != nil {
				return err
			}

			result, err := t.Poll(ctx)
			if err != nil {
				return err
			}
			for _, tr := range result.Transitions {
				fmt.Println(notify.Message(tr))
			}
			fmt.Printf("%d buses, %d transitions, %d notifications\n",
				result.Records, len(result.Transitions), result.Notifications)
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Move every bus out of its bay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := setup()
			if err != nil {
				return err
			}

			db, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			t, err := newTracker(cfg, db)
			if err != nil {
				return err
			}
			return t.Reset(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the bus table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}

			db, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			db.Close()
			fmt.Println(color.New(color.FgGreen).Sprint("OK"))
			return nil
		},
	}
}

func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return cfg, nil
}

func banner(cfg *config.Config) {
	if cfg.Debug {
		color.New(color.FgRed, color.Bold).Println("DEBUG MODE: notifications are logged, not sent")
	} else {
		color.New(color.FgGreen, color.Bold).Println("PRODUCTION MODE")
	}
}

// connect opens the database and makes sure the schema exists.
func connect(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	db, err := store.Connect(ctx, store.Options{
		URL:      cfg.Database.URL,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newTracker(cfg *config.Config, db *store.Store) (*tracker.Tracker, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	var transport notify.Transport = notify.LogTransport{}
	if !cfg.Debug {
		transport = notify.NewOneSignalClient(notify.OneSignalOptions{
			URL:            cfg.OneSignal.URL,
			AppID:          cfg.OneSignal.AppID,
			APIKey:         cfg.OneSignal.APIKey,
			DefaultChannel: cfg.OneSignal.GenericChannel,
			Timeout:        cfg.OneSignal.Timeout,
		})
	}

	t := &tracker.Tracker{
		Fetcher: scrape.NewFetcher(cfg.Upstream.URL, cfg.Upstream.Timeout),
		Store:   db,
		Notifier: &notify.Notifier{
			Transport:    transport,
			Subscribers:  db,
			Channel:      cfg.OneSignal.BusChannel,
			TTL:          cfg.OneSignal.TTL,
			OptOutFilter: cfg.OneSignal.OptOutFilter,
		},
		Clock:    clock.System,
		Location: loc,
		Interval: cfg.Schedule.Interval,
		FromHour: cfg.Schedule.FromHour,
		ToHour:   cfg.Schedule.ToHour,
		Debug:    cfg.Debug,
	}
	if cfg.Feed.Target != "" {
		t.Feed = &feed.Writer{Target: cfg.Feed.Target, HumanReadable: cfg.Feed.HumanReadable}
	}
	return t, nil
}
