// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

// Package store persists the last known bay of every bus in Postgres
// and answers which users subscribed to a bus.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MKuranowski/busbays/internal/bay"
	"github.com/MKuranowski/busbays/internal/logging"
)

// Options configure the connection pool.
type Options struct {
	URL      string
	User     string
	Password string
	MaxConns int

	// ConnectTimeout bounds the total time spent on establishing the first connection.
	// Zero means 2 minutes.
	ConnectTimeout time.Duration

	// Clock drives the connection backoff; nil means the system clock.
	Clock backoff.Clock
}

// Store is the Postgres-backed bay state store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Connect opens a connection pool and waits, with exponential backoff,
// until the database answers a ping.
//
// The pool re-establishes broken connections on its own; Connect only
// guards against the database not being up yet when the worker starts.
func Connect(ctx context.Context, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.User != "" {
		cfg.ConnConfig.User = opts.User
	}
	if opts.Password != "" {
		cfg.ConnConfig.Password = opts.Password
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(opts.MaxConns)
	}
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	maxElapsed := opts.ConnectTimeout
	if maxElapsed <= 0 {
		maxElapsed = 2 * time.Minute
	}
	clock := opts.Clock
	if clock == nil {
		clock = backoff.SystemClock
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
		MaxElapsedTime:      maxElapsed,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	b.Reset()

	err = backoff.RetryNotify(
		func() error { return pool.Ping(ctx) },
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			logging.Warn().Err(err).Dur("retry_in", d).Msg("Database not reachable, backing off")
		},
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	logging.Info().Msg("Database is online")
	return New(pool), nil
}

// Close releases all pooled connections.
func (s *Store) Close() { s.pool.Close() }

// Migrate creates the bus table if it doesn't exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS bus (
			bus_id TEXT PRIMARY KEY,
			bus_bay TEXT NOT NULL DEFAULT '0'
		)`)
	if err != nil {
		return fmt.Errorf("migrate bus table: %w", err)
	}
	return nil
}

// LoadAll returns the last known bay of every bus ever seen.
func (s *Store) LoadAll(ctx context.Context) (bay.Board, error) {
	rows, err := s.pool.Query(ctx, "SELECT bus_id, bus_bay FROM bus")
	if err != nil {
		return nil, fmt.Errorf("load bays: %w", err)
	}
	defer rows.Close()

	board := make(bay.Board)
	for rows.Next() {
		var busID, busBay string
		if err := rows.Scan(&busID, &busBay); err != nil {
			return nil, fmt.Errorf("load bays: %w", err)
		}
		board[busID] = busBay
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load bays: %w", err)
	}
	return board, nil
}

const upsertSQL = `
	INSERT INTO bus (bus_id, bus_bay)
	VALUES ($1, $2)
	ON CONFLICT (bus_id) DO UPDATE
	SET bus_bay = EXCLUDED.bus_bay`

// Upsert records the bay of a single bus.
func (s *Store) Upsert(ctx context.Context, busID, busBay string) error {
	if err := checkBay(busBay); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, upsertSQL, busID, busBay); err != nil {
		return fmt.Errorf("upsert bus %s: %w", busID, err)
	}
	return nil
}

// UpsertAll records the bays of all buses on the board in a single transaction.
// Either every row is written, or none is.
func (s *Store) UpsertAll(ctx context.Context, board bay.Board) error {
	if len(board) == 0 {
		return nil
	}

	records := board.Records()
	for _, r := range records {
		if err := checkBay(r.Bay); err != nil {
			return err
		}
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, r := range records {
			b.Queue(upsertSQL, r.BusID, r.Bay)
		}

		br := tx.SendBatch(ctx, b)
		for _, r := range records {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("upsert bus %s: %w", r.BusID, err)
			}
		}
		return br.Close()
	})
}

// ResetAll moves every known bus out of its bay. No rows are removed.
func (s *Store) ResetAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "UPDATE bus SET bus_bay = $1", bay.NotInBay)
	if err != nil {
		return 0, fmt.Errorf("reset bays: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SubscribersOf returns the users with an extra subscription to the given bus.
// The extra_bus_subscriptions table is owned by the API.
func (s *Store) SubscribersOf(ctx context.Context, busID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT user_id FROM extra_bus_subscriptions WHERE bus = $1", busID)
	if err != nil {
		return nil, fmt.Errorf("query subscribers of %s: %w", busID, err)
	}
	userIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("query subscribers of %s: %w", busID, err)
	}
	return userIDs, nil
}

func checkBay(b string) error {
	if b != bay.NotInBay && !bay.ValidBay(b) {
		return fmt.Errorf("refusing to store invalid bay %q", b)
	}
	return nil
}
