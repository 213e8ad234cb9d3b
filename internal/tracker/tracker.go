// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

// Package tracker runs the bay tracking loop: every tick it either resets all bays
// (at midnight), polls the departures page (during the active hours), or does nothing.
//
// A poll cycle fetches the page, extracts the bays, persists them, and only then
// notifies about the transitions. Notifications never describe unsaved state.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MKuranowski/go-extra-lib/clock"
	"golang.org/x/exp/maps"

	"github.com/MKuranowski/busbays/internal/bay"
	"github.com/MKuranowski/busbays/internal/logging"
	"github.com/MKuranowski/busbays/internal/metrics"
	"github.com/MKuranowski/busbays/internal/scrape"
)

// DefaultInterval is the time between two ticks.
const DefaultInterval = 10 * time.Second

type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

type Store interface {
	LoadAll(ctx context.Context) (bay.Board, error)
	UpsertAll(ctx context.Context, board bay.Board) error
	ResetAll(ctx context.Context) (int64, error)
}

type Notifier interface {
	NotifyAll(ctx context.Context, transitions []bay.Transition) int
}

type FeedWriter interface {
	Write(board bay.Board, updateTime time.Time) error
}

// Clock tells the current time. clock.System satisfies it.
type Clock interface {
	Now() time.Time
}

// PersistenceError is returned when the state store fails. It aborts the cycle,
// including any notifications about the unsaved state.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Action is what a single tick decided to do.
type Action int

const (
	ActionIdle Action = iota
	ActionPoll
	ActionReset
	ActionResetDone // 00:00, but the reset already happened today
)

func (a Action) String() string {
	switch a {
	case ActionIdle:
		return "idle"
	case ActionPoll:
		return "poll"
	case ActionReset:
		return "reset"
	case ActionResetDone:
		return "reset-done"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Result summarizes a single poll cycle.
type Result struct {
	Records       int
	Skipped       int
	Transitions   []bay.Transition
	Notifications int
	Duration      time.Duration
}

// Tracker is the long-running bay tracking service. It implements suture.Service.
//
// Only one cycle is ever in flight; the diff assumes a single snapshot of the stored state.
type Tracker struct {
	Fetcher  Fetcher
	Store    Store
	Notifier Notifier

	// Feed, if not nil, receives the full board after every change.
	Feed FeedWriter

	// Clock defaults to clock.System, Location to time.Local.
	Clock    Clock
	Location *time.Location

	// Interval between ticks; defaults to DefaultInterval.
	Interval time.Duration

	// FromHour and ToHour are the inclusive range of hours when polling is active.
	FromHour int
	ToHour   int

	// Debug polls regardless of the time of day.
	Debug bool

	// Sleep waits for the given duration, unless the context is done first.
	// Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error

	phase     Phase
	lastReset string
}

func (t *Tracker) String() string { return "bay-tracker" }

// Phase returns what the tracker is doing right now.
func (t *Tracker) Phase() Phase { return t.phase }

// Serve ticks forever, until ctx is cancelled.
func (t *Tracker) Serve(ctx context.Context) error {
	t.lazyInit()
	logging.Info().
		Int("from_hour", t.FromHour).
		Int("to_hour", t.ToHour).
		Str("timezone", t.Location.String()).
		Dur("interval", t.Interval).
		Bool("debug", t.Debug).
		Msg("Bay tracker started")

	for {
		t.Tick(ctx)
		if err := t.Sleep(ctx, t.Interval); err != nil {
			return err
		}
	}
}

// Tick decides, based on the wall clock, what to do now, and does it.
// Errors are logged; a failed tick never stops the tracker.
func (t *Tracker) Tick(ctx context.Context) Action {
	t.lazyInit()
	now := t.Clock.Now().In(t.Location)
	today := now.Format(time.DateOnly)

	switch {
	case now.Hour() == 0 && t.lastReset != today:
		// The first tick of hour 0 resets, even if the 00:00 minute itself fell between ticks
		if err := t.Reset(ctx); err != nil {
			logging.Error().Err(err).Msg("Midnight reset failed")
		} else {
			t.lastReset = today
		}
		return ActionReset

	case now.Hour() == 0 && now.Minute() == 0:
		return ActionResetDone

	case t.Debug || t.active(now):
		result, err := t.Poll(ctx)
		if err != nil {
			logCycleError(err)
		} else {
			logging.Info().
				Int("records", result.Records).
				Int("skipped", result.Skipped).
				Int("transitions", len(result.Transitions)).
				Int("notifications", result.Notifications).
				Dur("took", result.Duration).
				Msg("Poll cycle done")
		}
		return ActionPoll

	default:
		return ActionIdle
	}
}

func (t *Tracker) active(now time.Time) bool {
	h := now.Hour()
	return h >= t.FromHour && h <= t.ToHour
}

// Poll runs a single Fetch → Extract → Diff → Notify cycle.
//
// On a fetch or extraction failure nothing is written. On a persistence failure
// no notifications are sent.
func (t *Tracker) Poll(ctx context.Context) (result Result, err error) {
	t.lazyInit()
	start := t.Clock.Now()
	defer t.enter(PhaseIdle)

	// Fetch the departures page
	t.enter(PhaseFetching)
	markup, err := t.Fetcher.Fetch(ctx)
	metrics.FetchDuration.Observe(t.Clock.Now().Sub(start).Seconds())
	if err != nil {
		metrics.Cycles.WithLabelValues("fetch_error").Inc()
		return result, err
	}

	// Extract bays
	t.enter(PhaseExtracting)
	current, stats, err := scrape.Extract(markup)
	if err != nil {
		metrics.Cycles.WithLabelValues("extract_error").Inc()
		return result, err
	}
	result.Records = len(current)
	result.Skipped = stats.Skipped
	metrics.RecordsExtracted.Set(float64(len(current)))
	metrics.RowsSkipped.Add(float64(stats.Skipped))

	// Compare against the stored state and persist the new one
	t.enter(PhaseDiffing)
	old, err := t.Store.LoadAll(ctx)
	if err != nil {
		metrics.Cycles.WithLabelValues("persistence_error").Inc()
		return result, &PersistenceError{Op: "load bays", Err: err}
	}

	result.Transitions = bay.Diff(old, current)

	if err = t.Store.UpsertAll(ctx, current); err != nil {
		metrics.Cycles.WithLabelValues("persistence_error").Inc()
		return result, &PersistenceError{Op: "save bays", Err: err}
	}

	// Notify about the transitions
	t.enter(PhaseNotifying)
	for _, tr := range result.Transitions {
		kind := "move"
		if tr.Arrival() {
			kind = "arrival"
		}
		metrics.Transitions.WithLabelValues(kind).Inc()
		logging.Info().Str("bus", tr.BusID).Str("from", tr.PreviousBay).Str("to", tr.NewBay).Msg("Bus changed bay")
	}
	result.Notifications = t.Notifier.NotifyAll(ctx, result.Transitions)

	// Publish the new board
	if t.Feed != nil {
		board := make(bay.Board, len(old)+len(current))
		maps.Copy(board, old)
		maps.Copy(board, current)
		t.writeFeed(board)
	}

	metrics.Cycles.WithLabelValues("ok").Inc()
	result.Duration = t.Clock.Now().Sub(start)
	return result, nil
}

// Reset moves all buses out of their bays.
func (t *Tracker) Reset(ctx context.Context) error {
	t.lazyInit()
	t.enter(PhaseResetting)
	defer t.enter(PhaseIdle)

	n, err := t.Store.ResetAll(ctx)
	if err != nil {
		return &PersistenceError{Op: "reset bays", Err: err}
	}
	metrics.Resets.Inc()
	logging.Info().Int64("buses", n).Msg("All bays reset")

	if t.Feed != nil {
		t.writeFeed(bay.Board{})
	}
	return nil
}

func (t *Tracker) writeFeed(board bay.Board) {
	if err := t.Feed.Write(board, t.Clock.Now()); err != nil {
		logging.Error().Err(err).Msg("Failed to write GTFS-RT feed")
	}
}

func (t *Tracker) enter(p Phase) {
	if t.phase != p {
		logging.Debug().Stringer("from", t.phase).Stringer("to", p).Msg("Tracker phase")
	}
	t.phase = p
}

func (t *Tracker) lazyInit() {
	if t.Clock == nil {
		t.Clock = clock.System
	}
	if t.Location == nil {
		t.Location = time.Local
	}
	if t.Interval <= 0 {
		t.Interval = DefaultInterval
	}
	if t.Sleep == nil {
		t.Sleep = sleep
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func logCycleError(err error) {
	var transportErr *scrape.TransportError
	var persistenceErr *PersistenceError

	switch {
	case errors.As(err, &transportErr):
		logging.Warn().Err(err).Int("status", transportErr.StatusCode).Msg("Failed to load departures page")
	case errors.As(err, &persistenceErr):
		logging.Error().Err(err).Str("op", persistenceErr.Op).Msg("Bay store failure, cycle aborted")
	default:
		logging.Error().Err(err).Msg("Poll cycle failed")
	}
}
