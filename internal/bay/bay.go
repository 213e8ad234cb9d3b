// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

// Package bay holds the data model of the bay tracker: which bus stands in which bay,
// and how to tell that a bus has arrived or moved.
package bay

import (
	"fmt"
	"regexp"
	"sort"
)

// NotInBay is the sentinel bay value for buses which are not standing in any bay.
const NotInBay = "0"

var (
	busIDPattern = regexp.MustCompile(`^\d{3,4}[A-Z]*$`)
	bayPattern   = regexp.MustCompile(`^[A-Z]?\d{1,2}$`)
)

// ValidBusID returns true if s looks like a bus identifier, e.g. "762" or "150B".
func ValidBusID(s string) bool { return busIDPattern.MatchString(s) }

// ValidBay returns true if s looks like a real bay, e.g. "B12" or "7".
// The NotInBay sentinel is not a real bay.
func ValidBay(s string) bool { return bayPattern.MatchString(s) }

// NormalizeBay returns s if it is a real bay, and NotInBay otherwise.
func NormalizeBay(s string) string {
	if ValidBay(s) {
		return s
	}
	return NotInBay
}

// Record identifies a physical bus and the bay it currently stands in.
type Record struct {
	BusID string
	Bay   string
}

func (r Record) String() string { return fmt.Sprintf("%s@%s", r.BusID, r.Bay) }

// Board maps bus IDs to their bays. Every value is either a valid bay or NotInBay.
type Board map[string]string

// Get returns the bay of a bus, defaulting to NotInBay for unknown buses.
func (b Board) Get(busID string) string {
	if bay, ok := b[busID]; ok {
		return bay
	}
	return NotInBay
}

// Records returns the contents of the board, sorted by bus ID.
func (b Board) Records() []Record {
	records := make([]Record, 0, len(b))
	for busID, bay := range b {
		records = append(records, Record{BusID: busID, Bay: bay})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].BusID < records[j].BusID })
	return records
}

// Transition describes a bus entering a bay or moving between bays.
type Transition struct {
	BusID       string
	PreviousBay string
	NewBay      string
}

// Arrival returns true if the bus was not standing in any bay before.
func (t Transition) Arrival() bool { return t.PreviousBay == NotInBay }

func (t Transition) String() string {
	return fmt.Sprintf("%s: %q -> %q", t.BusID, t.PreviousBay, t.NewBay)
}

// Diff compares the freshly scraped board against the previously known one.
//
// A transition is emitted for every bus in current whose bay differs from the old one,
// except for buses leaving to NotInBay. Buses missing from current are ignored, since absence
// from a single poll does not mean the bus has departed.
//
// The result is sorted by bus ID.
func Diff(old, current Board) []Transition {
	transitions := make([]Transition, 0)
	for busID, newBay := range current {
		oldBay := old.Get(busID)
		if oldBay != newBay && newBay != NotInBay {
			transitions = append(transitions, Transition{BusID: busID, PreviousBay: oldBay, NewBay: newBay})
		}
	}
	sort.Slice(transitions, func(i, j int) bool { return transitions[i].BusID < transitions[j].BusID })
	return transitions
}
