// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

package bay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidBusID(t *testing.T) {
	for _, id := range []string{"762", "150B", "1234", "999AB"} {
		assert.True(t, ValidBusID(id), id)
	}
	for _, id := range []string{"", "76", "12345", "bad!", "762b", " 762", "B762"} {
		assert.False(t, ValidBusID(id), id)
	}
}

func TestNormalizeBay(t *testing.T) {
	cases := map[string]string{
		"B12":  "B12",
		"7":    "7",
		"A1":   "A1",
		"":     NotInBay,
		" ":    NotInBay,
		"B123": NotInBay,
		"AB1":  NotInBay,
		"b12":  NotInBay,
		"TBC":  NotInBay,
	}
	for in, expected := range cases {
		assert.Equal(t, expected, NormalizeBay(in), "NormalizeBay(%q)", in)
	}
}

func TestDiffSelfIsEmpty(t *testing.T) {
	boards := []Board{
		{},
		{"762": "B12"},
		{"762": "B12", "150B": NotInBay, "119": "7"},
	}
	for _, b := range boards {
		assert.Empty(t, Diff(b, b))
	}
}

func TestDiffNewSightingIsArrival(t *testing.T) {
	got := Diff(Board{}, Board{"762": "B12"})
	assert.Equal(t, []Transition{{BusID: "762", PreviousBay: NotInBay, NewBay: "B12"}}, got)
	assert.True(t, got[0].Arrival())
}

func TestDiffLeavingIsSuppressed(t *testing.T) {
	assert.Empty(t, Diff(Board{"762": "B12"}, Board{"762": NotInBay}))
}

func TestDiffMove(t *testing.T) {
	got := Diff(Board{"762": "B12"}, Board{"762": "B14"})
	assert.Equal(t, []Transition{{BusID: "762", PreviousBay: "B12", NewBay: "B14"}}, got)
	assert.False(t, got[0].Arrival())
}

func TestDiffIgnoresMissingBuses(t *testing.T) {
	old := Board{"762": "B12", "150B": "A3"}
	current := Board{"762": "B12", "119": "C1"}
	assert.Equal(t, []Transition{{BusID: "119", PreviousBay: NotInBay, NewBay: "C1"}}, Diff(old, current))
}

func TestDiffSorted(t *testing.T) {
	got := Diff(Board{}, Board{"800": "A1", "150B": "B2", "762": "C3"})
	ids := make([]string, 0, len(got))
	for _, tr := range got {
		ids = append(ids, tr.BusID)
	}
	assert.Equal(t, []string{"150B", "762", "800"}, ids)
}

func TestBoardRecords(t *testing.T) {
	b := Board{"762": "B12", "150B": NotInBay}
	assert.Equal(t, []Record{{"150B", NotInBay}, {"762", "B12"}}, b.Records())
	assert.Equal(t, NotInBay, b.Get("999"))
}
