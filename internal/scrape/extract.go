// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

package scrape

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/MKuranowski/busbays/internal/bay"
)

// Cell positions within a departures table row.
//
// Example row:
//
//	<tr>
//	  <td>762</td>  <- bus ID, 3-4 digits optionally followed by letters
//	  <td>...</td>  <- destination, ignored
//	  <td>B12</td>  <- bay, an optional letter and 1-2 digits; blank if not in a bay
//	</tr>
//
// Older versions of the page had the bay in the second cell.
const (
	BusIDColumn = 0
	BayColumn   = 2
)

// Stats describes how many table rows were turned into records.
type Stats struct {
	Rows    int // rows with enough cells
	Skipped int // rows with an invalid bus ID
	NoBay   int // accepted rows whose bay was blank or unrecognized
}

// Extract parses the departures page into a board of bus bays.
//
// Rows with too few cells or with an invalid bus ID are skipped.
// Unrecognized bays are normalized to bay.NotInBay; the bus was still seen.
// When a bus appears more than once, the last row wins.
func Extract(markup []byte) (bay.Board, Stats, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return nil, Stats{}, fmt.Errorf("parse departures page: %w", err)
	}
	board, stats := ExtractDocument(doc.Selection)
	return board, stats, nil
}

// ExtractDocument extracts bus bays from an already-parsed document.
func ExtractDocument(document *goquery.Selection) (bay.Board, Stats) {
	board := make(bay.Board)
	var stats Stats

	document.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("td")
		if cells.Length() <= BayColumn {
			return
		}
		stats.Rows++

		busID := strings.TrimSpace(cells.Eq(BusIDColumn).Text())
		bayText := strings.TrimSpace(cells.Eq(BayColumn).Text())

		if !bay.ValidBusID(busID) {
			stats.Skipped++
			return
		}

		normalized := bay.NormalizeBay(bayText)
		if normalized == bay.NotInBay {
			stats.NoBay++
		}
		board[busID] = normalized
	})

	return board, stats
}
