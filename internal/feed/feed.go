// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

// Package feed publishes the bay board as a GTFS-Realtime VehiclePositions feed.
//
// Each bus standing in a bay becomes a vehicle STOPPED_AT a stop whose
// stop_id is the bay. Buses not in a bay are left out.
package feed

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"

	"github.com/MKuranowski/busbays/internal/bay"
)

// Ptr returns a pointer to v. Useful for constants and literals.
func Ptr[T any](v T) *T { return &v }

// ToGTFSRealtime converts a board into a full-dataset VehiclePositions feed.
func ToGTFSRealtime(board bay.Board, updateTime time.Time) *gtfsrt.FeedMessage {
	timestamp := uint64(updateTime.Unix())
	entities := make([]*gtfsrt.FeedEntity, 0, len(board))

	for _, record := range board.Records() {
		if record.Bay == bay.NotInBay {
			continue
		}

		entities = append(entities, &gtfsrt.FeedEntity{
			Id: Ptr(record.BusID),
			Vehicle: &gtfsrt.VehiclePosition{
				Vehicle: &gtfsrt.VehicleDescriptor{
					Id:    Ptr(record.BusID),
					Label: Ptr(record.BusID),
				},
				StopId:        Ptr(record.Bay),
				CurrentStatus: Ptr(gtfsrt.VehiclePosition_STOPPED_AT),
				Timestamp:     Ptr(timestamp),
			},
		})
	}

	return &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: Ptr("2.0"),
			Incrementality:      Ptr(gtfsrt.FeedHeader_FULL_DATASET),
			Timestamp:           Ptr(timestamp),
		},
		Entity: entities,
	}
}

// Writer saves the feed to a file after every change to the board.
type Writer struct {
	Target        string
	HumanReadable bool
}

// Write replaces the target file with the GTFS-RT representation of board.
func (w *Writer) Write(board bay.Board, updateTime time.Time) error {
	return SaveProtoToFile(ToGTFSRealtime(board, updateTime), w.Target, w.HumanReadable)
}

// SaveProtoToFile atomically replaces target with the serialized message.
// The feed is staged in a temporary file next to target, so readers
// only ever see a complete feed.
func SaveProtoToFile(m proto.Message, target string, humanReadable bool) error {
	encode := proto.Marshal
	if humanReadable {
		encode = prototext.Marshal
	}
	data, err := encode(m)
	if err != nil {
		return fmt.Errorf("feed: encode: %w", err)
	}

	staged, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return fmt.Errorf("feed: stage %s: %w", target, err)
	}
	stagedName := staged.Name()

	_, err = staged.Write(data)
	if closeErr := staged.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(stagedName, 0o644)
	}
	if err == nil {
		err = os.Rename(stagedName, target)
	}
	if err != nil {
		_ = os.Remove(stagedName)
		return fmt.Errorf("feed: publish %s: %w", target, err)
	}
	return nil
}
