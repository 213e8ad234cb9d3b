// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

package notify

import (
	"context"
	"strings"

	"github.com/MKuranowski/busbays/internal/logging"
)

// LogTransport only logs notifications. Used in debug mode.
type LogTransport struct{}

func (LogTransport) Send(_ context.Context, n Notification) error {
	filters := make([]string, 0, len(n.Filters))
	for _, f := range n.Filters {
		filters = append(filters, f.Key+f.Relation+f.Value)
	}

	event := logging.Info().
		Str("title", n.Title).
		Str("body", n.Message).
		Str("channel", n.Channel).
		Dur("ttl", n.TTL)
	if len(filters) > 0 {
		event = event.Str("filters", strings.Join(filters, " AND "))
	}
	if len(n.ExternalUserIDs) > 0 {
		event = event.Strs("users", n.ExternalUserIDs)
	}
	event.Msg("Not sending notification (dry run)")
	return nil
}
