// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

// Package notify turns bay transitions into push notifications.
//
// Every transition is broadcast to devices tagged with the bus number
// (the user's primary bus), and separately sent to users who subscribed
// to that bus in addition to their primary one.
package notify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/MKuranowski/go-extra-lib/container/set"

	"github.com/MKuranowski/busbays/internal/bay"
	"github.com/MKuranowski/busbays/internal/logging"
	"github.com/MKuranowski/busbays/internal/metrics"
)

// Title is the heading of every bus notification.
const Title = "Bus Update!"

// DefaultTTL is how long the push service keeps trying to deliver a bus notification.
const DefaultTTL = 10 * time.Minute

// Filter is a push-service tag filter.
type Filter struct {
	Field    string `json:"field"`
	Key      string `json:"key"`
	Relation string `json:"relation"`
	Value    string `json:"value"`
}

// TagEquals and TagNotEquals build tag filters.
func TagEquals(key, value string) Filter    { return Filter{"tag", key, "=", value} }
func TagNotEquals(key, value string) Filter { return Filter{"tag", key, "!=", value} }

// Notification is a single outbound push. Exactly one of Filters and
// ExternalUserIDs is expected to be set.
type Notification struct {
	Title           string
	Message         string
	TTL             time.Duration
	Channel         string
	Filters         []Filter
	ExternalUserIDs []string
}

// Transport delivers notifications to the push service.
type Transport interface {
	Send(ctx context.Context, n Notification) error
}

// Subscribers lists users with an extra subscription to a bus.
type Subscribers interface {
	SubscribersOf(ctx context.Context, busID string) ([]string, error)
}

// Message returns the human-readable description of a transition.
func Message(t bay.Transition) string {
	if t.Arrival() {
		return fmt.Sprintf("The %s bus has arrived in bay %s", t.BusID, t.NewBay)
	}
	return fmt.Sprintf("The %s bus has moved from bay %s to %s", t.BusID, t.PreviousBay, t.NewBay)
}

// Notifier fans out transitions over the Transport.
type Notifier struct {
	Transport   Transport
	Subscribers Subscribers

	// Channel is the Android notification channel for bus alerts.
	Channel string

	// TTL defaults to DefaultTTL.
	TTL time.Duration

	// OptOutFilter excludes devices tagged with bus_optout=true from the broadcast.
	OptOutFilter bool
}

// Notify sends the notifications for a single transition.
// Delivery failures are logged and otherwise ignored. Returns the number of push calls made.
func (n *Notifier) Notify(ctx context.Context, t bay.Transition) int {
	message := Message(t)
	calls := 0

	// Broadcast to everyone with this bus as their primary one
	filters := []Filter{TagEquals("bus", t.BusID)}
	if n.OptOutFilter {
		filters = append(filters, TagNotEquals("bus_optout", "true"))
	}
	n.send(ctx, "tag", t, Notification{
		Title:   Title,
		Message: message,
		TTL:     n.ttl(),
		Channel: n.Channel,
		Filters: filters,
	})
	calls++

	// Send directly to users with an extra subscription to this bus
	if n.Subscribers == nil {
		return calls
	}
	userIDs, err := n.Subscribers.SubscribersOf(ctx, t.BusID)
	if err != nil {
		logging.Error().Err(err).Str("bus", t.BusID).Msg("Failed to look up extra subscribers")
		return calls
	}
	userIDs = unique(userIDs)
	if len(userIDs) == 0 {
		return calls
	}
	n.send(ctx, "subscribers", t, Notification{
		Title:           Title,
		Message:         message,
		TTL:             n.ttl(),
		Channel:         n.Channel,
		ExternalUserIDs: userIDs,
	})
	calls++

	return calls
}

// NotifyAll sends notifications for every transition, in order.
func (n *Notifier) NotifyAll(ctx context.Context, transitions []bay.Transition) int {
	calls := 0
	for _, t := range transitions {
		if ctx.Err() != nil {
			break
		}
		calls += n.Notify(ctx, t)
	}
	return calls
}

func (n *Notifier) send(ctx context.Context, tier string, t bay.Transition, notification Notification) {
	err := n.Transport.Send(ctx, notification)
	if err != nil {
		metrics.Notifications.WithLabelValues(tier, "failed").Inc()
		logging.Error().
			Err(err).
			Str("bus", t.BusID).
			Str("tier", tier).
			Int("recipients", len(notification.ExternalUserIDs)).
			Msg("Failed to send notification")
		return
	}
	metrics.Notifications.WithLabelValues(tier, "sent").Inc()
}

func (n *Notifier) ttl() time.Duration {
	if n.TTL <= 0 {
		return DefaultTTL
	}
	return n.TTL
}

func unique(ids []string) []string {
	s := make(set.Set[string], len(ids))
	for _, id := range ids {
		if id != "" {
			s.Add(id)
		}
	}
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
