// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MKuranowski/busbays/internal/bay"
)

type recordingTransport struct {
	sent []Notification
	err  error
}

func (r *recordingTransport) Send(_ context.Context, n Notification) error {
	r.sent = append(r.sent, n)
	return r.err
}

type staticSubscribers struct {
	byBus map[string][]string
	err   error
}

func (s staticSubscribers) SubscribersOf(_ context.Context, busID string) ([]string, error) {
	return s.byBus[busID], s.err
}

var arrival = bay.Transition{BusID: "762", PreviousBay: bay.NotInBay, NewBay: "B12"}

func TestMessage(t *testing.T) {
	assert.Equal(t, "The 762 bus has arrived in bay B12", Message(arrival))
	assert.Equal(t,
		"The 150B bus has moved from bay A3 to C7",
		Message(bay.Transition{BusID: "150B", PreviousBay: "A3", NewBay: "C7"}),
	)
}

func TestNotifyWithoutSubscribersSendsBroadcastOnly(t *testing.T) {
	transport := &recordingTransport{}
	n := &Notifier{
		Transport:   transport,
		Subscribers: staticSubscribers{},
		Channel:     "bus-channel",
	}

	calls := n.Notify(context.Background(), arrival)
	assert.Equal(t, 1, calls)
	require.Len(t, transport.sent, 1)

	sent := transport.sent[0]
	assert.Equal(t, Title, sent.Title)
	assert.Equal(t, "The 762 bus has arrived in bay B12", sent.Message)
	assert.Equal(t, "bus-channel", sent.Channel)
	assert.Equal(t, DefaultTTL, sent.TTL)
	assert.Equal(t, []Filter{{Field: "tag", Key: "bus", Relation: "=", Value: "762"}}, sent.Filters)
	assert.Empty(t, sent.ExternalUserIDs)
}

func TestNotifyWithSubscribersSendsTwo(t *testing.T) {
	transport := &recordingTransport{}
	n := &Notifier{
		Transport:    transport,
		Subscribers:  staticSubscribers{byBus: map[string][]string{"762": {"bob", "alice"}, "119": {"carol"}}},
		OptOutFilter: true,
	}

	calls := n.Notify(context.Background(), arrival)
	assert.Equal(t, 2, calls)
	require.Len(t, transport.sent, 2)

	broadcast, targeted := transport.sent[0], transport.sent[1]
	assert.Equal(t, []Filter{TagEquals("bus", "762"), TagNotEquals("bus_optout", "true")}, broadcast.Filters)
	assert.Empty(t, broadcast.ExternalUserIDs)

	assert.Equal(t, broadcast.Message, targeted.Message)
	assert.Equal(t, broadcast.Title, targeted.Title)
	assert.Empty(t, targeted.Filters)
	assert.Equal(t, []string{"alice", "bob"}, targeted.ExternalUserIDs)
}

func TestNotifyDeduplicatesSubscribers(t *testing.T) {
	transport := &recordingTransport{}
	n := &Notifier{
		Transport:   transport,
		Subscribers: staticSubscribers{byBus: map[string][]string{"762": {"bob", "bob", ""}}},
	}
	n.Notify(context.Background(), arrival)
	require.Len(t, transport.sent, 2)
	assert.Equal(t, []string{"bob"}, transport.sent[1].ExternalUserIDs)
}

func TestNotifySubscriberLookupFailureKeepsBroadcast(t *testing.T) {
	transport := &recordingTransport{}
	n := &Notifier{
		Transport:   transport,
		Subscribers: staticSubscribers{err: errors.New("db down")},
	}
	assert.Equal(t, 1, n.Notify(context.Background(), arrival))
	assert.Len(t, transport.sent, 1)
}

func TestNotifyDeliveryFailureDoesNotStopFanOut(t *testing.T) {
	transport := &recordingTransport{err: errors.New("push service down")}
	n := &Notifier{
		Transport:   transport,
		Subscribers: staticSubscribers{byBus: map[string][]string{"762": {"alice"}}},
	}
	assert.Equal(t, 2, n.Notify(context.Background(), arrival))
	assert.Len(t, transport.sent, 2)
}

func TestNotifyAll(t *testing.T) {
	transport := &recordingTransport{}
	n := &Notifier{Transport: transport}
	calls := n.NotifyAll(context.Background(), []bay.Transition{
		arrival,
		{BusID: "150B", PreviousBay: "A3", NewBay: "C7"},
	})
	assert.Equal(t, 2, calls)
	require.Len(t, transport.sent, 2)
	assert.Equal(t, "The 150B bus has moved from bay A3 to C7", transport.sent[1].Message)
}
