// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/MKuranowski/busbays/internal/logging"
	"github.com/MKuranowski/busbays/internal/metrics"
)

// DefaultOneSignalURL is the notification creation endpoint.
const DefaultOneSignalURL = "https://api.onesignal.com/notifications"

const (
	accentColor = "FFE63009" // ARGB: opaque E63009
	smallIcon   = "ic_stat_onesignal_default"
	priority    = 10
)

// DeliveryError is returned when the push service rejects a notification.
type DeliveryError struct {
	StatusCode int
	Errors     string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("push service: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Errors)
}

// OneSignalOptions configure a OneSignalClient.
type OneSignalOptions struct {
	URL    string // defaults to DefaultOneSignalURL
	AppID  string
	APIKey string

	// DefaultChannel is used for notifications without a Channel.
	DefaultChannel string

	// Timeout bounds a single request. Defaults to 10 seconds.
	Timeout time.Duration

	// RequestsPerSecond limits the outbound request rate. Defaults to 10.
	RequestsPerSecond float64
}

// OneSignalClient is a Transport talking to the OneSignal REST API.
// Requests go through a circuit breaker, so that an unavailable push service
// doesn't stall every poll cycle for the full request timeout.
type OneSignalClient struct {
	opts    OneSignalOptions
	http    *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[struct{}]
}

// NewOneSignalClient creates a new OneSignal transport.
func NewOneSignalClient(opts OneSignalOptions) *OneSignalClient {
	if opts.URL == "" {
		opts.URL = DefaultOneSignalURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}

	const cbName = "onesignal"
	metrics.BreakerState.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Rejections of a single notification don't mean the service is down
		IsSuccessful: func(err error) bool {
			var deliveryErr *DeliveryError
			return err == nil || (errors.As(err, &deliveryErr) && deliveryErr.StatusCode < 500)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("Circuit breaker state change")
			metrics.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})

	return &OneSignalClient{
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		cb:      cb,
	}
}

type createNotificationRequest struct {
	AppID              string              `json:"app_id"`
	Contents           map[string]string   `json:"contents"`
	Headings           map[string]string   `json:"headings,omitempty"`
	TTL                int                 `json:"ttl,omitempty"`
	Filters            []Filter            `json:"filters,omitempty"`
	IncludeAliases     map[string][]string `json:"include_aliases,omitempty"`
	TargetChannel      string              `json:"target_channel,omitempty"`
	AndroidChannelID   string              `json:"android_channel_id,omitempty"`
	AndroidAccentColor string              `json:"android_accent_color,omitempty"`
	SmallIcon          string              `json:"small_icon,omitempty"`
	Priority           int                 `json:"priority,omitempty"`
	IsAndroid          bool                `json:"isAndroid"`
	IsIOS              bool                `json:"isIos"`
}

type createNotificationResponse struct {
	ID     string          `json:"id"`
	Errors json.RawMessage `json:"errors"`
}

func (c *OneSignalClient) buildRequest(n Notification) createNotificationRequest {
	channel := n.Channel
	if channel == "" {
		channel = c.opts.DefaultChannel
	}

	req := createNotificationRequest{
		AppID:              c.opts.AppID,
		Contents:           map[string]string{"en": n.Message},
		Headings:           map[string]string{"en": n.Title},
		TTL:                int(n.TTL / time.Second),
		Filters:            n.Filters,
		AndroidChannelID:   channel,
		AndroidAccentColor: accentColor,
		SmallIcon:          smallIcon,
		Priority:           priority,
		IsAndroid:          true,
		IsIOS:              true,
	}
	if len(n.ExternalUserIDs) > 0 {
		req.IncludeAliases = map[string][]string{"external_id": n.ExternalUserIDs}
		req.TargetChannel = "push"
	}
	return req
}

// Send creates a notification. It is not retried on failure.
func (c *OneSignalClient) Send(ctx context.Context, n Notification) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.cb.Execute(func() (struct{}, error) {
		return struct{}{}, c.send(ctx, n)
	})
	return err
}

func (c *OneSignalClient) send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(c.buildRequest(n))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Key "+c.opts.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("push service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("push service: read response: %w", err)
	}

	var parsed createNotificationResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errs := string(parsed.Errors)
		if errs == "" {
			errs = string(raw)
		}
		return &DeliveryError{StatusCode: resp.StatusCode, Errors: errs}
	}

	if hasErrors(parsed.Errors) {
		// e.g. "All included players are not subscribed": nobody to deliver to
		logging.Debug().Str("id", parsed.ID).RawJSON("errors", parsed.Errors).Msg("Push service reported errors")
		if parsed.ID == "" {
			return &DeliveryError{StatusCode: resp.StatusCode, Errors: string(parsed.Errors)}
		}
	}

	logging.Debug().Str("id", parsed.ID).Msg("Notification created")
	return nil
}

func hasErrors(raw json.RawMessage) bool {
	s := string(bytes.TrimSpace(raw))
	return s != "" && s != "null" && s != "[]" && s != "{}"
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
