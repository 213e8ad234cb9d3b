// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

// Package scrape retrieves the live departures page and extracts bus bays from it.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// UserAgent pretends to be a desktop browser; the departures server
// is known to turn away clients which don't look like one.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// DefaultTimeout bounds a single request for the departures page.
const DefaultTimeout = 10 * time.Second

// DefaultMaxSize caps the size of the departures page body.
const DefaultMaxSize = 4 << 20

// ErrPageTooLarge is wrapped in a TransportError when the page exceeds the size cap.
var ErrPageTooLarge = errors.New("departures page too large")

// TransportError is returned when the departures page couldn't be retrieved:
// on network errors, timeouts, non-2xx responses and oversized pages.
type TransportError struct {
	URL        string
	StatusCode int // 0 if no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Fetcher retrieves the raw departures page.
type Fetcher struct {
	URL string

	// Client is used to make requests. If nil, a client with DefaultTimeout is used.
	Client *http.Client

	// MaxSize is the largest accepted body, in bytes. Zero means DefaultMaxSize.
	MaxSize int64
}

// NewFetcher returns a Fetcher for the given URL with a bounded request timeout.
func NewFetcher(url string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{URL: url, Client: &http.Client{Timeout: timeout}}
}

// Fetch returns the body of the departures page.
// All failures are reported as a *TransportError.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, &TransportError{URL: f.URL, Err: err}
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	// Try to fetch the website
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: f.URL, Err: err}
	}
	defer resp.Body.Close()

	// Fail on non-success responses
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &TransportError{
			URL:        f.URL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", resp.Status),
		}
	}

	maxSize := f.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, &TransportError{URL: f.URL, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > maxSize {
		return nil, &TransportError{URL: f.URL, Err: fmt.Errorf("%w: over %d bytes", ErrPageTooLarge, maxSize)}
	}
	return body, nil
}
