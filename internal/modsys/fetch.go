// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package modsys

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Fetcher loads the source of a module address.
type Fetcher interface {
	Fetch(ctx context.Context, addr string) ([]byte, error)
}

// Default HTTP fetcher settings.
const (
	defaultFetchTimeout = 10 * time.Second
	defaultFetchRetries = 2
	defaultRetryBase    = 100 * time.Millisecond
	maxModuleSize       = 8 << 20
)

// HTTPFetcher fetches module sources over HTTP. Network errors and 5xx
// responses are retried with exponential backoff; everything else fails
// immediately.
type HTTPFetcher struct {
	client    *http.Client
	retries   uint64
	retryBase time.Duration
}

// HTTPFetcherOption configures an HTTPFetcher.
type HTTPFetcherOption func(*HTTPFetcher)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.client = c
	}
}

// WithRetries sets the number of retries after the first attempt.
func WithRetries(n uint64, base time.Duration) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.retries = n
		f.retryBase = base
	}
}

// NewHTTPFetcher creates an HTTP module fetcher.
func NewHTTPFetcher(opts ...HTTPFetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:    &http.Client{Timeout: defaultFetchTimeout},
		retries:   defaultFetchRetries,
		retryBase: defaultRetryBase,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads addr.
func (f *HTTPFetcher) Fetch(ctx context.Context, addr string) ([]byte, error) {
	var body []byte
	backoff := retry.WithMaxRetries(f.retries, retry.NewExponential(f.retryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		data, err := f.fetchOnce(ctx, addr)
		if err != nil {
			return err
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, oops.In("modsys").Code("FETCH_FAILED").With("address", addr).Wrap(err)
	}
	return body, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, addr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, retry.RetryableError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, retry.RetryableError(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxModuleSize+1))
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("read body: %w", err))
	}
	if len(data) > maxModuleSize {
		return nil, fmt.Errorf("module exceeds %d bytes", maxModuleSize)
	}
	return data, nil
}
