package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultHeadlinesURL is the LWN text headlines file
const DefaultHeadlinesURL = "https://lwn.net/headlines/text"

const (
	defaultFetchTimeout = 30 * time.Second
	defaultUserAgent    = "lwn-rss/1.0 (+https://github.com/lepinkainen/lwn-rss)"

	// maxHeadlinesSize bounds the headlines document read into memory
	maxHeadlinesSize = 4 * 1024 * 1024
)

// ErrUnexpectedStatus is returned when the headlines file answers with anything but 200
var ErrUnexpectedStatus = errors.New("unexpected status code")

// HeadlinesFetcher retrieves the raw headlines document
type HeadlinesFetcher interface {
	FetchHeadlines(ctx context.Context) (string, error)
}

// HTTPHeadlinesFetcher downloads the headlines document over HTTP
type HTTPHeadlinesFetcher struct {
	client    *http.Client
	url       string
	userAgent string
}

// NewHTTPHeadlinesFetcher creates a fetcher for url with the given request timeout
func NewHTTPHeadlinesFetcher(url string, timeout time.Duration, userAgent string) *HTTPHeadlinesFetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &HTTPHeadlinesFetcher{
		client:    &http.Client{Timeout: timeout},
		url:       url,
		userAgent: userAgent,
	}
}

// FetchHeadlines performs a single GET for the headlines document
func (f *HTTPHeadlinesFetcher) FetchHeadlines(ctx context.Context) (string, error) {
	slog.Debug("Fetching headlines", "url", f.url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/plain")

	res, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch headlines: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		slog.Error("HTTP status code error", "code", res.StatusCode, "status", res.Status)
		return "", fmt.Errorf("failed to fetch headlines: %w: %d", ErrUnexpectedStatus, res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxHeadlinesSize))
	if err != nil {
		return "", fmt.Errorf("failed to read headlines: %w", err)
	}

	slog.Debug("Fetched headlines", "bytes", len(body))
	return string(body), nil
}
