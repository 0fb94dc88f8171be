package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultProbeTimeout = 5 * time.Second

	// ProbeFailureStatus is recorded when a probe fails below the HTTP layer
	ProbeFailureStatus = 500

	// maxProbeDrain bounds how much of a probe body is read before closing
	maxProbeDrain = 64 * 1024
)

// probeStore is the part of Store the free status checker needs
type probeStore interface {
	ArticlesAwaitingProbe(ctx context.Context) ([]Article, error)
	RecordProbe(ctx context.Context, articleID int64, statusCode int) error
}

// FreeStatusChecker probes article URLs until each one is confirmed freely readable
type FreeStatusChecker struct {
	store     probeStore
	client    *http.Client
	userAgent string
}

// NewFreeStatusChecker creates a checker whose probes give up after timeout
func NewFreeStatusChecker(store probeStore, timeout time.Duration, userAgent string) *FreeStatusChecker {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &FreeStatusChecker{
		store:     store,
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// Reconcile probes every article without a successful probe, one at a time, records
// each outcome and returns the headlines confirmed free in this pass. A probe that
// cannot reach the server is stored as ProbeFailureStatus. Failing to store a probe
// aborts the pass.
func (c *FreeStatusChecker) Reconcile(ctx context.Context) ([]string, error) {
	slog.Info("Updating free status for articles")

	articles, err := c.store.ArticlesAwaitingProbe(ctx)
	if err != nil {
		return nil, err
	}

	var freeUpdates []string
	for _, article := range articles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		statusCode := c.probe(ctx, article)
		if err := c.store.RecordProbe(ctx, article.ID, statusCode); err != nil {
			return nil, err
		}

		if statusCode == FreeStatusCode {
			slog.Info("Article is now free", "headline", article.Headline, "url", article.URL)
			freeUpdates = append(freeUpdates, article.Headline)
		}
	}

	slog.Info("Free status updated", "probed", len(articles), "free", len(freeUpdates))
	return freeUpdates, nil
}

// probe returns the HTTP status of a GET to the article URL
func (c *FreeStatusChecker) probe(ctx context.Context, article Article) int {
	statusCode, err := c.fetchStatus(ctx, article.URL)
	if err != nil {
		slog.Warn("Free status probe failed", "error", err, "url", article.URL, "hash", article.Hash)
		return ProbeFailureStatus
	}

	slog.Debug("Probed article", "url", article.URL, "status", statusCode)
	return statusCode
}

func (c *FreeStatusChecker) fetchStatus(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	res, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxProbeDrain))

	return res.StatusCode, nil
}
