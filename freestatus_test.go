package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// probeServer answers 200 on /free, 403 on everything else and counts requests
func probeServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/free" {
			_, _ = w.Write([]byte("<html>free</html>"))
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(server.Close)
	return server
}

func storeArticles(t *testing.T, store *Store, articles ...ParsedArticle) {
	t.Helper()
	ctx := context.Background()
	runID, err := store.RecordFetchRun(ctx)
	if err != nil {
		t.Fatalf("Failed to record fetch run: %v", err)
	}
	if _, err := store.UpsertArticles(ctx, runID, articles); err != nil {
		t.Fatalf("Failed to upsert articles: %v", err)
	}
}

func testArticle(headline, url string) ParsedArticle {
	return ParsedArticle{
		Headline:  headline,
		URL:       url,
		Subject:   "Security",
		Published: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestReconcile_RecordsProbesAndSkipsConfirmed(t *testing.T) {
	var hits atomic.Int32
	server := probeServer(t, &hits)
	store := setupTestStore(t)
	ctx := context.Background()

	storeArticles(t, store,
		testArticle("Free article", server.URL+"/free"),
		testArticle("Paywalled article", server.URL+"/paid"),
	)

	checker := NewFreeStatusChecker(store, time.Second, "")

	freeUpdates, err := checker.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(freeUpdates) != 1 || freeUpdates[0] != "Free article" {
		t.Errorf("Expected ['Free article'], got %v", freeUpdates)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("Expected 2 probes, got %d", got)
	}

	free, _ := store.FreeArticles(ctx)
	if len(free) != 1 || free[0].Headline != "Free article" {
		t.Errorf("Expected 'Free article' in free articles, got %+v", free)
	}

	// the confirmed article is not probed again, the paywalled one is
	freeUpdates, err = checker.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Second reconcile failed: %v", err)
	}
	if len(freeUpdates) != 0 {
		t.Errorf("Expected no new free articles, got %v", freeUpdates)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("Expected 3 probes in total, got %d", got)
	}

	free, _ = store.FreeArticles(ctx)
	if len(free) != 1 {
		t.Errorf("Expected free article to stay free, got %d free articles", len(free))
	}

	var paidProbes int
	err = store.db.QueryRow(`
		SELECT COUNT(*) FROM free_status_probes p
		JOIN articles a ON a.id = p.article_id
		WHERE a.headline = ? AND p.status_code = ?`, "Paywalled article", http.StatusForbidden).Scan(&paidProbes)
	if err != nil {
		t.Fatalf("Error counting probes: %v", err)
	}
	if paidProbes != 2 {
		t.Errorf("Expected 2 recorded 403 probes, got %d", paidProbes)
	}
}

func TestReconcile_TransportFailureIsAbsorbed(t *testing.T) {
	var hits atomic.Int32
	server := probeServer(t, &hits)
	store := setupTestStore(t)
	ctx := context.Background()

	// a server that is already closed refuses connections
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL + "/gone"
	dead.Close()

	storeArticles(t, store,
		testArticle("Unreachable article", deadURL),
		testArticle("Free article", server.URL+"/free"),
	)

	checker := NewFreeStatusChecker(store, time.Second, "")
	freeUpdates, err := checker.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(freeUpdates) != 1 || freeUpdates[0] != "Free article" {
		t.Errorf("Expected ['Free article'], got %v", freeUpdates)
	}

	var status int
	err = store.db.QueryRow(`
		SELECT p.status_code FROM free_status_probes p
		JOIN articles a ON a.id = p.article_id
		WHERE a.headline = ?`, "Unreachable article").Scan(&status)
	if err != nil {
		t.Fatalf("Expected a probe for the unreachable article: %v", err)
	}
	if status != ProbeFailureStatus {
		t.Errorf("Expected status %d, got %d", ProbeFailureStatus, status)
	}
}

func TestReconcile_Timeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	store := setupTestStore(t)
	storeArticles(t, store, testArticle("Slow article", slow.URL))

	checker := NewFreeStatusChecker(store, 50*time.Millisecond, "")
	freeUpdates, err := checker.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(freeUpdates) != 0 {
		t.Errorf("Expected no free articles, got %v", freeUpdates)
	}

	var status int
	if err := store.db.QueryRow("SELECT status_code FROM free_status_probes").Scan(&status); err != nil {
		t.Fatalf("Expected a recorded probe: %v", err)
	}
	if status != ProbeFailureStatus {
		t.Errorf("Expected status %d, got %d", ProbeFailureStatus, status)
	}
}

// failingProbeStore returns articles but cannot persist probes
type failingProbeStore struct {
	articles []Article
	recorded int
}

func (s *failingProbeStore) ArticlesAwaitingProbe(ctx context.Context) ([]Article, error) {
	return s.articles, nil
}

func (s *failingProbeStore) RecordProbe(ctx context.Context, articleID int64, statusCode int) error {
	s.recorded++
	return errors.New("disk full")
}

func TestReconcile_StorageFailureIsFatal(t *testing.T) {
	var hits atomic.Int32
	server := probeServer(t, &hits)

	store := &failingProbeStore{articles: []Article{
		{ID: 1, Headline: "One", URL: server.URL + "/free"},
		{ID: 2, Headline: "Two", URL: server.URL + "/free"},
	}}

	checker := NewFreeStatusChecker(store, time.Second, "")
	if _, err := checker.Reconcile(context.Background()); err == nil {
		t.Fatal("Expected storage failure to abort reconciliation")
	}
	if store.recorded != 1 {
		t.Errorf("Expected reconciliation to stop after the first failed write, got %d writes", store.recorded)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("Expected 1 probe before aborting, got %d", got)
	}
}

func TestReconcile_SendsUserAgent(t *testing.T) {
	var userAgent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.Header.Get("User-Agent"))
	}))
	defer server.Close()

	store := setupTestStore(t)
	storeArticles(t, store, testArticle("Article", server.URL))

	checker := NewFreeStatusChecker(store, time.Second, "test-agent/1.0")
	if _, err := checker.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got, _ := userAgent.Load().(string); got != "test-agent/1.0" {
		t.Errorf("Expected User-Agent 'test-agent/1.0', got '%s'", got)
	}
}
