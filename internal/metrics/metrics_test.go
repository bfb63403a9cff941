package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequestCounts(t *testing.T) {
	m := New()
	m.ObserveRequest("cache-first", "cache", 5*time.Millisecond)
	m.ObserveRequest("cache-first", "cache", 2*time.Millisecond)
	m.ObserveRequest("network-first", "network", time.Millisecond)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("cache-first", "cache")); got != 2 {
		t.Fatalf("cache-first hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("network-first", "network")); got != 1 {
		t.Fatalf("network-first = %v, want 1", got)
	}
}

func TestObserveCacheWriteSplitsResult(t *testing.T) {
	m := New()
	m.ObserveCacheWrite("epl-runtime-v1", nil)
	m.ObserveCacheWrite("epl-runtime-v1", errors.New("disk full"))
	m.ObserveCacheWrite("epl-runtime-v1", errors.New("disk full"))

	if got := testutil.ToFloat64(m.cacheWrites.WithLabelValues("epl-runtime-v1", "ok")); got != 1 {
		t.Fatalf("ok writes = %v", got)
	}
	if got := testutil.ToFloat64(m.cacheWrites.WithLabelValues("epl-runtime-v1", "error")); got != 2 {
		t.Fatalf("failed writes = %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("passthrough", "network", time.Millisecond)
	m.ObserveTotalMiss("network-first")
	m.ObserveCacheWrite("x", nil)
	m.ObserveLifecycle("install", nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/-/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("nil metrics handler should 404, got %d", rec.Code)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.ObserveLifecycle("install", nil)
	m.ObserveTotalMiss("network-timeout")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/-/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		`newshub_edge_lifecycle_events_total{phase="install",result="ok"} 1`,
		`newshub_edge_total_miss_total{strategy="network-timeout"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
