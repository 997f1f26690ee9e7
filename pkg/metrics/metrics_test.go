package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncOutcome("accepted")
	r.IncOutcome("accepted")
	r.IncReason("validation_failed")
	r.IncSyncStatus("success")
	r.IncRateLimited()
	r.SetGauge("sync_backlog", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Outcomes["accepted"] != 2 {
		t.Fatalf("expected accepted=2 got=%d", snap.Outcomes["accepted"])
	}
	if snap.Reasons["validation_failed"] != 1 {
		t.Fatalf("expected validation_failed=1 got=%d", snap.Reasons["validation_failed"])
	}
	if snap.SyncTotals["success"] != 1 {
		t.Fatalf("expected success=1 got=%d", snap.SyncTotals["success"])
	}
	if snap.RateLimited != 1 {
		t.Fatalf("expected rate_limited=1 got=%d", snap.RateLimited)
	}
	if snap.Gauges["sync_backlog"] != 3 {
		t.Fatalf("expected sync_backlog=3 got=%v", snap.Gauges["sync_backlog"])
	}
}

func TestRegistryIgnoresEmptyKeys(t *testing.T) {
	r := NewRegistry()
	r.IncOutcome("")
	r.IncReason("")
	r.IncSyncStatus("  ")
	r.SetGauge("", 1)
	snap := r.Snapshot()
	if len(snap.Outcomes) != 0 || len(snap.Reasons) != 0 || len(snap.SyncTotals) != 0 || len(snap.Gauges) != 0 {
		t.Fatalf("expected empty keys to be ignored: %+v", snap)
	}
}

func TestObserveStoreLatency(t *testing.T) {
	r := NewRegistry()
	r.ObserveStoreLatency(10 * time.Millisecond)
	r.ObserveStoreLatency(30 * time.Millisecond)
	r.ObserveStoreLatency(-5 * time.Millisecond)

	snap := r.Snapshot()
	if snap.StoreLatencyMS.Count != 3 {
		t.Fatalf("expected three observations, got %d", snap.StoreLatencyMS.Count)
	}
	if snap.StoreLatencyMS.MaxMS != 30 {
		t.Fatalf("expected max 30ms, got %d", snap.StoreLatencyMS.MaxMS)
	}
	if snap.StoreLatencyMS.LastMS != 0 {
		t.Fatalf("expected negative observation clamped, got %d", snap.StoreLatencyMS.LastMS)
	}
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /submissions", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics.json", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "POST /submissions") {
		t.Fatalf("expected endpoint in body: %s", rec.Body.String())
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /submissions", 200, 5*time.Millisecond)
	r.ObserveLatency("POST /submissions", 5*time.Millisecond)
	r.IncOutcome("duplicate")
	r.IncReason("duplicate_submission")
	r.IncSyncStatus("partial_success")
	r.IncRateLimited()

	rec := httptest.NewRecorder()
	r.PrometheusHandler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`procgate_endpoint_count{endpoint="POST /submissions"} 1`,
		`procgate_outcome_total{outcome="duplicate"} 1`,
		`procgate_reason_total{reason="duplicate_submission"} 1`,
		`procgate_sync_total{status="partial_success"} 1`,
		"procgate_rate_limited_total 1",
		`procgate_latency_seconds_count{endpoint="POST /submissions"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in exposition:\n%s", want, body)
		}
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int64{"b": 1, "a": 2, "c": 3})
	if strings.Join(keys, ",") != "a,b,c" {
		t.Fatalf("unexpected order: %v", keys)
	}
}
