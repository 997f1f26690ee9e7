package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu           sync.RWMutex
	endpoint     map[string]*EndpointStat
	outcome      map[string]int64
	reason       map[string]int64
	syncStatus   map[string]int64
	gauges       map[string]float64
	rateLimited  int64
	storeLatency StoreLatencyStat
	Histograms   *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type StoreLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Outcomes       map[string]int64        `json:"outcomes"`
	Reasons        map[string]int64        `json:"reasons"`
	SyncTotals     map[string]int64        `json:"sync_totals"`
	Gauges         map[string]float64      `json:"gauges"`
	RateLimited    int64                   `json:"rate_limited_total"`
	StoreLatencyMS StoreLatencyStat        `json:"store_latency_ms"`
	Histograms     []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		outcome:    map[string]int64{},
		reason:     map[string]int64{},
		syncStatus: map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncOutcome counts one ingestion result: accepted, duplicate, rejected.
func (r *Registry) IncOutcome(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.mu.Unlock()
}

// IncReason counts one machine-readable rejection code.
func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

// IncSyncStatus counts one finished sync attempt by its status.
func (r *Registry) IncSyncStatus(status string) {
	status = strings.TrimSpace(status)
	if status == "" {
		return
	}
	r.mu.Lock()
	r.syncStatus[status]++
	r.mu.Unlock()
}

func (r *Registry) IncRateLimited() {
	r.mu.Lock()
	r.rateLimited++
	r.mu.Unlock()
}

// ObserveStoreLatency tracks the transactional write path.
func (r *Registry) ObserveStoreLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeLatency.Count++
	r.storeLatency.TotalMS += ms
	r.storeLatency.LastMS = ms
	if ms > r.storeLatency.MaxMS {
		r.storeLatency.MaxMS = ms
	}
	r.storeLatency.AvgMS = float64(r.storeLatency.TotalMS) / float64(r.storeLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:    make(map[string]int64, len(r.outcome)),
		Reasons:     make(map[string]int64, len(r.reason)),
		SyncTotals:  make(map[string]int64, len(r.syncStatus)),
		Gauges:      make(map[string]float64, len(r.gauges)),
		RateLimited: r.rateLimited,
		StoreLatencyMS: StoreLatencyStat{
			Count:   r.storeLatency.Count,
			TotalMS: r.storeLatency.TotalMS,
			MaxMS:   r.storeLatency.MaxMS,
			LastMS:  r.storeLatency.LastMS,
			AvgMS:   r.storeLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		out.Outcomes[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.syncStatus {
		out.SyncTotals[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP procgate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE procgate_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "procgate_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP procgate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE procgate_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "procgate_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP procgate_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE procgate_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "procgate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP procgate_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE procgate_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "procgate_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP procgate_outcome_total submissions by ingestion outcome\n")
		b.WriteString("# TYPE procgate_outcome_total counter\n")
		for _, outcome := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "procgate_outcome_total{outcome=%q} %d\n", outcome, snap.Outcomes[outcome])
		}
		b.WriteString("# HELP procgate_reason_total rejections by reason code\n")
		b.WriteString("# TYPE procgate_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "procgate_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP procgate_sync_total finished sync attempts by status\n")
		b.WriteString("# TYPE procgate_sync_total counter\n")
		for _, status := range SortedKeys(snap.SyncTotals) {
			fmt.Fprintf(b, "procgate_sync_total{status=%q} %d\n", status, snap.SyncTotals[status])
		}
		b.WriteString("# HELP procgate_rate_limited_total requests rejected by the rate limiter\n")
		b.WriteString("# TYPE procgate_rate_limited_total counter\n")
		fmt.Fprintf(b, "procgate_rate_limited_total %d\n", snap.RateLimited)
		b.WriteString("# HELP procgate_gauge operational gauge metrics\n")
		b.WriteString("# TYPE procgate_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "procgate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP procgate_store_latency_ms transactional store latency in ms\n")
		b.WriteString("# TYPE procgate_store_latency_ms gauge\n")
		fmt.Fprintf(b, "procgate_store_latency_ms{stat=%q} %d\n", "last", snap.StoreLatencyMS.LastMS)
		fmt.Fprintf(b, "procgate_store_latency_ms{stat=%q} %.3f\n", "avg", snap.StoreLatencyMS.AvgMS)
		fmt.Fprintf(b, "procgate_store_latency_ms{stat=%q} %d\n", "max", snap.StoreLatencyMS.MaxMS)
		for _, h := range snap.Histograms {
			b.WriteString("# HELP procgate_latency_seconds latency histogram\n")
			b.WriteString("# TYPE procgate_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "procgate_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "procgate_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "procgate_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "procgate_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "procgate_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "procgate_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "procgate_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
