package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"procgate/pkg/auth"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func TestSecuredRejectsUnknownKey(t *testing.T) {
	s := newTestServer(&fakeGatewayDB{})
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/process-system/submissions", nil)

	s.secured(okHandler)(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "invalid_credential" {
		t.Fatalf("unexpected code %q", body.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}
}

func TestSecuredRequiresSignature(t *testing.T) {
	s := newTestServer(&fakeGatewayDB{})
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/process-system/submissions", nil)
	r.Header.Set(auth.HeaderAPIKey, testAPIKey)

	s.secured(okHandler)(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "missing_signature" {
		t.Fatalf("unexpected code %q", body.Code)
	}
}

func TestSecuredRejectsBadSignature(t *testing.T) {
	s := newTestServer(&fakeGatewayDB{})
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/process-system/submissions", nil)
	r.Header.Set(auth.HeaderAPIKey, testAPIKey)
	r.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	r.Header.Set(auth.HeaderSignature, "deadbeef")

	s.secured(okHandler)(rec, r)

	if body := decodeError(t, rec); rec.Code != http.StatusUnauthorized || body.Code != "invalid_signature" {
		t.Fatalf("expected invalid_signature 401, got %d %q", rec.Code, body.Code)
	}
}

func TestSecuredRejectsStaleTimestamp(t *testing.T) {
	s := newTestServer(&fakeGatewayDB{})
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/process-system/submissions", nil)
	ts := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	r.Header.Set(auth.HeaderAPIKey, testAPIKey)
	r.Header.Set(auth.HeaderTimestamp, ts)
	r.Header.Set(auth.HeaderSignature, auth.Sign(testSecret, r.Method, r.URL.Path, r.URL.RawQuery, ts))

	s.secured(okHandler)(rec, r)

	if body := decodeError(t, rec); rec.Code != http.StatusUnauthorized || body.Code != "stale_timestamp" {
		t.Fatalf("expected stale_timestamp 401, got %d %q", rec.Code, body.Code)
	}
}

func TestSecuredEnforcesAllowlist(t *testing.T) {
	s := newTestServer(&fakeGatewayDB{})
	s.Authenticator.AllowlistEnabled = true
	s.Authenticator.Allowlist = map[string]struct{}{"203.0.113.1": {}}

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/process-system/submissions", nil)
	signRequest(r)

	s.secured(okHandler)(rec, r)

	if body := decodeError(t, rec); rec.Code != http.StatusForbidden || body.Code != "address_not_allowed" {
		t.Fatalf("expected address_not_allowed 403, got %d %q", rec.Code, body.Code)
	}
}

func TestSecuredRejectsSuspiciousQuery(t *testing.T) {
	s := newTestServer(&fakeGatewayDB{})
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/process-system/submissions?q=eval(document.cookie)", nil)
	signRequest(r)

	s.secured(okHandler)(rec, r)

	if body := decodeError(t, rec); rec.Code != http.StatusForbidden || body.Code != "suspicious_request" {
		t.Fatalf("expected suspicious_request 403, got %d %q", rec.Code, body.Code)
	}
}

func TestSecuredRateLimitsAndSetsHeaders(t *testing.T) {
	s := newTestServer(&fakeGatewayDB{})
	s.RateLimitPerMinute = 1

	r := httptest.NewRequest(http.MethodGet, "/api/v1/process-system/submissions", nil)
	signRequest(r)

	first := httptest.NewRecorder()
	s.secured(okHandler)(first, r)
	if first.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", first.Code)
	}
	if first.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected remaining 0, got %q", first.Header().Get("X-RateLimit-Remaining"))
	}

	second := httptest.NewRecorder()
	s.secured(okHandler)(second, r)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if body := decodeError(t, second); body.Code != "rate_limited" {
		t.Fatalf("unexpected code %q", body.Code)
	}
	if second.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatal("expected reset header")
	}
	if s.Metrics.Snapshot().RateLimited != 1 {
		t.Fatal("expected rate limited counter to increment")
	}
}

func TestSecuredWritesAuditTrail(t *testing.T) {
	db := &fakeGatewayDB{}
	s := newTestServer(db)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/process-system/sync", strings.NewReader(`{"application_id":42}`))
	signRequest(r)
	r.Header.Set("X-Request-ID", "req-audit-1")
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer should-not-surface")
	rec := httptest.NewRecorder()

	s.secured(okHandler)(rec, r)
	s.Audit.Close()

	var insert []any
	for i, sql := range db.execSQL {
		if strings.Contains(sql, "INSERT INTO process_api_logs") {
			insert = db.execArgs[i]
			break
		}
	}
	if insert == nil {
		t.Fatalf("expected audit insert, got %v", db.execSQL)
	}
	if insert[0] != "req-audit-1" {
		t.Fatalf("unexpected request id %v", insert[0])
	}
	if insert[2] != "SYNC_DATA" {
		t.Fatalf("unexpected operation type %v", insert[2])
	}
	masked, _ := insert[1].(string)
	if strings.Contains(masked, testAPIKey[4:len(testAPIKey)-4]) || !strings.Contains(masked, "*") {
		t.Fatalf("api key not masked: %v", insert[1])
	}
	headers, _ := insert[14].(string)
	if !strings.Contains(headers, "Content-Type") || !strings.Contains(headers, "X-Request-Id") {
		t.Fatalf("expected sanitized headers persisted, got %q", headers)
	}
	if strings.Contains(headers, "Authorization") || strings.Contains(headers, "should-not-surface") {
		t.Fatalf("credential header leaked into audit headers: %q", headers)
	}
	if strings.Contains(headers, testAPIKey) || strings.Contains(headers, "X-Signature") {
		t.Fatalf("credential header leaked into audit headers: %q", headers)
	}
}

func TestSecuredAuditsRejections(t *testing.T) {
	db := &fakeGatewayDB{}
	s := newTestServer(db)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/process-system/submissions", nil)
	s.secured(okHandler)(rec, r)
	s.Audit.Close()

	found := false
	for _, sql := range db.execSQL {
		if strings.Contains(sql, "INSERT INTO process_api_logs") {
			found = true
		}
	}
	if !found {
		t.Fatal("rejected request should still be audited")
	}
}
