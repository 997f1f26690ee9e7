package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"procgate/pkg/audit"
	"procgate/pkg/auth"
	"procgate/pkg/metrics"
	"procgate/pkg/ratelimit"
	"procgate/pkg/store"
	"procgate/pkg/stream"
	"procgate/pkg/submission"
	"procgate/pkg/syncer"
	"procgate/pkg/validate"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type fakeGatewayDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	beginFn    func(ctx context.Context) (pgx.Tx, error)
	execSQL    []string
	execArgs   [][]any
	closed     bool
}

func (f *fakeGatewayDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, arguments)
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeGatewayDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, sql, args...)
	}
	return &fakeGatewayRows{}, nil
}

func (f *fakeGatewayDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeGatewayRow{err: pgx.ErrNoRows}
}

func (f *fakeGatewayDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn(ctx)
	}
	return &fakeGatewayTx{}, nil
}

func (f *fakeGatewayDB) Close() { f.closed = true }

type fakeGatewayRow struct {
	values []any
	err    error
}

func (r fakeGatewayRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignGatewayScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeGatewayRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeGatewayRows) Close()                                       {}
func (r *fakeGatewayRows) Err() error                                   { return r.err }
func (r *fakeGatewayRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeGatewayRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeGatewayRows) Values() ([]any, error)                       { return nil, errors.New("not implemented") }
func (r *fakeGatewayRows) RawValues() [][]byte                          { return nil }
func (r *fakeGatewayRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeGatewayRows) Next() bool {
	if r.err != nil || r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeGatewayRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	current := r.rows[r.idx-1]
	if len(dest) != len(current) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignGatewayScan(dest[i], current[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignGatewayScan(dest, value any) error {
	switch d := dest.(type) {
	case *bool:
		v, ok := value.(bool)
		if !ok {
			return errors.New("expected bool")
		}
		*d = v
	case *int:
		v, ok := value.(int)
		if !ok {
			return errors.New("expected int")
		}
		*d = v
	case *int64:
		switch v := value.(type) {
		case int64:
			*d = v
		case int:
			*d = int64(v)
		default:
			return errors.New("expected int64")
		}
	case *string:
		v, ok := value.(string)
		if !ok {
			return errors.New("expected string")
		}
		*d = v
	case *[]byte:
		v, ok := value.([]byte)
		if !ok {
			return errors.New("expected bytes")
		}
		*d = v
	case *time.Time:
		v, ok := value.(time.Time)
		if !ok {
			return errors.New("expected time")
		}
		*d = v
	case **time.Time:
		if value == nil {
			*d = nil
			return nil
		}
		v, ok := value.(time.Time)
		if !ok {
			return errors.New("expected nullable time")
		}
		*d = &v
	default:
		return errors.New("unsupported scan type")
	}
	return nil
}

type fakeGatewayTx struct {
	execFn        func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	execSQL       []string
	commitCalls   int
	rollbackCalls int
}

func (t *fakeGatewayTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeGatewayTx) Commit(ctx context.Context) error {
	t.commitCalls++
	return nil
}
func (t *fakeGatewayTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return nil
}
func (t *fakeGatewayTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeGatewayTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeGatewayTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeGatewayTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeGatewayTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execSQL = append(t.execSQL, sql)
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}
func (t *fakeGatewayTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeGatewayTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeGatewayRow{err: errors.New("not implemented")}
}
func (t *fakeGatewayTx) Conn() *pgx.Conn { return nil }

const (
	testAPIKey = "test-key-1234567890"
	testSecret = "test-signature-secret"
)

func newTestServer(db *fakeGatewayDB) *Server {
	subStore := submission.NewStore(db)
	subStore.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	orch := syncer.New(db, subStore, nil)
	events := stream.NewHub()
	orch.Events = events
	return &Server{
		DB:                 db,
		Cache:              store.NewMemoryCache(),
		Store:              subStore,
		Validator:          validate.New(),
		Authenticator:      auth.NewAuthenticator(auth.NewStaticKeyStore(map[string]string{testAPIKey: "process"}), testSecret, 300*time.Second),
		Syncer:             orch,
		Audit:              audit.NewLogger(db, 64, 1),
		Events:             events,
		Metrics:            metrics.NewRegistry(),
		RateLimiter:        ratelimit.NewInMemory(time.Minute),
		RateLimitEnabled:   true,
		RateLimitPerMinute: 100,
		RateLimitWindow:    time.Minute,
		SyncLockTTL:        time.Minute,
		MaxBatchSize:       100,
	}
}

func signRequest(r *http.Request) {
	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	r.Header.Set(auth.HeaderAPIKey, testAPIKey)
	r.Header.Set(auth.HeaderTimestamp, ts)
	r.Header.Set(auth.HeaderSignature, auth.Sign(testSecret, r.Method, r.URL.Path, r.URL.RawQuery, ts))
}

func withURLParams(r *http.Request, pairs ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(pairs); i += 2 {
		rctx.URLParams.Add(pairs[i], pairs[i+1])
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestRunGatewayStartsAndListens(t *testing.T) {
	t.Setenv("PROCESS_API_KEYS", testAPIKey+":process")
	t.Setenv("PROCESS_SIGNATURE_SECRET", testSecret)

	db := &fakeGatewayDB{}
	var captured *http.Server
	loopsStarted := false

	err := runGateway(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		func(ctx context.Context) (gatewayDBCloser, error) { return db, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error {
			captured = server
			return nil
		},
		func(s *Server) { loopsStarted = true },
	)
	if err != nil {
		t.Fatalf("runGateway failed: %v", err)
	}
	if captured == nil || captured.Addr != ":8080" {
		t.Fatalf("expected default listen address, got %+v", captured)
	}
	if !loopsStarted {
		t.Fatal("expected background loops to start")
	}
	if !db.closed {
		t.Fatal("expected db pool to close on shutdown")
	}
}

func TestRunGatewayPropagatesTelemetryError(t *testing.T) {
	err := runGateway(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return nil, errors.New("exporter unreachable")
		},
		nil, nil, nil, nil,
	)
	if err == nil {
		t.Fatal("expected telemetry error")
	}
}

func TestRunGatewayPropagatesDBError(t *testing.T) {
	err := runGateway(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		func(ctx context.Context) (gatewayDBCloser, error) { return nil, errors.New("connection refused") },
		nil, nil, nil,
	)
	if err == nil {
		t.Fatal("expected db error")
	}
}

func TestHealthEchoesAllowedFileTypes(t *testing.T) {
	s := newTestServer(&fakeGatewayDB{})
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/v1/process-system/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`"pdf"`, `"zip"`, `"status":"ok"`, `"version":"` + serviceVersion + `"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in health body: %s", want, body)
		}
	}
}

func TestClientIPHonorsTrustedProxiesOnly(t *testing.T) {
	s := newTestServer(&fakeGatewayDB{})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:4567"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := s.clientIP(r); got != "10.1.2.3" {
		t.Fatalf("untrusted proxy must not rewrite ip, got %q", got)
	}

	s.TrustedProxyCIDRs = parseCIDRs("10.0.0.0/8")
	if got := s.clientIP(r); got != "203.0.113.7" {
		t.Fatalf("expected forwarded ip, got %q", got)
	}

	r.Header.Del("X-Forwarded-For")
	r.Header.Set("X-Real-IP", "198.51.100.9")
	if got := s.clientIP(r); got != "198.51.100.9" {
		t.Fatalf("expected real-ip fallback, got %q", got)
	}
}

func TestParseCIDRsAcceptsBareIPs(t *testing.T) {
	cidrs := parseCIDRs("10.0.0.0/8, 192.168.1.5, junk, 2001:db8::1")
	if len(cidrs) != 3 {
		t.Fatalf("expected 3 networks, got %d", len(cidrs))
	}
}

func TestWSOriginPatterns(t *testing.T) {
	if got := wsOriginPatterns(""); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
	got := wsOriginPatterns(" https://a.example , https://b.example ,")
	if len(got) != 2 || got[0] != "https://a.example" {
		t.Fatalf("unexpected patterns: %v", got)
	}
}

func TestSplitList(t *testing.T) {
	if got := splitList(" kafka-1:9092 ,, kafka-2:9092 "); len(got) != 2 || got[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers: %v", got)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("GATEWAY_TEST_INT", "7")
	if envInt("GATEWAY_TEST_INT", 1) != 7 {
		t.Fatal("expected env override")
	}
	if envInt("GATEWAY_TEST_MISSING", 3) != 3 {
		t.Fatal("expected default")
	}
	if envDurationSec("GATEWAY_TEST_INT", 1) != 7*time.Second {
		t.Fatal("expected duration from env")
	}
	t.Setenv("GATEWAY_TEST_STR", "value")
	if env("GATEWAY_TEST_STR", "def") != "value" || env("GATEWAY_TEST_NOPE", "def") != "def" {
		t.Fatal("env lookup mismatch")
	}
}
