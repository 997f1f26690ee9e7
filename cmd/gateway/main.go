package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"procgate/pkg/audit"
	"procgate/pkg/auth"
	"procgate/pkg/hardening"
	"procgate/pkg/httpx"
	"procgate/pkg/metrics"
	"procgate/pkg/ratelimit"
	"procgate/pkg/statebus"
	"procgate/pkg/store"
	"procgate/pkg/stream"
	"procgate/pkg/submission"
	"procgate/pkg/syncer"
	"procgate/pkg/telemetry"
	"procgate/pkg/validate"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// serviceVersion is echoed by the health endpoints so callers can confirm
// which build they are talking to.
const serviceVersion = "1.0.0"

type Server struct {
	DB                  gatewayDB
	Cache               store.Cache
	Redis               *redis.Client
	Store               *submission.Store
	Validator           *validate.Validator
	Authenticator       *auth.Authenticator
	Syncer              *syncer.Orchestrator
	Audit               *audit.Logger
	Events              *stream.Hub
	Bus                 statebus.Publisher
	Commands            statebus.Consumer
	Metrics             *metrics.Registry
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	SyncLockTTL         time.Duration
	RetryInterval       time.Duration
	RetryBatchSize      int
	RetentionEnabled    bool
	AuditRetentionDays  int
	RecordRetentionDays int
	RetentionInterval   time.Duration
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
	MaxBatchSize        int
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.retryLoop(context.Background())
		go s.sweepLimiterLoop(context.Background())
		go s.metricsLoop(context.Background())
		if s.RetentionEnabled {
			go s.retentionLoop(context.Background())
		}
		if s.Commands != nil {
			go s.consumeSyncCommands(context.Background())
		}
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)
	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	trustedProxyCIDRs := parseCIDRs(env("TRUSTED_PROXY_CIDRS", ""))
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 10<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 10 << 20
	}

	apiKeys := auth.ParseKeys(env("PROCESS_API_KEYS", ""))
	signatureSecret := env("PROCESS_SIGNATURE_SECRET", "")
	authenticator := auth.NewAuthenticator(
		auth.NewStaticKeyStore(apiKeys),
		signatureSecret,
		envDurationSec("PROCESS_TIMESTAMP_VALIDITY_SEC", 300),
	)
	if allowlist := strings.TrimSpace(env("PROCESS_IP_ALLOWLIST", "")); allowlist != "" {
		authenticator.AllowlistEnabled = true
		authenticator.Allowlist = map[string]struct{}{}
		for _, ip := range strings.Split(allowlist, ",") {
			if ip = strings.TrimSpace(ip); ip != "" {
				authenticator.Allowlist[ip] = struct{}{}
			}
		}
	}

	subStore := submission.NewStore(pool)
	if prefix := strings.TrimSpace(env("FILE_URL_PREFIX", "")); prefix != "" {
		subStore.URLPrefix = prefix
	}

	source := syncer.NewHTTPSource(env("MANAGEMENT_BASE_URL", "http://localhost:9090"))
	if header, token := env("MANAGEMENT_AUTH_HEADER", ""), env("MANAGEMENT_AUTH_TOKEN", ""); header != "" && token != "" {
		source.Headers = map[string]string{header: token}
	}
	source.Client = telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("MANAGEMENT_TIMEOUT_MS", 15000)),
	})
	source.Retries = envInt("MANAGEMENT_RETRIES", 2)
	source.RetryDelay = time.Millisecond * time.Duration(envInt("MANAGEMENT_RETRY_DELAY_MS", 500))

	events := stream.NewHub()
	orchestrator := syncer.New(pool, subStore, source)
	orchestrator.Events = events
	orchestrator.Parallelism = envInt("SYNC_PARALLELISM", 4)
	orchestrator.StaleAfter = envDurationSec("SYNC_STALE_AFTER_SEC", 3600)

	var bus statebus.Publisher
	var commands statebus.Consumer
	if brokers := splitList(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		if topic := env("KAFKA_EVENTS_TOPIC", "gateway-events"); topic != "" {
			pub, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{Brokers: brokers, Topic: topic})
			if err != nil {
				return fmt.Errorf("kafka publisher: %w", err)
			}
			bus = pub
			orchestrator.Bus = pub
		}
		if topic := env("KAFKA_SYNC_TOPIC", ""); topic != "" {
			consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
				Brokers: brokers,
				Topic:   topic,
				GroupID: env("KAFKA_GROUP_ID", "procgate-gateway"),
			})
			if err != nil {
				return fmt.Errorf("kafka consumer: %w", err)
			}
			commands = consumer
		}
	}

	s := &Server{
		DB:                  pool,
		Cache:               cache,
		Redis:               redisClient,
		Store:               subStore,
		Validator:           validate.New(),
		Authenticator:       authenticator,
		Syncer:              orchestrator,
		Audit:               audit.NewLogger(pool, envInt("AUDIT_QUEUE_SIZE", 1024), envInt("AUDIT_WORKERS", 2)),
		Events:              events,
		Bus:                 bus,
		Commands:            commands,
		Metrics:             metrics.NewRegistry(),
		RateLimitEnabled:    rateLimitEnabled,
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 100),
		RateLimitWindow:     rateLimitWindow,
		SyncLockTTL:         envDurationSec("SYNC_LOCK_TTL_SEC", 120),
		RetryInterval:       envDurationSec("SYNC_RETRY_INTERVAL_SEC", 60),
		RetryBatchSize:      envInt("SYNC_RETRY_BATCH", 20),
		RetentionEnabled:    env("RETENTION_ENABLED", "false") == "true",
		AuditRetentionDays:  envInt("AUDIT_RETENTION_DAYS", 90),
		RecordRetentionDays: envInt("SYNC_RECORD_RETENTION_DAYS", 180),
		RetentionInterval:   envDurationSec("RETENTION_INTERVAL_SEC", 3600),
		TrustedProxyCIDRs:   trustedProxyCIDRs,
		MaxRequestBodyBytes: maxRequestBodyBytes,
		MaxBatchSize:        envInt("MAX_BATCH_SIZE", 100),
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "PROCESS_SIGNATURE_SECRET", Value: signatureSecret},
			{Name: "PROCESS_API_KEYS", Value: env("PROCESS_API_KEYS", "")},
		},
	}); err != nil {
		return err
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway", "version": serviceVersion})
	})

	api := chi.NewRouter()
	api.Get("/health", s.handleHealth)
	api.Post("/submissions", s.secured(s.handleStoreSubmission))
	api.Post("/submissions/batch", s.secured(s.handleStoreBatch))
	api.Get("/submissions", s.secured(s.handleQuerySubmissions))
	api.Get("/submissions/{submission_id}", s.secured(s.handleSubmissionDetail))
	api.Get("/submissions/{submission_id}/files", s.secured(s.handleSubmissionFiles))
	api.Get("/applications/{application_id}/submissions", s.secured(s.handleApplicationSubmissions))
	api.Get("/applications/{application_id}/submissions/stage/{stage}", s.secured(s.handleApplicationStage))
	api.Get("/applications/{application_id}/rounds", s.secured(s.handleRoundHistory))
	api.Get("/applications/{application_id}/history", s.secured(s.handleFullHistory))
	api.Get("/applications/{application_id}/versions", s.secured(s.handleVersionHistory))
	api.Get("/applications/{application_id}/submissions/{submission_type}/{submission_stage}/rounds",
		s.secured(s.handleRoundHistory))
	api.Get("/applications/{application_id}/submissions/{submission_type}/{submission_stage}/history",
		s.secured(s.handleFullHistory))
	api.Get("/applications/{application_id}/submissions/{submission_type}/{submission_stage}/rounds/{round}/versions",
		s.secured(s.handleVersionHistory))
	api.Get("/applications/{application_id}/sync-status", s.secured(s.handleSyncStatus))
	api.Get("/files", s.secured(s.handleListFiles))
	api.Get("/files/{file_id}", s.secured(s.handleFileDetail))
	api.Patch("/files/{file_id}/status", s.secured(s.handleFileStatus))
	api.Get("/files/{file_id}/download-url", s.secured(s.handleDownloadURL))
	api.Post("/files/batch-download-urls", s.secured(s.handleBatchDownloadURLs))
	api.Post("/sync", s.secured(s.handleSync))
	api.Post("/sync/batch", s.secured(s.handleSyncBatch))
	api.Post("/sync/retry", s.secured(s.handleSyncRetry))
	api.Get("/sync/records", s.secured(s.handleSyncRecords))
	api.Get("/sync/records/{sync_id}", s.secured(s.handleSyncRecord))
	api.Get("/sync/report", s.secured(s.handleSyncReport))
	api.Get("/sync/stream", s.streamEvents)
	api.Get("/audit/recent", s.secured(s.handleAuditRecent))
	api.Get("/metrics", s.secured(s.Metrics.Handler()))
	api.Get("/metrics/prometheus", s.secured(s.Metrics.PrometheusHandler()))
	r.Mount("/api/v1/process-system", api)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]any{
		"status":             "ok",
		"service":            "gateway",
		"version":            serviceVersion,
		"allowed_file_types": s.Validator.AllowedTypes(),
	})
}

func (s *Server) retryLoop(ctx context.Context) {
	interval := s.RetryInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Syncer.RetryFailed(ctx, s.RetryBatchSize)
			if err != nil {
				log.Printf("sync retry sweep: %v", err)
				s.Audit.LogOperation("SYNC_RETRY_SWEEP", err.Error(), false)
				continue
			}
			if n > 0 {
				log.Printf("sync retry sweep: retried %d records", n)
				s.Audit.LogOperation("SYNC_RETRY_SWEEP", fmt.Sprintf("retried %d records", n), true)
			}
		}
	}
}

func (s *Server) sweepLimiterLoop(ctx context.Context) {
	sweeper, ok := s.RateLimiter.(interface{ Sweep(idle time.Duration) int })
	if !ok {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweeper.Sweep(ratelimit.DefaultSweepIdle)
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
			s.Metrics.SetGauge("stream_dropped_events", float64(s.Events.Dropped()))
			s.Metrics.SetGauge("audit_dropped_entries", float64(s.Audit.Dropped()))
		}
	}
}

func (s *Server) retentionLoop(ctx context.Context) {
	interval := s.RetentionInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Audit.Purge(ctx, time.Duration(s.AuditRetentionDays)*24*time.Hour); err != nil {
				log.Printf("audit purge: %v", err)
				s.Audit.LogOperation("AUDIT_PURGE", err.Error(), false)
			} else if n > 0 {
				log.Printf("audit purge: removed %d entries", n)
				s.Audit.LogOperation("AUDIT_PURGE", fmt.Sprintf("removed %d entries", n), true)
			}
			if n, err := s.Syncer.CleanupExpired(ctx, time.Duration(s.RecordRetentionDays)*24*time.Hour); err != nil {
				log.Printf("sync record cleanup: %v", err)
				s.Audit.LogOperation("SYNC_RECORD_CLEANUP", err.Error(), false)
			} else if n > 0 {
				log.Printf("sync record cleanup: removed %d records", n)
				s.Audit.LogOperation("SYNC_RECORD_CLEANUP", fmt.Sprintf("removed %d records", n), true)
			}
		}
	}
}

// consumeSyncCommands drains the inbound command topic. Each message is a
// small JSON body naming the application to synchronize; malformed messages are
// logged and skipped so one bad producer cannot wedge the loop.
func (s *Server) consumeSyncCommands(ctx context.Context) {
	for {
		msg, err := s.Commands.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("sync command read: %v", err)
			time.Sleep(time.Second)
			continue
		}
		var cmd struct {
			ApplicationID int64  `json:"application_id"`
			Force         bool   `json:"force"`
			OperatorID    string `json:"operator_id"`
			OperatorName  string `json:"operator_name"`
		}
		if err := json.Unmarshal(msg.Value, &cmd); err != nil || cmd.ApplicationID <= 0 {
			log.Printf("sync command skipped: key=%s err=%v", string(msg.Key), err)
			continue
		}
		rec, err := s.Syncer.SyncOne(ctx, cmd.ApplicationID, syncer.Options{
			Force:        cmd.Force,
			OperatorID:   cmd.OperatorID,
			OperatorName: cmd.OperatorName,
			Remark:       "command topic",
		})
		if err != nil {
			log.Printf("sync command application=%d: %v", cmd.ApplicationID, err)
			continue
		}
		s.Metrics.IncSyncStatus(rec.SyncStatus)
	}
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				candidate := parseIP(strings.TrimSpace(parts[0]))
				if candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
