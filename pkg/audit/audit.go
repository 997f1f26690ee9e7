package audit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Entry is one API call record. Credentials arrive pre-masked and bodies
// pre-truncated; the logger never sees raw secrets.
type Entry struct {
	RequestID     string
	APIKeyMasked  string
	OperationType string
	Method        string
	Path          string
	RequestBody   string
	Headers       string
	StatusCode    int
	ResponseBody  string
	ClientIP      string
	UserAgent     string
	Duration      time.Duration
	Result        string
	ErrorMessage  string
	CreatedAt     time.Time
}

// Logger persists API call records off the request path. Record never
// blocks: when the queue is full the entry is dropped and counted.
type Logger struct {
	DB      auditDB
	Logf    func(format string, args ...any)
	Now     func() time.Time
	queue   chan Entry
	wg      sync.WaitGroup
	once    sync.Once
	closed  chan struct{}
	dropped atomic.Int64
}

func NewLogger(db auditDB, queueSize, workers int) *Logger {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 2
	}
	l := &Logger{
		DB:     db,
		Logf:   log.Printf,
		Now:    func() time.Time { return time.Now().UTC() },
		queue:  make(chan Entry, queueSize),
		closed: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		l.wg.Add(1)
		go l.drain()
	}
	return l
}

// Record enqueues one entry. Never blocks the caller.
func (l *Logger) Record(e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.Now()
	}
	select {
	case <-l.closed:
		l.dropped.Add(1)
	default:
		select {
		case l.queue <- e:
		default:
			l.dropped.Add(1)
		}
	}
}

// LogOperation records an internal operation (retention run, retry sweep)
// through the same queue as request entries.
func (l *Logger) LogOperation(op, details string, ok bool) {
	result := "success"
	if !ok {
		result = "failed"
	}
	l.Record(Entry{
		RequestID:     uuid.NewString(),
		OperationType: op,
		RequestBody:   Truncate(details),
		Result:        result,
	})
}

// Dropped reports how many entries were discarded because the queue was
// full or the logger was closed.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close stops intake, flushes the queue, and waits for the workers.
func (l *Logger) Close() {
	l.once.Do(func() {
		close(l.closed)
		close(l.queue)
	})
	l.wg.Wait()
}

func (l *Logger) drain() {
	defer l.wg.Done()
	for e := range l.queue {
		if err := l.persist(context.Background(), e); err != nil {
			l.logf("audit: persist failed request_id=%s: %v", e.RequestID, err)
		}
	}
}

func (l *Logger) persist(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := l.DB.Exec(ctx, `
		INSERT INTO process_api_logs (
			request_id, api_key, operation_type, request_method, request_url,
			request_params, response_status, response_body, client_ip, user_agent,
			duration_ms, result, error_message, created_at, request_headers
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		e.RequestID, e.APIKeyMasked, e.OperationType, e.Method, e.Path,
		e.RequestBody, e.StatusCode, e.ResponseBody, e.ClientIP, e.UserAgent,
		e.Duration.Milliseconds(), e.Result, e.ErrorMessage, e.CreatedAt, e.Headers)
	if err != nil {
		return fmt.Errorf("insert api log: %w", err)
	}
	return nil
}

// Purge removes log rows older than the retention horizon.
func (l *Logger) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	tag, err := l.DB.Exec(ctx,
		`DELETE FROM process_api_logs WHERE created_at < $1`,
		l.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge api logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Recent returns the newest log entries, for the operational report surface.
func (l *Logger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.DB.Query(ctx, `
		SELECT request_id, api_key, operation_type, request_method, request_url,
			request_params, response_status, response_body, client_ip, user_agent,
			duration_ms, result, error_message, created_at, request_headers
		FROM process_api_logs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query api logs: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var durationMS int64
		if err := rows.Scan(
			&e.RequestID, &e.APIKeyMasked, &e.OperationType, &e.Method, &e.Path,
			&e.RequestBody, &e.StatusCode, &e.ResponseBody, &e.ClientIP, &e.UserAgent,
			&durationMS, &e.Result, &e.ErrorMessage, &e.CreatedAt, &e.Headers,
		); err != nil {
			return nil, fmt.Errorf("scan api log: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api logs: %w", err)
	}
	return out, nil
}

func (l *Logger) logf(format string, args ...any) {
	if l.Logf != nil {
		l.Logf(format, args...)
	}
}
