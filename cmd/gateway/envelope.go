package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"procgate/pkg/audit"
	"procgate/pkg/auth"
	"procgate/pkg/httpx"
	"procgate/pkg/models"

	"github.com/google/uuid"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	if s.Metrics != nil && code != "" {
		s.Metrics.IncReason(code)
	}
	httpx.WriteJSON(w, status, errorBody{Error: msg, Code: code})
}

// bodyRecorder captures the response for the audit trail. Only the first
// MaxBodyLen bytes are kept; the client still receives the full response.
type bodyRecorder struct {
	http.ResponseWriter
	code int
	body bytes.Buffer
}

func (b *bodyRecorder) WriteHeader(statusCode int) {
	b.code = statusCode
	b.ResponseWriter.WriteHeader(statusCode)
}

func (b *bodyRecorder) Write(p []byte) (int, error) {
	if b.body.Len() < audit.MaxBodyLen {
		remain := audit.MaxBodyLen - b.body.Len()
		if remain > len(p) {
			remain = len(p)
		}
		b.body.Write(p[:remain])
	}
	return b.ResponseWriter.Write(p)
}

// secured wraps a handler with the full request envelope: rate limiting,
// credential and signature checks, and an audit record for every request
// whether it was served or rejected.
func (s *Server) secured(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ip := s.clientIP(r)
		apiKey := strings.TrimSpace(r.Header.Get(auth.HeaderAPIKey))

		entry := audit.Entry{
			RequestID:     requestID,
			APIKeyMasked:  auth.MaskCredential(apiKey),
			OperationType: audit.OperationType(r.Method, r.URL.Path),
			Method:        r.Method,
			Path:          r.URL.Path,
			ClientIP:      ip,
			UserAgent:     r.UserAgent(),
		}
		if hdrs, err := json.Marshal(audit.SanitizeHeaders(r.Header)); err == nil {
			entry.Headers = audit.Truncate(string(hdrs))
		}

		if s.RateLimitEnabled && s.RateLimiter != nil {
			key := apiKey
			if key == "" {
				key = ip
			}
			decision := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(decision.ResetSeconds(time.Now().UTC())))
			if !decision.Allowed {
				s.Metrics.IncRateLimited()
				s.finishAudit(entry, http.StatusTooManyRequests, "rate limit exceeded", start)
				s.writeError(w, http.StatusTooManyRequests, models.CodeRateLimited, "rate limit exceeded")
				return
			}
		}

		if _, aerr := s.Authenticator.Authenticate(r, ip); aerr != nil {
			s.finishAudit(entry, aerr.Status, aerr.Message, start)
			s.writeError(w, aerr.Status, aerr.Code, aerr.Message)
			return
		}

		var reqBody []byte
		if r.Body != nil && r.Method != http.MethodGet {
			body, ok := readRequestBody(w, r)
			if !ok {
				s.finishAudit(entry, http.StatusRequestEntityTooLarge, "request body too large", start)
				return
			}
			reqBody = body
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		entry.RequestBody = audit.Truncate(string(reqBody))

		rec := &bodyRecorder{ResponseWriter: w, code: 200}
		h(rec, r)

		entry.StatusCode = rec.code
		entry.ResponseBody = audit.Truncate(rec.body.String())
		entry.Duration = time.Since(start)
		entry.Result = audit.Result(rec.code)
		s.Audit.Record(entry)
	}
}

func (s *Server) finishAudit(entry audit.Entry, status int, errMsg string, start time.Time) {
	entry.StatusCode = status
	entry.Duration = time.Since(start)
	entry.Result = audit.Result(status)
	entry.ErrorMessage = errMsg
	s.Audit.Record(entry)
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	entries, err := s.Audit.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "audit lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"entries": entries, "count": len(entries)})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := strings.TrimSpace(r.URL.Query().Get(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
