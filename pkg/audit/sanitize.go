package audit

import (
	"net/http"
	"strings"
)

// MaxBodyLen is the stored ceiling for request and response bodies.
const MaxBodyLen = 5000

const truncationMarker = "...[truncated]"

// sensitiveHeaderParts flags headers that must never reach the log table.
var sensitiveHeaderParts = []string{"authorization", "cookie", "token", "password", "secret", "api-key", "signature"}

// Operation types recorded for known routes.
const (
	OpStoreSubmission     = "STORE_SUBMISSION"
	OpQuerySubmissions    = "QUERY_SUBMISSIONS"
	OpGetSubmissionDetail = "GET_SUBMISSION_DETAIL"
	OpDownloadFile        = "DOWNLOAD_FILE"
	OpSyncData            = "SYNC_DATA"
)

// Truncate caps a stored body at MaxBodyLen runes, marking the cut.
func Truncate(body string) string {
	runes := []rune(body)
	if len(runes) <= MaxBodyLen {
		return body
	}
	return string(runes[:MaxBodyLen]) + truncationMarker
}

// SanitizeHeaders copies headers, dropping any whose name contains a
// sensitive fragment.
func SanitizeHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		skip := false
		for _, part := range sensitiveHeaderParts {
			if strings.Contains(lower, part) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}

// OperationType derives the logged operation from the request shape.
// Unknown routes fall back to "<METHOD>_REQUEST".
func OperationType(method, path string) string {
	p := strings.ToLower(path)
	switch {
	case method == http.MethodPost && strings.Contains(p, "/sync"):
		return OpSyncData
	case method == http.MethodPost && strings.Contains(p, "/submissions"):
		return OpStoreSubmission
	case method == http.MethodGet && strings.Contains(p, "/download"):
		return OpDownloadFile
	case method == http.MethodGet && strings.Contains(p, "/submissions/"):
		return OpGetSubmissionDetail
	case method == http.MethodGet && strings.Contains(p, "/submissions"):
		return OpQuerySubmissions
	default:
		return strings.ToUpper(method) + "_REQUEST"
	}
}

// Result classifies an HTTP status for the log row.
func Result(status int) string {
	if status >= 200 && status < 300 {
		return "success"
	}
	return "failed"
}
