package auth

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"procgate/pkg/models"
)

// Request headers carrying the security envelope.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// Error is an authentication failure with a stable reason code and the HTTP
// status the gateway should answer with. Authentication failures are never
// retried automatically by the server.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

var suspiciousPattern = regexp.MustCompile(`(?i)(script|javascript|vbscript|onload|onerror|eval|alert|confirm|prompt|document\.|window\.)`)

// Authenticator validates the security envelope on every non-health request:
// known API key, HMAC signature over the canonical string, timestamp
// freshness, optional source allowlist, and a heuristic payload filter.
type Authenticator struct {
	Keys             KeyStore
	Secret           string
	Validity         time.Duration
	AllowlistEnabled bool
	Allowlist        map[string]struct{}
	Now              func() time.Time
}

func NewAuthenticator(keys KeyStore, secret string, validity time.Duration) *Authenticator {
	if validity <= 0 {
		validity = 300 * time.Second
	}
	return &Authenticator{Keys: keys, Secret: secret, Validity: validity}
}

// Authenticate runs all envelope checks in order, short-circuiting on the
// first failure. clientIP is the already-resolved source address.
func (a *Authenticator) Authenticate(r *http.Request, clientIP string) (Credential, *Error) {
	key := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	cred, ok := Credential{}, false
	if a.Keys != nil && key != "" {
		cred, ok = a.Keys.Lookup(key)
	}
	if !ok {
		return Credential{}, &Error{Code: models.CodeInvalidCredential, Status: http.StatusUnauthorized, Message: "unknown api key"}
	}

	signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if signature == "" || timestamp == "" {
		return Credential{}, &Error{Code: models.CodeMissingSignature, Status: http.StatusUnauthorized, Message: "signature and timestamp headers required"}
	}
	if !VerifySignature(a.Secret, r.Method, r.URL.Path, r.URL.RawQuery, timestamp, signature) {
		return Credential{}, &Error{Code: models.CodeInvalidSignature, Status: http.StatusUnauthorized, Message: "signature mismatch"}
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return Credential{}, &Error{Code: models.CodeStaleTimestamp, Status: http.StatusUnauthorized, Message: "timestamp must be epoch seconds"}
	}
	now := time.Now().UTC()
	if a.Now != nil {
		now = a.Now()
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	// The boundary value is still fresh.
	if time.Duration(skew)*time.Second > a.Validity {
		return Credential{}, &Error{Code: models.CodeStaleTimestamp, Status: http.StatusUnauthorized, Message: "timestamp outside validity window"}
	}

	if a.AllowlistEnabled {
		if _, ok := a.Allowlist[clientIP]; !ok {
			return Credential{}, &Error{Code: models.CodeAddressNotAllowed, Status: http.StatusForbidden, Message: "source address not allowed"}
		}
	}

	if IsSuspicious(r) {
		return Credential{}, &Error{Code: models.CodeSuspiciousRequest, Status: http.StatusForbidden, Message: "request rejected by security policy"}
	}
	return cred, nil
}

// IsSuspicious flags script/eval-like payloads in the query string, user
// agent or referer. Defense in depth, not a substitute for input validation.
func IsSuspicious(r *http.Request) bool {
	for _, v := range []string{r.URL.RawQuery, r.Header.Get("User-Agent"), r.Header.Get("Referer")} {
		if v != "" && suspiciousPattern.MatchString(v) {
			return true
		}
	}
	return false
}

// MaskCredential keeps the first and last four characters of an API key for
// audit display. Short keys are fully masked.
func MaskCredential(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
