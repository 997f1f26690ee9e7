package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// CanonicalString is the exact byte sequence both sides sign. Any change to
// method, path, query string or timestamp produces a different signature.
func CanonicalString(method, path, query, timestamp string) string {
	return method + "\n" + path + "\n" + query + "\n" + timestamp
}

// Sign computes the base64 HMAC-SHA256 signature of the canonical string.
func Sign(secret, method, path, query, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(CanonicalString(method, path, query, timestamp)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares the presented signature against the expected one
// in constant time.
func VerifySignature(secret, method, path, query, timestamp, presented string) bool {
	expected := Sign(secret, method, path, query, timestamp)
	return hmac.Equal([]byte(expected), []byte(presented))
}
