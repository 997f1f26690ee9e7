package auth

import "strings"

// Credential is a resolved API key: the opaque key plus the caller name it
// maps to. The name is used for audit display only.
type Credential struct {
	Key  string
	Name string
}

type KeyStore interface {
	Lookup(key string) (Credential, bool)
}

// StaticKeyStore resolves keys from a fixed table loaded at startup.
type StaticKeyStore struct {
	keys map[string]string
}

func NewStaticKeyStore(keys map[string]string) *StaticKeyStore {
	table := make(map[string]string, len(keys))
	for k, name := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		table[k] = strings.TrimSpace(name)
	}
	return &StaticKeyStore{keys: table}
}

func (s *StaticKeyStore) Lookup(key string) (Credential, bool) {
	name, ok := s.keys[key]
	if !ok {
		return Credential{}, false
	}
	return Credential{Key: key, Name: name}, true
}

func (s *StaticKeyStore) Len() int { return len(s.keys) }

// ParseKeys reads "key:name" pairs from a comma-separated env value.
// Pairs without a name keep the key as the display name.
func ParseKeys(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		pair := strings.TrimSpace(part)
		if pair == "" {
			continue
		}
		key, name, found := strings.Cut(pair, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if !found || strings.TrimSpace(name) == "" {
			name = key
		}
		out[key] = strings.TrimSpace(name)
	}
	return out
}
