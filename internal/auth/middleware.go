package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// KeyAuth validates API keys presented as a bearer token or X-API-Key header.
type KeyAuth struct {
	digests [][sha256.Size]byte
	logger  *slog.Logger
	warn    sync.Once
}

// NewKeyAuth creates a KeyAuth for keys. With no keys every request passes.
func NewKeyAuth(keys []string, logger *slog.Logger) *KeyAuth {
	a := &KeyAuth{logger: logger}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			a.digests = append(a.digests, sha256.Sum256([]byte(k)))
		}
	}
	return a
}

// Enabled reports whether any key is configured.
func (a *KeyAuth) Enabled() bool { return len(a.digests) > 0 }

// Valid reports whether key matches a configured key. Digests have a fixed
// length so the comparison does not leak key length.
func (a *KeyAuth) Valid(key string) bool {
	if key == "" {
		return false
	}
	d := sha256.Sum256([]byte(key))
	match := 0
	for _, want := range a.digests {
		match |= subtle.ConstantTimeCompare(d[:], want[:])
	}
	return match == 1
}

// RequireKey is chi middleware that rejects requests without a valid key.
func (a *KeyAuth) RequireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			a.warn.Do(func() {
				a.logger.Warn("BIASLAB_API_KEYS not set, API authentication disabled")
			})
			next.ServeHTTP(w, r)
			return
		}
		if !a.Valid(keyFromRequest(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="biaslab"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"authentication required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func keyFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
