package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/curalog/vocalis/internal/store"
)

// apiKeyHeader carries the client credential. Only its SHA-256 hash is ever
// compared or stored.
const apiKeyHeader = "X-API-Key"

type contextKey int

const apiKeyContextKey contextKey = iota

// HashKey returns the hex SHA-256 digest of raw key material, the form keys
// are stored in.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// keyFromContext returns the authenticated key. Handlers behind authenticate
// can rely on it being present.
func keyFromContext(ctx context.Context) *store.APIKey {
	key, _ := ctx.Value(apiKeyContextKey).(*store.APIKey)
	return key
}

// authenticate resolves the X-API-Key header to an active stored key and
// attaches it to the request context. Missing or unknown keys get 401.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(apiKeyHeader)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		key, err := s.keys.GetByHash(r.Context(), HashKey(raw))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		if err != nil {
			s.logger.Error("key lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminOnly rejects non-admin keys with 403. Must run after authenticate.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFromContext(r.Context())
		if key == nil || !key.IsAdmin {
			writeError(w, http.StatusForbidden, "admin privileges required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
