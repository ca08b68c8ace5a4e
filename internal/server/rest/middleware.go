// Package rest provides the HTTP API for signals, alert deliveries, and
// subscription management. This file implements API-key authentication.
//
// Clients present a key either as `Authorization: Bearer <key>` or in the
// `X-API-Key` header. Keys are never stored in clear: the middleware hashes
// SHA-256(pepper + key) and looks the hex digest up in the api_keys table,
// which also enforces revocation. An operator override pair
// (ALERTS_API_KEY / ALERTS_USER_ID) is accepted without a database lookup so
// the system stays operable when the key table is empty.
//
// On any failure the response is HTTP 401 with a JSON body {"error": ...};
// the next handler is never called.
package rest

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/veriscope/veriscope/internal/storage"
)

// contextKey is an unexported type for this package's context keys.
type contextKey int

const identityKey contextKey = 0

// defaultTenant is the tenant assigned to the operator override identity.
const defaultTenant = "default"

// AuthConfig holds the configuration for APIKeyAuth.
type AuthConfig struct {
	// Pepper is prepended to the presented key before hashing.
	Pepper string

	// OverrideKey and OverrideUser, when both non-empty, form a static
	// credential accepted without a database lookup.
	OverrideKey  string
	OverrideUser string

	// Logger records authentication failures. When nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// KeyLookup is the storage dependency of the auth middleware.
type KeyLookup interface {
	LookupAPIKey(ctx context.Context, keyHash string) (*storage.Identity, error)
}

// IdentityFromContext retrieves the authenticated identity injected by
// APIKeyAuth. The bool is false on unauthenticated requests (middleware not
// in the chain).
func IdentityFromContext(ctx context.Context) (*storage.Identity, bool) {
	id, ok := ctx.Value(identityKey).(*storage.Identity)
	return id, ok
}

// HashAPIKey returns the hex SHA-256 digest of pepper+key, the format stored
// in api_keys.key_hash.
func HashAPIKey(pepper, key string) string {
	sum := sha256.Sum256([]byte(pepper + key))
	return hex.EncodeToString(sum[:])
}

// APIKeyAuth returns a chi-compatible middleware enforcing API-key
// authentication against store.
func APIKeyAuth(store KeyLookup, cfg AuthConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractKey(r)
			if key == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing API key")
				return
			}

			if cfg.OverrideKey != "" &&
				subtle.ConstantTimeCompare([]byte(key), []byte(cfg.OverrideKey)) == 1 {
				id := &storage.Identity{TenantID: defaultTenant, UserID: cfg.OverrideUser}
				next.ServeHTTP(w, r.WithContext(
					context.WithValue(r.Context(), identityKey, id)))
				return
			}

			id, err := store.LookupAPIKey(r.Context(), HashAPIKey(cfg.Pepper, key))
			if err != nil {
				logger.Error("api key lookup failed", "path", r.URL.Path, "err", err)
				writeJSONError(w, http.StatusInternalServerError, "authentication unavailable")
				return
			}
			if id == nil {
				logger.Warn("api key rejected",
					"path", r.URL.Path, "remote_addr", r.RemoteAddr)
				writeJSONError(w, http.StatusUnauthorized, "invalid API key")
				return
			}

			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), identityKey, id)))
		})
	}
}

// extractKey pulls the API key from the Authorization or X-API-Key header.
// Authorization wins when both are present.
func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return ""
	}
	return r.Header.Get("X-API-Key")
}

// writeJSONError writes an HTTP error response with a JSON body. The
// Content-Type header is set before the status code so it survives early
// flushes.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, detail)
}
