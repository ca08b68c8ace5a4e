package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/veriscope/veriscope/internal/storage"
)

// keyStore resolves hashes from a fixed map; nil entries are misses.
type keyStore struct {
	identities map[string]*storage.Identity
	err        error
}

func (k *keyStore) LookupAPIKey(_ context.Context, keyHash string) (*storage.Identity, error) {
	return k.identities[keyHash], k.err
}

// protectedEcho wraps a handler that echoes the authenticated identity.
func protectedEcho(keys KeyLookup, cfg AuthConfig) http.Handler {
	return APIKeyAuth(keys, cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			http.Error(w, "no identity", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(id)
	}))
}

func TestAuthAcceptsBearerKey(t *testing.T) {
	pepper := "pepper"
	keys := &keyStore{identities: map[string]*storage.Identity{
		HashAPIKey(pepper, "k-123"): {TenantID: "t1", UserID: "u1"},
	}}
	h := protectedEcho(keys, AuthConfig{Pepper: pepper})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/signals", nil)
	req.Header.Set("Authorization", "Bearer k-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var id storage.Identity
	_ = json.NewDecoder(rec.Body).Decode(&id)
	if id.TenantID != "t1" || id.UserID != "u1" {
		t.Errorf("identity = %+v", id)
	}
}

func TestAuthAcceptsXAPIKeyHeader(t *testing.T) {
	keys := &keyStore{identities: map[string]*storage.Identity{
		HashAPIKey("", "k-123"): {TenantID: "t1", UserID: "u1"},
	}}
	h := protectedEcho(keys, AuthConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/signals", nil)
	req.Header.Set("X-API-Key", "k-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthRejectsMissingKey(t *testing.T) {
	h := protectedEcho(&keyStore{}, AuthConfig{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/signals", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("401 body is not JSON: %v", err)
	}
	if body["error"] == "" {
		t.Error("401 body missing error field")
	}
}

func TestAuthRejectsUnknownKey(t *testing.T) {
	h := protectedEcho(&keyStore{}, AuthConfig{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/signals", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthRejectsMalformedAuthorization(t *testing.T) {
	h := protectedEcho(&keyStore{}, AuthConfig{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/signals", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthOverrideCredential(t *testing.T) {
	// Lookup must not be consulted for the override key.
	keys := &keyStore{}
	h := protectedEcho(keys, AuthConfig{OverrideKey: "ops-key", OverrideUser: "ops"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/signals", nil)
	req.Header.Set("X-API-Key", "ops-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var id storage.Identity
	_ = json.NewDecoder(rec.Body).Decode(&id)
	if id.TenantID != defaultTenant || id.UserID != "ops" {
		t.Errorf("identity = %+v", id)
	}
}

func TestAuthRevokedKeyIsMiss(t *testing.T) {
	// LookupAPIKey models revocation as (nil, nil).
	keys := &keyStore{identities: map[string]*storage.Identity{}}
	h := protectedEcho(keys, AuthConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/signals", nil)
	req.Header.Set("Authorization", "Bearer revoked")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHashAPIKeyDeterministic(t *testing.T) {
	a := HashAPIKey("pepper", "key")
	b := HashAPIKey("pepper", "key")
	if a != b {
		t.Fatal("hash is not deterministic")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
	if HashAPIKey("other", "key") == a {
		t.Error("pepper does not participate in the hash")
	}
}
