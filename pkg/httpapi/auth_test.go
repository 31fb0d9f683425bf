package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/txn2/mcp-nlsql/pkg/config"
)

func testAuth() *KeyAuthenticator {
	return NewKeyAuthenticator(config.APIKeysConfig{
		Enabled: true,
		Keys: []config.APIKeyDef{
			{Key: "reader-key", Name: "reader"},
			{Key: "ci-key", Name: "ci"},
		},
	})
}

func TestKeyAuthenticator_Authenticate(t *testing.T) {
	auth := testAuth()

	t.Run("X-API-Key header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", "reader-key")
		caller, err := auth.Authenticate(req)
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if caller == nil || caller.Name != "reader" {
			t.Errorf("caller = %+v, want reader", caller)
		}
	})

	t.Run("Bearer token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer ci-key")
		caller, err := auth.Authenticate(req)
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if caller == nil || caller.Name != "ci" {
			t.Errorf("caller = %+v, want ci", caller)
		}
	})

	t.Run("no credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		caller, err := auth.Authenticate(req)
		if err != nil || caller != nil {
			t.Errorf("caller = %+v, err = %v; want nil, nil", caller, err)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", "reader-ke")
		caller, _ := auth.Authenticate(req)
		if caller != nil {
			t.Errorf("caller = %+v, want nil", caller)
		}
	})
}

func TestRequireKey(t *testing.T) {
	middle := RequireKey(testAuth())
	var gotCaller *Caller
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller = GetCaller(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	t.Run("rejects missing key", func(t *testing.T) {
		rec := httptest.NewRecorder()
		middle(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("rejects invalid key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", "nope")
		rec := httptest.NewRecorder()
		middle(next).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("passes valid key with caller in context", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", "ci-key")
		rec := httptest.NewRecorder()
		middle(next).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if gotCaller == nil || gotCaller.Name != "ci" {
			t.Errorf("caller = %+v, want ci", gotCaller)
		}
	})
}
