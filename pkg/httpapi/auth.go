package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/txn2/mcp-nlsql/pkg/config"
)

// contextKey is a private type for context keys in this package.
type contextKey string

const callerKey contextKey = "caller"

// Caller identifies the authenticated API key.
type Caller struct {
	Name string
}

// GetCaller returns the Caller from context, or nil if not set.
func GetCaller(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey).(*Caller)
	return c
}

// KeyAuthenticator validates requests against configured API keys.
type KeyAuthenticator struct {
	keys []config.APIKeyDef
}

// NewKeyAuthenticator creates an authenticator over the configured keys.
func NewKeyAuthenticator(cfg config.APIKeysConfig) *KeyAuthenticator {
	return &KeyAuthenticator{keys: cfg.Keys}
}

// Authenticate checks the X-API-Key or Authorization header. A nil Caller
// with nil error means no valid credentials were presented.
func (a *KeyAuthenticator) Authenticate(r *http.Request) (*Caller, error) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		auth := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			key = token
		}
	}
	if key == "" {
		return nil, nil //nolint:nilnil // nil caller with nil error means no credentials provided
	}

	// Constant-time comparison against every configured key.
	var matched *config.APIKeyDef
	for i := range a.keys {
		if subtle.ConstantTimeCompare([]byte(a.keys[i].Key), []byte(key)) == 1 {
			matched = &a.keys[i]
		}
	}
	if matched == nil {
		return nil, nil //nolint:nilnil // invalid key (unauthenticated)
	}
	return &Caller{Name: matched.Name}, nil
}

// RequireKey creates middleware that enforces API key authentication.
func RequireKey(auth *KeyAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := auth.Authenticate(r)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "authentication error")
				return
			}
			if caller == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			ctx := context.WithValue(r.Context(), callerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
