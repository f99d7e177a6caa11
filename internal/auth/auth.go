// Package auth implements the single static-bearer-key check spec §1's
// Non-goals leave in place of the teacher's multi-user API-key/session
// store: one key, constant-time compared, or "none" to disable checking.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/relaydev/antigravity-proxy/internal/config"
)

type contextKey string

const authedKey contextKey = "authed"

// Middleware validates the configured API key against the Authorization/
// x-api-key header, or passes every request through when AuthMode is "none".
type Middleware struct {
	mode string
	key  string
}

func NewMiddleware(cfg *config.Config) *Middleware {
	return &Middleware{mode: cfg.AuthMode, key: cfg.StaticToken}
}

func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	if m.mode == "none" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(m.key)) != 1 {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing or invalid API key")
			return
		}
		ctx := context.WithValue(r.Context(), authedKey, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":%q,"message":%q}}`, errType, msg)
}
