// Package auth guards the orchestrator's ops surface. The CRUD tier is the
// only caller, so a single shared internal token is enough; identity and
// role mapping live upstream.
package auth

import (
	"crypto/hmac"
	"net/http"
	"strings"

	"github.com/sylvanlabs/maestro-go/internal/platform/env"
)

const HeaderInternalToken = "X-Internal-Token"

// DenyRecorder observes rejected requests. Satisfied by the audit log.
type DenyRecorder interface {
	RecordDenied(r *http.Request, reason string)
}

type TokenGuard struct {
	token  string
	denied DenyRecorder
}

// NewTokenGuard reads MAESTRO_INTERNAL_TOKEN. An empty token disables the
// guard, intended for local development only.
func NewTokenGuard(denied DenyRecorder) *TokenGuard {
	return &TokenGuard{
		token:  strings.TrimSpace(env.String("MAESTRO_INTERNAL_TOKEN", "")),
		denied: denied,
	}
}

func NewStaticTokenGuard(token string, denied DenyRecorder) *TokenGuard {
	return &TokenGuard{token: strings.TrimSpace(token), denied: denied}
}

func (g *TokenGuard) Enabled() bool { return g != nil && g.token != "" }

// Middleware rejects requests whose token header does not match. Comparison
// is constant-time.
func (g *TokenGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		presented := strings.TrimSpace(r.Header.Get(HeaderInternalToken))
		if presented == "" {
			g.deny(w, r, "missing_token")
			return
		}
		if !hmac.Equal([]byte(presented), []byte(g.token)) {
			g.deny(w, r, "invalid_token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *TokenGuard) deny(w http.ResponseWriter, r *http.Request, reason string) {
	if g.denied != nil {
		g.denied.RecordDenied(r, reason)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
}
