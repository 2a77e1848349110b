// Package auth carries the caller identity for protected operations.
// Requests authenticate with a static API key; tenant and scope set travel
// as headers and are checked again at the service layer.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/mcsuite/mcs-orchestrator/internal/config"
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/httputil"
)

// ScopeManualReview gates manual-review decision submission.
const ScopeManualReview = "mcs:sales_email:manual_review"

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject  string   `json:"subject,omitempty"`
	TenantID string   `json:"tenant_id,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// HasScope reports whether the principal carries the given scope.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type ctxKey struct{}

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the request principal, or nil when the request was
// not authenticated.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKey{}).(*Principal)
	return p
}

// Middleware authenticates requests against the configured API key and
// attaches the resulting principal. An empty configured key disables the
// key check; the principal then carries whatever the headers declare.
func Middleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(cfg.AllowedTenants))
	for _, t := range cfg.AllowedTenants {
		if t = strings.TrimSpace(t); t != "" {
			allowed[t] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearerToken(r)
			if cfg.APIKey != "" &&
				subtle.ConstantTimeCompare([]byte(key), []byte(cfg.APIKey)) != 1 {
				httputil.ErrorCoded(w, http.StatusUnauthorized,
					"PERMISSION_DENIED", "invalid or missing API key")
				return
			}

			tenant := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
			if len(allowed) > 0 && tenant != "" {
				if _, ok := allowed[tenant]; !ok {
					httputil.ErrorCoded(w, http.StatusForbidden,
						"PERMISSION_DENIED", fmt.Sprintf("tenant %q is not allowed", tenant))
					return
				}
			}

			p := &Principal{
				TenantID: tenant,
				Scopes:   splitScopes(r.Header.Get("X-Scopes")),
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.Header.Get("X-API-Key")
}

func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
