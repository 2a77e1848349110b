package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcsuite/mcs-orchestrator/internal/config"
)

func protected(t *testing.T, cfg config.AuthConfig) (http.Handler, *Principal) {
	t.Helper()
	seen := &Principal{}
	h := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := FromContext(r.Context()); p != nil {
			*seen = *p
		}
		w.WriteHeader(http.StatusOK)
	}))
	return h, seen
}

func TestMiddlewareRejectsBadKey(t *testing.T) {
	h, _ := protected(t, config.AuthConfig{APIKey: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/v1/x", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "PERMISSION_DENIED")
}

func TestMiddlewareAcceptsBearerAndHeaders(t *testing.T) {
	h, seen := protected(t, config.AuthConfig{APIKey: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/v1/x", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Tenant-ID", "tenant-1")
	req.Header.Set("X-Scopes", "mcs:sales_email:manual_review, other:scope")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenant-1", seen.TenantID)
	assert.True(t, seen.HasScope(ScopeManualReview))
	assert.True(t, seen.HasScope("other:scope"))
	assert.False(t, seen.HasScope("missing"))
}

func TestMiddlewareAcceptsAPIKeyHeader(t *testing.T) {
	h, _ := protected(t, config.AuthConfig{APIKey: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/v1/x", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareTenantAllowList(t *testing.T) {
	cfg := config.AuthConfig{AllowedTenants: []string{"tenant-1"}}
	h, _ := protected(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/x", nil)
	req.Header.Set("X-Tenant-ID", "tenant-2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMiddlewareOpenWhenNoKeyConfigured(t *testing.T) {
	h, seen := protected(t, config.AuthConfig{})

	req := httptest.NewRequest(http.MethodPost, "/v1/x", nil)
	req.Header.Set("X-Tenant-ID", "tenant-9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenant-9", seen.TenantID)
}

func TestHasScopeNilPrincipal(t *testing.T) {
	var p *Principal
	assert.False(t, p.HasScope(ScopeManualReview))
}
