package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-auth-api/internal/models"
	"github.com/noah-isme/session-auth-api/internal/service"
)

func newProtectedRouter(t *testing.T) (*gin.Engine, *service.TokenSigner, *service.MetricsService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := service.SignerConfig{Issuer: "iss", Audience: "aud", SigningKey: "middleware-test-key", Lifetime: time.Minute}
	signer, err := service.NewTokenSigner(cfg, nil)
	require.NoError(t, err)
	metrics := service.NewMetricsService()

	r := gin.New()
	r.Use(Metrics(metrics))
	protected := r.Group("/", JWT(service.NewTokenVerifier(cfg)))
	protected.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, ClaimsFromContext(c).Subject)
	})
	protected.DELETE("/users/:id", RBAC(models.RoleAdmin, AllowSelf), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r, signer, metrics
}

func do(r http.Handler, method, path, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestJWTMiddleware(t *testing.T) {
	r, signer, _ := newProtectedRouter(t)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/me", "not-a-jwt").Code)

	token, err := signer.Sign("u1", []string{models.RoleUser}, nil)
	require.NoError(t, err)
	w := do(r, http.MethodGet, "/me", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", w.Body.String())

	w = httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Basic "+token)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "invalid authorization header"))
}

func TestRBACMiddleware(t *testing.T) {
	r, signer, _ := newProtectedRouter(t)

	user, err := signer.Sign("u1", []string{models.RoleUser}, nil)
	require.NoError(t, err)
	admin, err := signer.Sign("a1", []string{models.RoleAdmin}, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/users/u1", user).Code)
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodDelete, "/users/u2", user).Code)
	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/users/u2", admin).Code)
}

func TestMetricsMiddlewareCountsRequests(t *testing.T) {
	r, _, metrics := newProtectedRouter(t)
	do(r, http.MethodGet, "/me", "")
	do(r, http.MethodGet, "/nowhere", "")
	assert.Equal(t, uint64(2), metrics.Snapshot().RequestsTotal)
}
