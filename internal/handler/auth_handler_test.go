package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-auth-api/internal/models"
	appErrors "github.com/noah-isme/session-auth-api/pkg/errors"
)

type authServiceMock struct {
	signInErr  error
	refreshErr error
	revokeErr  error
	confirmErr error
	sendErr    error

	lastSignIn  models.SignInRequest
	lastConfirm models.ConfirmEmailRequest
	deleted     string
}

func (m *authServiceMock) SignIn(ctx context.Context, req models.SignInRequest) (*models.AuthResult, error) {
	m.lastSignIn = req
	if m.signInErr != nil {
		return nil, m.signInErr
	}
	return &models.AuthResult{AccessToken: "access", RefreshToken: "refresh", RefreshTokenExpiresOn: time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)}, nil
}

func (m *authServiceMock) Refresh(ctx context.Context, req models.RefreshRequest) (*models.AuthResult, error) {
	if m.refreshErr != nil {
		return nil, m.refreshErr
	}
	return &models.AuthResult{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil
}

func (m *authServiceMock) RevokeRefresh(ctx context.Context, req models.RevokeRequest) error {
	return m.revokeErr
}

func (m *authServiceMock) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	return &models.User{ID: "u9", Email: req.Email, FullName: req.FullName, PasswordHash: "secret-hash"}, nil
}

func (m *authServiceMock) ConfirmEmail(ctx context.Context, req models.ConfirmEmailRequest) error {
	m.lastConfirm = req
	return m.confirmErr
}

func (m *authServiceMock) SendConfirmationEmail(ctx context.Context, req models.SendConfirmationRequest) error {
	return m.sendErr
}

func (m *authServiceMock) DeleteAccount(ctx context.Context, userID string) error {
	m.deleted = userID
	return nil
}

func newAuthRouter(svc *authServiceMock) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewAuthHandler(svc)
	r := gin.New()
	auth := r.Group("/auth")
	auth.POST("/login", h.Login)
	auth.POST("/refresh", h.Refresh)
	auth.POST("/revoke", h.Revoke)
	auth.POST("/register", h.Register)
	auth.GET("/confirm-email", h.ConfirmEmail)
	auth.POST("/confirm-email", h.ConfirmEmail)
	auth.POST("/send-confirmation", h.SendConfirmation)
	r.DELETE("/users/:id", NewUserHandler(svc).Delete)
	return r
}

func postJSON(r http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "handler-test")
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Data  json.RawMessage  `json:"data"`
	Error *appErrors.Error `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestAuthHandlerLogin(t *testing.T) {
	svc := &authServiceMock{}
	r := newAuthRouter(svc)

	w := postJSON(r, "/auth/login", map[string]string{"email": "a@b.c", "password": "pw"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var res models.AuthResult
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &res))
	assert.Equal(t, "access", res.AccessToken)
	assert.Equal(t, "refresh", res.RefreshToken)
	assert.Equal(t, "handler-test", svc.lastSignIn.UserAgent)
}

func TestAuthHandlerLoginErrors(t *testing.T) {
	svc := &authServiceMock{signInErr: appErrors.Clone(appErrors.ErrSignInForbidden, "account is locked")}
	r := newAuthRouter(svc)

	w := postJSON(r, "/auth/login", map[string]string{"email": "a@b.c", "password": "pw"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, appErrors.ErrSignInForbidden.Code, decode(t, w).Error.Code)

	w = httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader([]byte(`{`)))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthHandlerRefreshStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"ok", nil, http.StatusOK},
		{"unknown token", appErrors.Clone(appErrors.ErrInvalidRefreshToken, ""), http.StatusUnauthorized},
		{"inactive token", appErrors.Clone(appErrors.ErrInactiveRefreshToken, ""), http.StatusUnauthorized},
		{"conflict", appErrors.Clone(appErrors.ErrPersistenceConflict, ""), http.StatusConflict},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newAuthRouter(&authServiceMock{refreshErr: tc.err})
			w := postJSON(r, "/auth/refresh", map[string]string{"refresh_token": "rt"})
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestAuthHandlerRevoke(t *testing.T) {
	r := newAuthRouter(&authServiceMock{})
	assert.Equal(t, http.StatusNoContent, postJSON(r, "/auth/revoke", map[string]string{"refresh_token": "rt"}).Code)

	r = newAuthRouter(&authServiceMock{revokeErr: appErrors.Clone(appErrors.ErrInactiveRefreshToken, "")})
	assert.Equal(t, http.StatusUnauthorized, postJSON(r, "/auth/revoke", map[string]string{"refresh_token": "rt"}).Code)
}

func TestAuthHandlerRegisterHidesPasswordHash(t *testing.T) {
	r := newAuthRouter(&authServiceMock{})
	w := postJSON(r, "/auth/register", map[string]string{"email": "a@b.c", "full_name": "A", "password": "pw"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), "secret-hash")

	var info UserInfo
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &info))
	assert.Equal(t, "u9", info.ID)
}

func TestAuthHandlerConfirmEmailFromLink(t *testing.T) {
	svc := &authServiceMock{}
	r := newAuthRouter(svc)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/auth/confirm-email?email=a%2Bb%40example.com&token=x%2By%2Fz%3D", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "a+b@example.com", svc.lastConfirm.Email)
	assert.Equal(t, "x+y/z=", svc.lastConfirm.Token)

	svc.confirmErr = appErrors.Clone(appErrors.ErrValidation, "invalid confirmation token")
	w = postJSON(r, "/auth/confirm-email", map[string]string{"email": "a@b.c", "token": "bad"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid confirmation token", decode(t, w).Error.Message)
}

func TestAuthHandlerSendConfirmation(t *testing.T) {
	r := newAuthRouter(&authServiceMock{})
	assert.Equal(t, http.StatusAccepted, postJSON(r, "/auth/send-confirmation", map[string]string{"email": "a@b.c"}).Code)

	r = newAuthRouter(&authServiceMock{sendErr: appErrors.Clone(appErrors.ErrMailDeliveryFailed, "")})
	assert.Equal(t, http.StatusBadGateway, postJSON(r, "/auth/send-confirmation", map[string]string{"email": "a@b.c"}).Code)

	r = newAuthRouter(&authServiceMock{sendErr: appErrors.Clone(appErrors.ErrUserNotFound, "")})
	assert.Equal(t, http.StatusNotFound, postJSON(r, "/auth/send-confirmation", map[string]string{"email": "a@b.c"}).Code)
}

func TestUserHandlerDelete(t *testing.T) {
	svc := &authServiceMock{}
	r := newAuthRouter(svc)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodDelete, "/users/u7", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "u7", svc.deleted)
}
