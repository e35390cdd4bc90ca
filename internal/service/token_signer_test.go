package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-auth-api/internal/models"
)

func newTestSigner(t *testing.T) (*TokenSigner, SignerConfig) {
	t.Helper()
	cfg := SignerConfig{Issuer: "issuer", Audience: "clients", SigningKey: "0123456789abcdef0123456789abcdef", Lifetime: time.Minute}
	signer, err := NewTokenSigner(cfg, nil)
	require.NoError(t, err)
	return signer, cfg
}

func TestNewTokenSignerRejectsInvalidConfig(t *testing.T) {
	_, err := NewTokenSigner(SignerConfig{Lifetime: time.Minute}, nil)
	assert.Error(t, err)
	_, err = NewTokenSigner(SignerConfig{SigningKey: "k"}, nil)
	assert.Error(t, err)
}

func TestTokenSignerSignVerifiesOffline(t *testing.T) {
	signer, cfg := newTestSigner(t)
	claims := models.Claims{{Type: "tenant", Value: "acme"}, {Type: "scope", Value: "read"}, {Type: "scope", Value: "write"}}

	signed, err := signer.Sign("user-1", []string{models.RoleAdmin, models.RoleUser}, claims)
	require.NoError(t, err)

	parsed := &models.AccessTokenClaims{}
	token, err := jwt.ParseWithClaims(signed, parsed, func(token *jwt.Token) (interface{}, error) {
		return []byte(cfg.SigningKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(cfg.Issuer), jwt.WithAudience(cfg.Audience))
	require.NoError(t, err)
	require.True(t, token.Valid)

	assert.Equal(t, "user-1", parsed.Subject)
	assert.Len(t, parsed.ID, 32)
	assert.Equal(t, []string{models.RoleAdmin, models.RoleUser}, parsed.Roles)
	assert.Equal(t, []string{"read", "write"}, parsed.Custom["scope"])
	assert.Equal(t, []string{"acme"}, parsed.Custom["tenant"])
	assert.Equal(t, time.Minute, parsed.ExpiresAt.Sub(parsed.IssuedAt.Time))
}

func TestTokenSignerUniqueTokenIDs(t *testing.T) {
	signer, cfg := newTestSigner(t)
	seen := map[string]struct{}{}
	for i := 0; i < 20; i++ {
		signed, err := signer.Sign("user-1", nil, nil)
		require.NoError(t, err)
		parsed := &models.AccessTokenClaims{}
		_, err = jwt.ParseWithClaims(signed, parsed, func(token *jwt.Token) (interface{}, error) {
			return []byte(cfg.SigningKey), nil
		})
		require.NoError(t, err)
		_, dup := seen[parsed.ID]
		require.False(t, dup)
		seen[parsed.ID] = struct{}{}
	}
}

func TestTokenSignerRejectedWithWrongKey(t *testing.T) {
	signer, _ := newTestSigner(t)
	signed, err := signer.Sign("user-1", nil, nil)
	require.NoError(t, err)

	_, err = jwt.ParseWithClaims(signed, &models.AccessTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte("another-key"), nil
	})
	assert.Error(t, err)
}

func TestTokenSignerExpiredToken(t *testing.T) {
	issued := time.Now().Add(-time.Hour)
	signer, err := NewTokenSigner(SignerConfig{SigningKey: "k", Lifetime: time.Minute}, func() time.Time { return issued })
	require.NoError(t, err)
	signed, err := signer.Sign("user-1", nil, nil)
	require.NoError(t, err)

	_, err = jwt.ParseWithClaims(signed, &models.AccessTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte("k"), nil
	})
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestBuildClaimSet(t *testing.T) {
	set := BuildClaimSet(nil, nil)
	assert.Nil(t, set.Roles)
	assert.Nil(t, set.Custom)

	set = BuildClaimSet([]string{"User"}, models.Claims{{Type: "", Value: "ignored"}, {Type: "dept", Value: "ops"}})
	assert.Equal(t, []string{"User"}, set.Roles)
	assert.Equal(t, map[string][]string{"dept": {"ops"}}, set.Custom)
}
