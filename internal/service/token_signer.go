package service

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/session-auth-api/internal/models"
)

// SignerConfig carries the fixed parameters of every access token.
type SignerConfig struct {
	Issuer     string
	Audience   string
	SigningKey string
	Lifetime   time.Duration
}

// TokenSigner produces HS256 access tokens. It holds no state beyond its config.
type TokenSigner struct {
	config SignerConfig
	now    func() time.Time
}

// NewTokenSigner validates the configuration and constructs a signer.
func NewTokenSigner(config SignerConfig, now func() time.Time) (*TokenSigner, error) {
	if config.SigningKey == "" {
		return nil, errors.New("token signer: signing key is required")
	}
	if config.Lifetime <= 0 {
		return nil, errors.New("token signer: lifetime must be positive")
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &TokenSigner{config: config, now: now}, nil
}

// Lifetime returns the access token lifetime.
func (s *TokenSigner) Lifetime() time.Duration {
	return s.config.Lifetime
}

// Sign issues an access token for subject carrying its roles and claims.
func (s *TokenSigner) Sign(subject string, roles []string, claims models.Claims) (string, error) {
	jti, err := newTokenID()
	if err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}
	issuedAt := s.now()
	payload := &models.AccessTokenClaims{
		ClaimSet: BuildClaimSet(roles, claims),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   subject,
			Issuer:    s.config.Issuer,
			Audience:  jwt.ClaimStrings{s.config.Audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.config.Lifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, payload)
	signed, err := token.SignedString([]byte(s.config.SigningKey))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// BuildClaimSet maps roles and custom claims onto the token payload. Claims
// sharing a type are grouped in their original order; empty types are dropped.
func BuildClaimSet(roles []string, claims models.Claims) models.ClaimSet {
	set := models.ClaimSet{}
	if len(roles) > 0 {
		set.Roles = append([]string(nil), roles...)
	}
	for _, c := range claims {
		if c.Type == "" {
			continue
		}
		if set.Custom == nil {
			set.Custom = make(map[string][]string)
		}
		set.Custom[c.Type] = append(set.Custom[c.Type], c.Value)
	}
	return set
}

func newTokenID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
