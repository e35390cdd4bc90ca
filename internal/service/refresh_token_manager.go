package service

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/session-auth-api/internal/models"
)

var (
	// ErrTokenNotFound is returned when the user owns no token with the presented value.
	ErrTokenNotFound = errors.New("refresh token not found")
	// ErrTokenInactive is returned when the matched token is expired or revoked.
	ErrTokenInactive = errors.New("refresh token is not active")
)

// RefreshTokenConfig controls refresh token lifetimes.
type RefreshTokenConfig struct {
	Lifetime  time.Duration
	Retention time.Duration
}

// RefreshTokenManager implements the refresh token lifecycle over a user's
// in-memory token collection. It never persists; callers save the user.
type RefreshTokenManager struct {
	config RefreshTokenConfig
	now    func() time.Time
}

// NewRefreshTokenManager constructs a manager. A nil clock uses UTC wall time.
func NewRefreshTokenManager(config RefreshTokenConfig, now func() time.Time) *RefreshTokenManager {
	if config.Lifetime <= 0 {
		config.Lifetime = 10 * 24 * time.Hour
	}
	if config.Retention <= 0 {
		config.Retention = 30 * 24 * time.Hour
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &RefreshTokenManager{config: config, now: now}
}

// FindActive returns the user's active token, or nil. When several are active
// the most recently created one wins.
func (m *RefreshTokenManager) FindActive(user *models.User) *models.RefreshToken {
	now := m.now()
	var active *models.RefreshToken
	for i := range user.RefreshTokens {
		t := &user.RefreshTokens[i]
		if !t.IsActive(now) {
			continue
		}
		if active == nil || t.CreatedOn.After(active.CreatedOn) {
			active = t
		}
	}
	return active
}

// Issue appends a freshly generated token to the user's collection.
func (m *RefreshTokenManager) Issue(user *models.User) (*models.RefreshToken, error) {
	value, err := generateRefreshTokenString()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	now := m.now()
	user.RefreshTokens = append(user.RefreshTokens, models.RefreshToken{
		Token:     value,
		UserID:    user.ID,
		CreatedOn: now,
		ExpiresOn: now.Add(m.config.Lifetime),
	})
	issued := user.RefreshTokens[len(user.RefreshTokens)-1]
	return &issued, nil
}

// Rotate revokes the presented token and issues its replacement.
func (m *RefreshTokenManager) Rotate(user *models.User, token string) (*models.RefreshToken, error) {
	current, err := m.match(user, token)
	if err != nil {
		return nil, err
	}
	revokedAt := m.now()
	current.RevokedOn = &revokedAt
	return m.Issue(user)
}

// Revoke marks the presented token revoked.
func (m *RefreshTokenManager) Revoke(user *models.User, token string) error {
	current, err := m.match(user, token)
	if err != nil {
		return err
	}
	revokedAt := m.now()
	current.RevokedOn = &revokedAt
	return nil
}

// Prune drops tokens that have been inactive for longer than the retention
// window. Active tokens are always kept.
func (m *RefreshTokenManager) Prune(user *models.User) {
	if len(user.RefreshTokens) == 0 {
		return
	}
	now := m.now()
	cutoff := now.Add(-m.config.Retention)
	kept := user.RefreshTokens[:0]
	for _, t := range user.RefreshTokens {
		if t.IsActive(now) || t.InactiveSince().After(cutoff) {
			kept = append(kept, t)
		}
	}
	user.RefreshTokens = kept
}

func (m *RefreshTokenManager) match(user *models.User, token string) (*models.RefreshToken, error) {
	for i := range user.RefreshTokens {
		t := &user.RefreshTokens[i]
		if t.Token != token {
			continue
		}
		if !t.IsActive(m.now()) {
			return nil, ErrTokenInactive
		}
		return t, nil
	}
	return nil, ErrTokenNotFound
}

func generateRefreshTokenString() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
