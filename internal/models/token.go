package models

import "time"

// RefreshToken represents one refresh credential owned by a user.
type RefreshToken struct {
	Token     string     `db:"token" json:"token"`
	UserID    string     `db:"user_id" json:"user_id"`
	CreatedOn time.Time  `db:"created_on" json:"created_on"`
	ExpiresOn time.Time  `db:"expires_on" json:"expires_on"`
	RevokedOn *time.Time `db:"revoked_on" json:"revoked_on,omitempty"`
}

// IsRevoked reports whether the token was explicitly revoked.
func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedOn != nil
}

// IsExpired reports whether now is at or past the expiry instant.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresOn)
}

// IsActive reports whether the token is neither revoked nor expired at now.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.IsRevoked() && !t.IsExpired(now)
}

// InactiveSince returns the instant the token stopped being active.
func (t *RefreshToken) InactiveSince() time.Time {
	if t.RevokedOn != nil && t.RevokedOn.Before(t.ExpiresOn) {
		return *t.RevokedOn
	}
	return t.ExpiresOn
}

func (t RefreshToken) clone() RefreshToken {
	if t.RevokedOn != nil {
		revoked := *t.RevokedOn
		t.RevokedOn = &revoked
	}
	return t
}
