package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Well-known role names.
const (
	RoleAdmin = "Admin"
	RoleUser  = "User"
)

// Claim is a named attribute embedded in access tokens.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Claims is the custom claim list of a user, persisted as JSONB.
type Claims []Claim

// Value implements driver.Valuer.
func (c Claims) Value() (driver.Value, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner.
func (c *Claims) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*c = nil
		return nil
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("unsupported claims source %T", src)
	}
}

// User represents a directory user together with its refresh token set.
type User struct {
	ID              string         `db:"id" json:"id"`
	Email           string         `db:"email" json:"email"`
	NormalizedEmail string         `db:"normalized_email" json:"normalized_email"`
	PasswordHash    string         `db:"password_hash" json:"password_hash"`
	FullName        string         `db:"full_name" json:"full_name"`
	Roles           []string       `db:"-" json:"roles"`
	Claims          Claims         `db:"claims" json:"claims"`
	EmailConfirmed  bool           `db:"email_confirmed" json:"email_confirmed"`
	Active          bool           `db:"active" json:"active"`
	LockoutEnd      *time.Time     `db:"lockout_end" json:"lockout_end,omitempty"`
	RefreshTokens   []RefreshToken `db:"-" json:"refresh_tokens"`
	Version         int64          `db:"version" json:"version"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// NormalizeEmail lower-cases and trims an address for case-insensitive lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsLockedOut reports whether a lockout window is still open at now.
func (u *User) IsLockedOut(now time.Time) bool {
	return u.LockoutEnd != nil && now.Before(*u.LockoutEnd)
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.Roles != nil {
		c.Roles = append([]string(nil), u.Roles...)
	}
	if u.Claims != nil {
		c.Claims = append(Claims(nil), u.Claims...)
	}
	if u.LockoutEnd != nil {
		end := *u.LockoutEnd
		c.LockoutEnd = &end
	}
	if u.RefreshTokens != nil {
		c.RefreshTokens = make([]RefreshToken, len(u.RefreshTokens))
		for i, t := range u.RefreshTokens {
			c.RefreshTokens[i] = t.clone()
		}
	}
	return &c
}
