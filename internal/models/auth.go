package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignInRequest holds credentials for authenticating a user.
type SignInRequest struct {
	Email     string `json:"email" validate:"required"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// RefreshRequest exchanges a refresh token for a new token pair.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// RevokeRequest revokes a refresh token.
type RevokeRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// RegisterRequest creates a directory user.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	FullName string `json:"full_name" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// ConfirmEmailRequest completes the email confirmation flow.
type ConfirmEmailRequest struct {
	Email string `json:"email" form:"email" validate:"required"`
	Token string `json:"token" form:"token" validate:"required"`
}

// SendConfirmationRequest asks for a new confirmation email.
type SendConfirmationRequest struct {
	Email string `json:"email" validate:"required"`
}

// AuthResult is the bundle returned after sign-in or refresh.
type AuthResult struct {
	AccessToken           string    `json:"access_token"`
	ExpiresIn             int64     `json:"expires_in"`
	RefreshToken          string    `json:"refresh_token"`
	RefreshTokenExpiresOn time.Time `json:"refresh_token_expires_on"`
}

// ClaimSet is the role and custom-claim portion of an access token.
type ClaimSet struct {
	Roles  []string            `json:"roles,omitempty"`
	Custom map[string][]string `json:"claims,omitempty"`
}

// AccessTokenClaims represents the JWT payload for access tokens.
type AccessTokenClaims struct {
	ClaimSet
	jwt.RegisteredClaims
}
