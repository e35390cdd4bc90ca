package repository

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/session-auth-api/internal/models"
)

// StoreOptions tunes behaviour shared by the credential store backends.
type StoreOptions struct {
	BcryptCost      int
	ConfirmationTTL time.Duration
	Validator       *validator.Validate
	Clock           func() time.Time
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.BcryptCost < bcrypt.MinCost || o.BcryptCost > bcrypt.MaxCost {
		o.BcryptCost = bcrypt.DefaultCost
	}
	if o.ConfirmationTTL <= 0 {
		o.ConfirmationTTL = 24 * time.Hour
	}
	if o.Validator == nil {
		o.Validator = validator.New()
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	return o
}

type newUserInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

// prepareNewUser validates the input and fills identity, hash and timestamps.
func prepareNewUser(opts StoreOptions, user *models.User, password string) error {
	if err := opts.Validator.Struct(newUserInput{Email: user.Email, Password: password}); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		out := ValidationErrors{}
		for _, fe := range fieldErrs {
			out[strings.ToLower(fe.Field())] = fe.Tag()
		}
		return out
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), opts.BcryptCost)
	if err != nil {
		return err
	}

	now := opts.Clock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.Email = strings.TrimSpace(user.Email)
	user.NormalizedEmail = models.NormalizeEmail(user.Email)
	user.PasswordHash = string(hash)
	if len(user.Roles) == 0 {
		user.Roles = []string{models.RoleUser}
	}
	user.RefreshTokens = nil
	user.Version = 1
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	return nil
}

func comparePassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func newConfirmationToken() (raw string, digest string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, hashConfirmationToken(raw), nil
}

func hashConfirmationToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func digestsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func tokenSet(tokens []models.RefreshToken) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t.Token] = struct{}{}
	}
	return set
}
