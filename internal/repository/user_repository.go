package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/session-auth-api/internal/models"
)

const userColumns = `id, email, normalized_email, password_hash, full_name, roles, claims, email_confirmed, active, lockout_end, version, created_at, updated_at`

const tokenColumns = `token, user_id, created_on, expires_on, revoked_on`

type userRow struct {
	models.User
	Roles pq.StringArray `db:"roles"`
}

// UserRepository is the PostgreSQL credential store. Refresh tokens live in
// their own table whose unique token column doubles as the token-to-owner index.
type UserRepository struct {
	db   *sqlx.DB
	opts StoreOptions
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB, opts StoreOptions) *UserRepository {
	return &UserRepository{db: db, opts: opts.withDefaults()}
}

// FindByEmail returns a user by case-insensitive email address.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE normalized_email = $1 LIMIT 1`
	return r.findOne(ctx, "find user by email", query, models.NormalizeEmail(email))
}

// FindByID returns a user by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1`
	return r.findOne(ctx, "find user by id", query, id)
}

// FindByRefreshToken resolves the owner of a refresh token through the token index.
func (r *UserRepository) FindByRefreshToken(ctx context.Context, token string) (*models.User, error) {
	const query = `SELECT user_id FROM refresh_tokens WHERE token = $1 LIMIT 1`
	var userID string
	if err := r.db.GetContext(ctx, &userID, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find refresh token owner: %w", err)
	}
	return r.FindByID(ctx, userID)
}

func (r *UserRepository) findOne(ctx context.Context, op, query string, arg interface{}) (*models.User, error) {
	var row userRow
	if err := r.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	user := row.User
	user.Roles = []string(row.Roles)

	tokens, err := r.listRefreshTokens(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.RefreshTokens = tokens
	return &user, nil
}

func (r *UserRepository) listRefreshTokens(ctx context.Context, userID string) ([]models.RefreshToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM refresh_tokens WHERE user_id = $1 ORDER BY created_on, token`
	var tokens []models.RefreshToken
	if err := r.db.SelectContext(ctx, &tokens, query, userID); err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	return tokens, nil
}

// VerifyPassword compares the password against the stored bcrypt hash.
func (r *UserRepository) VerifyPassword(ctx context.Context, user *models.User, password string) bool {
	return comparePassword(user.PasswordHash, password)
}

// Create inserts a new user. Duplicate emails surface as ValidationErrors.
func (r *UserRepository) Create(ctx context.Context, user *models.User, password string) error {
	if err := prepareNewUser(r.opts, user, password); err != nil {
		return err
	}

	const query = `INSERT INTO users (id, email, normalized_email, password_hash, full_name, roles, claims, email_confirmed, active, lockout_end, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (normalized_email) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query,
		user.ID, user.Email, user.NormalizedEmail, user.PasswordHash, user.FullName,
		pq.StringArray(user.Roles), user.Claims, user.EmailConfirmed, user.Active, user.LockoutEnd,
		user.Version, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create user rows: %w", err)
	}
	if n == 0 {
		return ValidationErrors{"email": "already registered"}
	}
	return nil
}

// Delete removes the user; refresh tokens cascade.
func (r *UserRepository) Delete(ctx context.Context, user *models.User) error {
	const query = `DELETE FROM users WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, user.ID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateUser persists the user and its refresh token set in one transaction,
// guarded by the version column. A stale version yields ErrVersionConflict.
func (r *UserRepository) UpdateUser(ctx context.Context, user *models.User) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update user: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := r.opts.Clock()
	const updateQuery = `UPDATE users SET email = $3, normalized_email = $4, full_name = $5, roles = $6, claims = $7, email_confirmed = $8, active = $9, lockout_end = $10, version = version + 1, updated_at = $11
WHERE id = $1 AND version = $2`
	res, err := tx.ExecContext(ctx, updateQuery,
		user.ID, user.Version, user.Email, models.NormalizeEmail(user.Email), user.FullName,
		pq.StringArray(user.Roles), user.Claims, user.EmailConfirmed, user.Active, user.LockoutEnd, now)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user rows: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}

	const upsertToken = `INSERT INTO refresh_tokens (` + tokenColumns + `) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (token) DO UPDATE SET revoked_on = COALESCE(refresh_tokens.revoked_on, EXCLUDED.revoked_on)`
	keep := make([]string, 0, len(user.RefreshTokens))
	for _, t := range user.RefreshTokens {
		if _, err = tx.ExecContext(ctx, upsertToken, t.Token, user.ID, t.CreatedOn, t.ExpiresOn, t.RevokedOn); err != nil {
			return fmt.Errorf("upsert refresh token: %w", err)
		}
		keep = append(keep, t.Token)
	}

	const pruneTokens = `DELETE FROM refresh_tokens WHERE user_id = $1 AND token <> ALL($2)`
	if _, err = tx.ExecContext(ctx, pruneTokens, user.ID, pq.Array(keep)); err != nil {
		return fmt.Errorf("prune refresh tokens: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit update user: %w", err)
	}

	user.Version++
	user.UpdatedAt = now
	return nil
}

// GenerateEmailConfirmationToken stores a digest of a fresh token and returns the raw value.
func (r *UserRepository) GenerateEmailConfirmationToken(ctx context.Context, user *models.User) (string, error) {
	raw, digest, err := newConfirmationToken()
	if err != nil {
		return "", fmt.Errorf("generate confirmation token: %w", err)
	}
	const query = `UPDATE users SET confirmation_hash = $2, confirmation_expires = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, user.ID, digest, r.opts.Clock().Add(r.opts.ConfirmationTTL)); err != nil {
		return "", fmt.Errorf("store confirmation token: %w", err)
	}
	return raw, nil
}

// ConfirmEmail marks the email confirmed when the token matches and has not expired.
func (r *UserRepository) ConfirmEmail(ctx context.Context, user *models.User, token string) error {
	const query = `UPDATE users SET email_confirmed = TRUE, confirmation_hash = NULL, confirmation_expires = NULL, version = version + 1, updated_at = $3
WHERE id = $1 AND confirmation_hash = $2 AND confirmation_expires > $3`
	res, err := r.db.ExecContext(ctx, query, user.ID, hashConfirmationToken(token), r.opts.Clock())
	if err != nil {
		return fmt.Errorf("confirm email: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("confirm email rows: %w", err)
	}
	if n == 0 {
		return ErrInvalidToken
	}
	user.EmailConfirmed = true
	return nil
}

// GetRoles returns the role names loaded with the user record.
func (r *UserRepository) GetRoles(ctx context.Context, user *models.User) ([]string, error) {
	return append([]string(nil), user.Roles...), nil
}

// GetClaims returns the custom claims loaded with the user record.
func (r *UserRepository) GetClaims(ctx context.Context, user *models.User) (models.Claims, error) {
	return append(models.Claims(nil), user.Claims...), nil
}

// CreateAuditLog stores an audit log entry.
func (r *UserRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	const query = `INSERT INTO audit_logs (id, user_id, action, resource, resource_id, new_values, ip_address, user_agent, created_at) VALUES (:id, :user_id, :action, :resource, :resource_id, :new_values, :ip_address, :user_agent, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, log); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}
