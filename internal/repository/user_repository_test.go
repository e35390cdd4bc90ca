package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/session-auth-api/internal/models"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return sqlxdb, mock, func() {
		db.Close()
	}
}

func testStoreOptions() StoreOptions {
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return StoreOptions{BcryptCost: bcrypt.MinCost, Clock: func() time.Time { return fixed }}
}

var userRowColumns = []string{"id", "email", "normalized_email", "password_hash", "full_name", "roles", "claims", "email_confirmed", "active", "lockout_end", "version", "created_at", "updated_at"}

func TestUserRepositoryFindByEmail(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, testStoreOptions())

	now := time.Now().UTC()
	rows := sqlmock.NewRows(userRowColumns).
		AddRow("u1", "User@Example.com", "user@example.com", "hash", "User", "{User,Admin}", []byte(`[{"type":"tenant","value":"acme"}]`), true, true, nil, int64(3), now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE normalized_email = $1 LIMIT 1")).
		WithArgs("user@example.com").
		WillReturnRows(rows)

	tokenRows := sqlmock.NewRows([]string{"token", "user_id", "created_on", "expires_on", "revoked_on"}).
		AddRow("t1", "u1", now.Add(-time.Hour), now.Add(time.Hour), now.Add(-time.Minute)).
		AddRow("t2", "u1", now, now.Add(240*time.Hour), nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM refresh_tokens WHERE user_id = $1 ORDER BY created_on, token")).
		WithArgs("u1").
		WillReturnRows(tokenRows)

	user, err := repo.FindByEmail(context.Background(), "  User@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, []string{"User", "Admin"}, user.Roles)
	assert.Equal(t, models.Claims{{Type: "tenant", Value: "acme"}}, user.Claims)
	assert.Equal(t, int64(3), user.Version)
	require.Len(t, user.RefreshTokens, 2)
	assert.True(t, user.RefreshTokens[0].IsRevoked())
	assert.Nil(t, user.RefreshTokens[1].RevokedOn)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryFindByRefreshTokenNotFound(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, testStoreOptions())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id FROM refresh_tokens WHERE token = $1 LIMIT 1")).
		WithArgs("garbage").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	_, err := repo.FindByRefreshToken(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryUpdateUserVersionConflict(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, testStoreOptions())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET email = $3")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	user := &models.User{ID: "u1", Email: "user@example.com", Version: 4}
	err := repo.UpdateUser(context.Background(), user)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, int64(4), user.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryUpdateUserPersistsTokens(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, testStoreOptions())

	now := time.Now().UTC()
	revoked := now
	user := &models.User{
		ID:      "u1",
		Email:   "user@example.com",
		Version: 4,
		RefreshTokens: []models.RefreshToken{
			{Token: "old", UserID: "u1", CreatedOn: now.Add(-time.Hour), ExpiresOn: now.Add(time.Hour), RevokedOn: &revoked},
			{Token: "new", UserID: "u1", CreatedOn: now, ExpiresOn: now.Add(240 * time.Hour)},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET email = $3")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO refresh_tokens")).
		WithArgs("old", "u1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO refresh_tokens")).
		WithArgs("new", "u1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM refresh_tokens WHERE user_id = $1 AND token <> ALL($2)")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, repo.UpdateUser(context.Background(), user))
	assert.Equal(t, int64(5), user.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryCreateDuplicateEmail(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, testStoreOptions())

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Create(context.Background(), &models.User{Email: "user@example.com", Active: true}, "secret")
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Contains(t, verrs, "email")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryCreateRejectsInvalidInput(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, testStoreOptions())

	err := repo.Create(context.Background(), &models.User{Email: "not-an-email"}, "")
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "email", verrs["email"])
	assert.Equal(t, "required", verrs["password"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryCreateHashesPassword(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, testStoreOptions())

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).WillReturnResult(sqlmock.NewResult(0, 1))

	user := &models.User{Email: " New@Example.com", Active: true}
	require.NoError(t, repo.Create(context.Background(), user, "secret"))
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "new@example.com", user.NormalizedEmail)
	assert.Equal(t, []string{models.RoleUser}, user.Roles)
	assert.True(t, repo.VerifyPassword(context.Background(), user, "secret"))
	assert.False(t, repo.VerifyPassword(context.Background(), user, "wrong"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryConfirmEmail(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, testStoreOptions())

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET confirmation_hash = $2")).WillReturnResult(sqlmock.NewResult(0, 1))
	user := &models.User{ID: "u1"}
	raw, err := repo.GenerateEmailConfirmationToken(context.Background(), user)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET email_confirmed = TRUE")).
		WithArgs("u1", hashConfirmationToken(raw), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.ConfirmEmail(context.Background(), user, raw))
	assert.True(t, user.EmailConfirmed)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET email_confirmed = TRUE")).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.ConfirmEmail(context.Background(), &models.User{ID: "u1"}, "bogus"), ErrInvalidToken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryDeleteMissing(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, testStoreOptions())

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users WHERE id = $1")).WithArgs("ghost").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Delete(context.Background(), &models.User{ID: "ghost"}), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryRowsAffectedFailure(t *testing.T) {
	driverErr := errors.New("driver lost rows affected")
	tests := []struct {
		name  string
		query string
		run   func(repo *UserRepository) error
	}{
		{name: "create", query: "INSERT INTO users", run: func(repo *UserRepository) error {
			return repo.Create(context.Background(), &models.User{Email: "user@example.com"}, "secret")
		}},
		{name: "delete", query: "DELETE FROM users WHERE id = $1", run: func(repo *UserRepository) error {
			return repo.Delete(context.Background(), &models.User{ID: "u1"})
		}},
		{name: "confirm email", query: "UPDATE users SET email_confirmed = TRUE", run: func(repo *UserRepository) error {
			return repo.ConfirmEmail(context.Background(), &models.User{ID: "u1"}, "token")
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db, mock, cleanup := newMock(t)
			defer cleanup()
			repo := NewUserRepository(db, testStoreOptions())

			mock.ExpectExec(regexp.QuoteMeta(tc.query)).WillReturnResult(sqlmock.NewErrorResult(driverErr))

			err := tc.run(repo)
			require.ErrorIs(t, err, driverErr)
			assert.NotErrorIs(t, err, ErrNotFound)
			assert.NotErrorIs(t, err, ErrInvalidToken)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
