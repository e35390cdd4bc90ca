package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-auth-api/internal/models"
)

func newRedisRepo(t *testing.T) (*RedisUserRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisUserRepository(client, "test", testStoreOptions()), mr
}

func seedRedisUser(t *testing.T, repo *RedisUserRepository) *models.User {
	t.Helper()
	user := &models.User{Email: "Alice@Example.com", FullName: "Alice", Active: true, Roles: []string{models.RoleAdmin}}
	require.NoError(t, repo.Create(context.Background(), user, "correct-horse"))
	return user
}

func TestRedisUserRepositoryCreateAndFind(t *testing.T) {
	repo, _ := newRedisRepo(t)
	ctx := context.Background()
	created := seedRedisUser(t, repo)

	found, err := repo.FindByEmail(ctx, "alice@EXAMPLE.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, int64(1), found.Version)
	assert.True(t, repo.VerifyPassword(ctx, found, "correct-horse"))
	assert.False(t, repo.VerifyPassword(ctx, found, "wrong"))

	roles, err := repo.GetRoles(ctx, found)
	require.NoError(t, err)
	assert.Equal(t, []string{models.RoleAdmin}, roles)

	err = repo.Create(ctx, &models.User{Email: "alice@example.com"}, "other")
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)

	_, err = repo.FindByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisUserRepositoryCreateWritesEmailAndUserTogether(t *testing.T) {
	repo, mr := newRedisRepo(t)
	ctx := context.Background()

	user := &models.User{Email: "Bob@Example.com"}
	require.NoError(t, repo.Create(ctx, user, "pw"))
	mr.CheckGet(t, "test:email:bob@example.com", user.ID)
	assert.True(t, mr.Exists("test:user:"+user.ID))

	require.NoError(t, mr.Set("test:email:carol@example.com", "someone-else"))
	carol := &models.User{Email: "carol@example.com"}
	err := repo.Create(ctx, carol, "pw")
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "already registered", verrs["email"])
	assert.False(t, mr.Exists("test:user:"+carol.ID))
	mr.CheckGet(t, "test:email:carol@example.com", "someone-else")
	assert.Len(t, mr.Keys(), 3)
}

func TestRedisUserRepositoryUpdateUserMaintainsTokenIndex(t *testing.T) {
	repo, _ := newRedisRepo(t)
	ctx := context.Background()
	user := seedRedisUser(t, repo)

	now := time.Now().UTC()
	user.RefreshTokens = append(user.RefreshTokens, models.RefreshToken{Token: "t1", UserID: user.ID, CreatedOn: now, ExpiresOn: now.Add(time.Hour)})
	require.NoError(t, repo.UpdateUser(ctx, user))
	assert.Equal(t, int64(2), user.Version)

	owner, err := repo.FindByRefreshToken(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, owner.ID)
	assert.NotEmpty(t, owner.PasswordHash)

	// Dropping the token from the collection removes it from the index.
	owner.RefreshTokens = nil
	require.NoError(t, repo.UpdateUser(ctx, owner))
	_, err = repo.FindByRefreshToken(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisUserRepositoryUpdateUserStaleVersion(t *testing.T) {
	repo, _ := newRedisRepo(t)
	ctx := context.Background()
	user := seedRedisUser(t, repo)

	first, err := repo.FindByID(ctx, user.ID)
	require.NoError(t, err)
	second, err := repo.FindByID(ctx, user.ID)
	require.NoError(t, err)

	first.FullName = "Alice A."
	require.NoError(t, repo.UpdateUser(ctx, first))

	second.FullName = "Alice B."
	assert.ErrorIs(t, repo.UpdateUser(ctx, second), ErrVersionConflict)

	stored, err := repo.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice A.", stored.FullName)
}

func TestRedisUserRepositoryConfirmEmail(t *testing.T) {
	repo, mr := newRedisRepo(t)
	ctx := context.Background()
	user := seedRedisUser(t, repo)

	raw, err := repo.GenerateEmailConfirmationToken(ctx, user)
	require.NoError(t, err)

	assert.ErrorIs(t, repo.ConfirmEmail(ctx, user, "bogus"), ErrInvalidToken)
	require.NoError(t, repo.ConfirmEmail(ctx, user, raw))
	assert.True(t, user.EmailConfirmed)

	stored, err := repo.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, stored.EmailConfirmed)
	assert.Equal(t, int64(2), stored.Version)

	// Tokens are single use.
	assert.ErrorIs(t, repo.ConfirmEmail(ctx, user, raw), ErrInvalidToken)

	expiring, err := repo.GenerateEmailConfirmationToken(ctx, user)
	require.NoError(t, err)
	mr.FastForward(25 * time.Hour)
	assert.ErrorIs(t, repo.ConfirmEmail(ctx, user, expiring), ErrInvalidToken)
}

func TestRedisUserRepositoryDelete(t *testing.T) {
	repo, mr := newRedisRepo(t)
	ctx := context.Background()
	user := seedRedisUser(t, repo)

	now := time.Now().UTC()
	user.RefreshTokens = []models.RefreshToken{{Token: "t1", UserID: user.ID, CreatedOn: now, ExpiresOn: now.Add(time.Hour)}}
	require.NoError(t, repo.UpdateUser(ctx, user))

	require.NoError(t, repo.Delete(ctx, user))
	assert.False(t, mr.Exists("test:rt:t1"))
	assert.False(t, mr.Exists("test:email:alice@example.com"))
	_, err := repo.FindByID(ctx, user.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, user), ErrNotFound)
}

func TestRedisUserRepositoryCreateAuditLog(t *testing.T) {
	repo, mr := newRedisRepo(t)
	require.NoError(t, repo.CreateAuditLog(context.Background(), &models.AuditLog{ID: "a1", Action: models.AuditActionLogin}))
	list, err := mr.List("test:audit")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
