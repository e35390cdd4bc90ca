package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/session-auth-api/internal/models"
)

const auditListCap = 10000

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisUserRepository is the Redis credential store. Each user is one JSON
// document; email and refresh token indexes are plain keys written in the same
// MULTI block as the document, and writes are guarded with WATCH.
type RedisUserRepository struct {
	client *redis.Client
	prefix string
	opts   StoreOptions
}

// NewRedisUserRepository constructs a Redis-backed credential store.
func NewRedisUserRepository(client *redis.Client, prefix string, opts StoreOptions) *RedisUserRepository {
	if prefix == "" {
		prefix = "auth"
	}
	return &RedisUserRepository{client: client, prefix: prefix, opts: opts.withDefaults()}
}

func (r *RedisUserRepository) userKey(id string) string     { return r.prefix + ":user:" + id }
func (r *RedisUserRepository) emailKey(email string) string { return r.prefix + ":email:" + email }
func (r *RedisUserRepository) tokenKey(token string) string { return r.prefix + ":rt:" + token }
func (r *RedisUserRepository) confirmKey(id string) string  { return r.prefix + ":confirm:" + id }
func (r *RedisUserRepository) auditKey() string             { return r.prefix + ":audit" }

// FindByEmail returns a user by case-insensitive email address.
func (r *RedisUserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	id, err := r.client.Get(ctx, r.emailKey(models.NormalizeEmail(email))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get email index: %w", err)
	}
	return r.FindByID(ctx, id)
}

// FindByID returns a user by identifier.
func (r *RedisUserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	return r.load(ctx, r.client, id)
}

// FindByRefreshToken resolves the owner of a refresh token through the token index.
func (r *RedisUserRepository) FindByRefreshToken(ctx context.Context, token string) (*models.User, error) {
	id, err := r.client.Get(ctx, r.tokenKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get token index: %w", err)
	}
	user, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := tokenSet(user.RefreshTokens)[token]; !ok {
		return nil, ErrNotFound
	}
	return user, nil
}

func (r *RedisUserRepository) load(ctx context.Context, c stringGetter, id string) (*models.User, error) {
	raw, err := c.Get(ctx, r.userKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get user %s: %w", id, err)
	}
	var user models.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", id, err)
	}
	return &user, nil
}

// VerifyPassword compares the password against the stored bcrypt hash.
func (r *RedisUserRepository) VerifyPassword(ctx context.Context, user *models.User, password string) bool {
	return comparePassword(user.PasswordHash, password)
}

// Create stores a new user and claims its email index in one MULTI block
// guarded by WATCH on the email key.
func (r *RedisUserRepository) Create(ctx context.Context, user *models.User, password string) error {
	if err := prepareNewUser(r.opts, user, password); err != nil {
		return err
	}
	payload, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}

	emailKey := r.emailKey(user.NormalizedEmail)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		taken, err := tx.Exists(ctx, emailKey).Result()
		if err != nil {
			return err
		}
		if taken > 0 {
			return ValidationErrors{"email": "already registered"}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, emailKey, user.ID, 0)
			pipe.Set(ctx, r.userKey(user.ID), payload, 0)
			return nil
		})
		return err
	}, emailKey)
	if errors.Is(err, redis.TxFailedErr) {
		// Another registration claimed the address between WATCH and EXEC.
		return ValidationErrors{"email": "already registered"}
	}
	return r.mapTxError("create user", err)
}

// Delete removes the user document together with its index keys.
func (r *RedisUserRepository) Delete(ctx context.Context, user *models.User) error {
	key := r.userKey(user.ID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := r.load(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, r.emailKey(stored.NormalizedEmail), r.confirmKey(user.ID))
			for _, t := range stored.RefreshTokens {
				pipe.Del(ctx, r.tokenKey(t.Token))
			}
			return nil
		})
		return err
	}, key)
	return r.mapTxError("delete user", err)
}

// UpdateUser writes the user document when the stored version still matches.
func (r *RedisUserRepository) UpdateUser(ctx context.Context, user *models.User) error {
	key := r.userKey(user.ID)
	next := user.Clone()
	next.Version = user.Version + 1
	next.NormalizedEmail = models.NormalizeEmail(next.Email)
	next.UpdatedAt = r.opts.Clock()

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := r.load(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		if stored.Version != user.Version {
			return ErrVersionConflict
		}
		// Fields owned by the store rather than the caller.
		next.PasswordHash = stored.PasswordHash

		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode user: %w", err)
		}

		keep := tokenSet(next.RefreshTokens)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			for _, t := range next.RefreshTokens {
				pipe.Set(ctx, r.tokenKey(t.Token), user.ID, 0)
			}
			for _, t := range stored.RefreshTokens {
				if _, ok := keep[t.Token]; !ok {
					pipe.Del(ctx, r.tokenKey(t.Token))
				}
			}
			if stored.NormalizedEmail != next.NormalizedEmail {
				pipe.Del(ctx, r.emailKey(stored.NormalizedEmail))
				pipe.Set(ctx, r.emailKey(next.NormalizedEmail), user.ID, 0)
			}
			return nil
		})
		return err
	}, key)
	if err := r.mapTxError("update user", err); err != nil {
		return err
	}

	user.Version = next.Version
	user.NormalizedEmail = next.NormalizedEmail
	user.UpdatedAt = next.UpdatedAt
	return nil
}

// GenerateEmailConfirmationToken stores a digest of a fresh token with a TTL.
func (r *RedisUserRepository) GenerateEmailConfirmationToken(ctx context.Context, user *models.User) (string, error) {
	raw, digest, err := newConfirmationToken()
	if err != nil {
		return "", fmt.Errorf("generate confirmation token: %w", err)
	}
	if err := r.client.Set(ctx, r.confirmKey(user.ID), digest, r.opts.ConfirmationTTL).Err(); err != nil {
		return "", fmt.Errorf("redis set confirmation token: %w", err)
	}
	return raw, nil
}

// ConfirmEmail consumes the confirmation token and marks the email confirmed.
func (r *RedisUserRepository) ConfirmEmail(ctx context.Context, user *models.User, token string) error {
	key := r.userKey(user.ID)
	confirmKey := r.confirmKey(user.ID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		digest, err := tx.Get(ctx, confirmKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrInvalidToken
			}
			return err
		}
		if !digestsEqual(digest, hashConfirmationToken(token)) {
			return ErrInvalidToken
		}
		stored, err := r.load(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		stored.EmailConfirmed = true
		stored.Version++
		stored.UpdatedAt = r.opts.Clock()
		payload, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encode user: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.Del(ctx, confirmKey)
			return nil
		})
		return err
	}, key, confirmKey)
	if err := r.mapTxError("confirm email", err); err != nil {
		return err
	}
	user.EmailConfirmed = true
	return nil
}

// GetRoles returns the role names stored on the user document.
func (r *RedisUserRepository) GetRoles(ctx context.Context, user *models.User) ([]string, error) {
	return append([]string(nil), user.Roles...), nil
}

// GetClaims returns the custom claims stored on the user document.
func (r *RedisUserRepository) GetClaims(ctx context.Context, user *models.User) (models.Claims, error) {
	return append(models.Claims(nil), user.Claims...), nil
}

// CreateAuditLog appends the entry to a capped list.
func (r *RedisUserRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	payload, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("encode audit log: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, r.auditKey(), payload)
		pipe.LTrim(ctx, r.auditKey(), 0, auditListCap-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis push audit log: %w", err)
	}
	return nil
}

func (r *RedisUserRepository) mapTxError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return ErrVersionConflict
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidToken):
		return err
	case errors.As(err, new(ValidationErrors)):
		return err
	default:
		return fmt.Errorf("redis %s: %w", op, err)
	}
}
