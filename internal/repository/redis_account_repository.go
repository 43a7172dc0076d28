package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/accounts/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	scriptMissing  int64 = 0
	scriptOK       int64 = 1
	scriptConflict int64 = 2
	scriptStale    int64 = 3
)

const updateDetailsAttempts = 3

const createAccountScript = `
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 or redis.call("EXISTS", KEYS[3]) == 1 then
  return 2
end
redis.call("SET", KEYS[2], ARGV[1])
redis.call("SET", KEYS[3], ARGV[1])
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
return 1
`

const setFieldsScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`

const swapRefreshScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local current = redis.call("HGET", KEYS[1], "refresh_token")
if not current or current ~= ARGV[1] then
  return 2
end
redis.call("HSET", KEYS[1], "refresh_token", ARGV[2], "updated_at", ARGV[3])
return 1
`

const clearRefreshScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HDEL", KEYS[1], "refresh_token")
redis.call("HSET", KEYS[1], "updated_at", ARGV[1])
return 1
`

// updateDetailsScript only writes if the stored email is still ARGV[2], the
// value read before the call, so the old index key in KEYS[3] is the right
// one to release.
const updateDetailsScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local current = redis.call("HGET", KEYS[1], "email") or ""
if current ~= ARGV[2] then
  return 3
end
if ARGV[2] ~= ARGV[3] then
  local owner = redis.call("GET", KEYS[2])
  if owner and owner ~= ARGV[1] then
    return 2
  end
  redis.call("SET", KEYS[2], ARGV[1])
  if ARGV[2] ~= "" then
    redis.call("DEL", KEYS[3])
  end
end
redis.call("HSET", KEYS[1], "full_name", ARGV[4], "email", ARGV[3], "updated_at", ARGV[5])
return 1
`

var (
	createAccountLua = redis.NewScript(createAccountScript)
	setFieldsLua     = redis.NewScript(setFieldsScript)
	swapRefreshLua   = redis.NewScript(swapRefreshScript)
	clearRefreshLua  = redis.NewScript(clearRefreshScript)
	updateDetailsLua = redis.NewScript(updateDetailsScript)
)

// RedisAccountRepository stores each account as a hash and reserves the
// login identifiers with plain string keys. Every write that has a
// precondition runs as a Lua script. All keys share the {prefix} hash tag,
// so scripts touching several keys stay in one cluster slot.
type RedisAccountRepository struct {
	client redis.UniversalClient
	prefix string
	logger *logrus.Logger
}

func NewRedisAccountRepository(client redis.UniversalClient, prefix string, logger *logrus.Logger) *RedisAccountRepository {
	return &RedisAccountRepository{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (r *RedisAccountRepository) Create(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	account.Username = models.NormalizeIdentifier(account.Username)
	account.Email = models.NormalizeIdentifier(account.Email)

	keys := []string{
		r.accountKey(account.ID),
		r.usernameKey(account.Username),
		r.emailKey(account.Email),
	}
	args := []interface{}{
		account.ID,
		"id", account.ID,
		"username", account.Username,
		"email", account.Email,
		"full_name", account.FullName,
		"password_hash", account.PasswordHash,
		"created_at", formatTime(account.CreatedAt),
		"updated_at", formatTime(account.UpdatedAt),
	}
	if account.RefreshToken != "" {
		args = append(args, "refresh_token", account.RefreshToken)
	}

	status, err := createAccountLua.Run(ctx, r.client, keys, args...).Int64()
	if err != nil {
		r.logger.WithError(err).Error("Failed to create account in Redis")
		return fmt.Errorf("failed to create account: %w", err)
	}
	if status == scriptConflict {
		return ErrAccountExists
	}
	return nil
}

func (r *RedisAccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	fields, err := r.client.HGetAll(ctx, r.accountKey(id)).Result()
	if err != nil {
		r.logger.WithError(err).Error("Failed to get account from Redis")
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrAccountNotFound
	}
	return accountFromHash(fields)
}

func (r *RedisAccountRepository) GetByIdentity(ctx context.Context, identifier string) (*models.Account, error) {
	identifier = models.NormalizeIdentifier(identifier)
	for _, key := range []string{r.usernameKey(identifier), r.emailKey(identifier)} {
		id, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			r.logger.WithError(err).Error("Failed to read identity index from Redis")
			return nil, fmt.Errorf("failed to look up account: %w", err)
		}
		return r.GetByID(ctx, id)
	}
	return nil, ErrAccountNotFound
}

func (r *RedisAccountRepository) SetRefreshToken(ctx context.Context, id, token string) error {
	return r.setFields(ctx, id, "failed to store refresh token",
		"refresh_token", token,
		"updated_at", formatTime(time.Now()),
	)
}

func (r *RedisAccountRepository) SwapRefreshToken(ctx context.Context, id, expected, next string) error {
	if expected == "" {
		return ErrRefreshTokenMismatch
	}

	status, err := swapRefreshLua.Run(ctx, r.client,
		[]string{r.accountKey(id)},
		expected, next, formatTime(time.Now()),
	).Int64()
	if err != nil {
		r.logger.WithError(err).WithField("account_id", id).Error("Failed to rotate refresh token in Redis")
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	switch status {
	case scriptMissing:
		return ErrAccountNotFound
	case scriptConflict:
		return ErrRefreshTokenMismatch
	}
	return nil
}

func (r *RedisAccountRepository) ClearRefreshToken(ctx context.Context, id string) error {
	status, err := clearRefreshLua.Run(ctx, r.client, []string{r.accountKey(id)}, formatTime(time.Now())).Int64()
	if err != nil {
		r.logger.WithError(err).WithField("account_id", id).Error("Failed to clear refresh token in Redis")
		return fmt.Errorf("failed to clear refresh token: %w", err)
	}
	if status == scriptMissing {
		return ErrAccountNotFound
	}
	return nil
}

func (r *RedisAccountRepository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return r.setFields(ctx, id, "failed to update password",
		"password_hash", hash,
		"updated_at", formatTime(time.Now()),
	)
}

func (r *RedisAccountRepository) UpdateDetails(ctx context.Context, id, fullName, email string) (*models.Account, error) {
	email = models.NormalizeIdentifier(email)

	for attempt := 0; attempt < updateDetailsAttempts; attempt++ {
		current, err := r.client.HGet(ctx, r.accountKey(id), "email").Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrAccountNotFound
		}
		if err != nil {
			r.logger.WithError(err).WithField("account_id", id).Error("Failed to read account email from Redis")
			return nil, fmt.Errorf("failed to update account: %w", err)
		}

		status, err := updateDetailsLua.Run(ctx, r.client,
			[]string{r.accountKey(id), r.emailKey(email), r.emailKey(current)},
			id, current, email, fullName, formatTime(time.Now()),
		).Int64()
		if err != nil {
			r.logger.WithError(err).WithField("account_id", id).Error("Failed to update account in Redis")
			return nil, fmt.Errorf("failed to update account: %w", err)
		}

		switch status {
		case scriptMissing:
			return nil, ErrAccountNotFound
		case scriptConflict:
			return nil, ErrAccountExists
		case scriptStale:
			continue
		}
		return r.GetByID(ctx, id)
	}

	r.logger.WithField("account_id", id).Warn("Account email kept changing during update")
	return nil, fmt.Errorf("failed to update account: email changed concurrently")
}

func (r *RedisAccountRepository) setFields(ctx context.Context, id, failure string, pairs ...interface{}) error {
	status, err := setFieldsLua.Run(ctx, r.client, []string{r.accountKey(id)}, pairs...).Int64()
	if err != nil {
		r.logger.WithError(err).WithField("account_id", id).Error("Failed to update account fields in Redis")
		return fmt.Errorf("%s: %w", failure, err)
	}
	if status == scriptMissing {
		return ErrAccountNotFound
	}
	return nil
}

func (r *RedisAccountRepository) key(kind, name string) string {
	return "{" + r.prefix + "}:" + kind + ":" + name
}

func (r *RedisAccountRepository) accountKey(id string) string {
	return r.key("account", id)
}

func (r *RedisAccountRepository) usernameKey(username string) string {
	return r.key("username", models.NormalizeIdentifier(username))
}

func (r *RedisAccountRepository) emailKey(email string) string {
	return r.key("email", models.NormalizeIdentifier(email))
}

func accountFromHash(fields map[string]string) (*models.Account, error) {
	createdAt, err := parseTime(fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}
	updatedAt, err := parseTime(fields["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}

	return &models.Account{
		ID:           fields["id"],
		Username:     fields["username"],
		Email:        fields["email"],
		FullName:     fields["full_name"],
		PasswordHash: fields["password_hash"],
		RefreshToken: fields["refresh_token"],
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
