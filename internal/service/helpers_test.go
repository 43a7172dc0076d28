package service

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/qcom/accounts/internal/config"
	"github.com/qcom/accounts/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var testJWTConfig = config.JWTConfig{
	AccessSecret:  "access-secret-access-secret-access-secret",
	RefreshSecret: "refresh-secret-refresh-secret-refresh-secret",
	AccessExpiry:  15 * time.Minute,
	RefreshExpiry: 7 * 24 * time.Hour,
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	repo       repository.AccountRepository
	clock      *fakeClock
	codec      *TokenCodec
	issuer     *TokenIssuer
	verifier   *TokenVerifier
	rotator    *RefreshRotator
	terminator *SessionTerminator
	accounts   *AccountService
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newRedisBackedRepo(t *testing.T) repository.AccountRepository {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	return repository.NewRedisAccountRepository(rdb, "svc", quietLogger())
}

func newTestEnv(t *testing.T, opts ...func(*config.AuthConfig)) *testEnv {
	t.Helper()
	return newTestEnvWithRepo(t, newRedisBackedRepo(t), opts...)
}

func newTestEnvWithRepo(t *testing.T, repo repository.AccountRepository, opts ...func(*config.AuthConfig)) *testEnv {
	t.Helper()

	logger := quietLogger()
	clock := newFakeClock()

	cfg := testJWTConfig
	codec, err := NewTokenCodec(&cfg)
	require.NoError(t, err)
	codec = codec.WithClock(clock.Now)

	authCfg := config.AuthConfig{BcryptCost: bcrypt.MinCost}
	for _, opt := range opts {
		opt(&authCfg)
	}

	issuer := NewTokenIssuer(repo, codec, logger)
	terminator := NewSessionTerminator(repo, logger)

	return &testEnv{
		repo:       repo,
		clock:      clock,
		codec:      codec,
		issuer:     issuer,
		verifier:   NewTokenVerifier(repo, codec, logger),
		rotator:    NewRefreshRotator(repo, codec, issuer, logger),
		terminator: terminator,
		accounts:   NewAccountService(repo, issuer, terminator, authCfg, logger),
	}
}

// register creates an account and returns its id.
func (e *testEnv) register(t *testing.T, username, password string) string {
	t.Helper()
	identity, err := e.accounts.Register(context.Background(), RegisterInput{
		FullName: "Test " + username,
		Email:    username + "@example.com",
		Username: username,
		Password: password,
	})
	require.NoError(t, err)
	return identity.ID
}
