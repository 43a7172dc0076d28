package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/qcom/accounts/internal/apperror"
	"github.com/qcom/accounts/internal/models"
	"github.com/qcom/accounts/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireAppError(t *testing.T, err error, status int, message string) {
	t.Helper()
	require.Error(t, err)
	appErr := apperror.From(err)
	assert.Equal(t, status, appErr.StatusCode, "error: %v", err)
	if message != "" {
		assert.Equal(t, message, appErr.Message)
	}
}

func storedRefreshToken(t *testing.T, repo repository.AccountRepository, id string) string {
	t.Helper()
	account, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return account.RefreshToken
}

func TestIssue_PersistsRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	id := env.register(t, "alice", "secret")

	pair, err := env.issuer.Issue(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, pair.RefreshToken, storedRefreshToken(t, env.repo, id))
}

func TestIssue_ReplacesPreviousSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.register(t, "alice", "secret")

	first, err := env.issuer.Issue(ctx, id)
	require.NoError(t, err)
	second, err := env.issuer.Issue(ctx, id)
	require.NoError(t, err)

	_, err = env.rotator.Rotate(ctx, first.RefreshToken)
	requireAppError(t, err, http.StatusUnauthorized, "refresh token is expired or used")

	_, err = env.rotator.Rotate(ctx, second.RefreshToken)
	assert.NoError(t, err)
}

func TestIssue_UnknownAccount(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.issuer.Issue(context.Background(), "missing")
	requireAppError(t, err, http.StatusNotFound, "user not found")
}

type failingWriteRepo struct {
	repository.AccountRepository
}

func (failingWriteRepo) SetRefreshToken(context.Context, string, string) error {
	return errors.New("write timeout")
}

func TestIssue_StoreFailureReturnsNoTokens(t *testing.T) {
	base := newRedisBackedRepo(t)
	env := newTestEnvWithRepo(t, failingWriteRepo{AccountRepository: base})
	id := env.register(t, "alice", "secret")

	pair, err := env.issuer.Issue(context.Background(), id)
	assert.Nil(t, pair)
	requireAppError(t, err, http.StatusInternalServerError, "")
	assert.True(t, apperror.IsKind(err, apperror.KindInternal))
	assert.Empty(t, storedRefreshToken(t, base, id))
}

func TestVerify_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	id := env.register(t, "alice", "secret")

	pair, err := env.issuer.Issue(context.Background(), id)
	require.NoError(t, err)

	identity, err := env.verifier.Verify(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, id, identity.ID)
	assert.Equal(t, "alice", identity.Username)
}

func TestVerify_Failures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.register(t, "alice", "secret")

	pair, err := env.issuer.Issue(ctx, id)
	require.NoError(t, err)

	_, err = env.verifier.Verify(ctx, "   ")
	requireAppError(t, err, http.StatusUnauthorized, "no token provided")

	_, err = env.verifier.Verify(ctx, pair.RefreshToken)
	requireAppError(t, err, http.StatusUnauthorized, "invalid access token")

	orphan, err := env.codec.Mint("deleted-account")
	require.NoError(t, err)
	_, err = env.verifier.Verify(ctx, orphan.AccessToken)
	requireAppError(t, err, http.StatusUnauthorized, "user not found")

	env.clock.Advance(16 * time.Minute)
	_, err = env.verifier.Verify(ctx, pair.AccessToken)
	requireAppError(t, err, http.StatusUnauthorized, "invalid access token")
}

func TestVerify_DoesNotMutateStore(t *testing.T) {
	env := newTestEnv(t)
	id := env.register(t, "alice", "secret")

	pair, err := env.issuer.Issue(context.Background(), id)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := env.verifier.Verify(context.Background(), pair.AccessToken)
		require.NoError(t, err)
	}
	assert.Equal(t, pair.RefreshToken, storedRefreshToken(t, env.repo, id))
}

func TestRotate_SingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.register(t, "alice", "secret")

	r1, err := env.issuer.Issue(ctx, id)
	require.NoError(t, err)

	r2, err := env.rotator.Rotate(ctx, r1.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, r1.RefreshToken, r2.RefreshToken)
	assert.Equal(t, r2.RefreshToken, storedRefreshToken(t, env.repo, id))

	_, err = env.rotator.Rotate(ctx, r1.RefreshToken)
	requireAppError(t, err, http.StatusUnauthorized, "refresh token is expired or used")

	r3, err := env.rotator.Rotate(ctx, r2.RefreshToken)
	require.NoError(t, err)

	identity, err := env.verifier.Verify(ctx, r3.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, id, identity.ID)
}

func TestRotate_Failures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.register(t, "alice", "secret")

	pair, err := env.issuer.Issue(ctx, id)
	require.NoError(t, err)

	_, err = env.rotator.Rotate(ctx, "")
	requireAppError(t, err, http.StatusUnauthorized, "unauthorized request")

	_, err = env.rotator.Rotate(ctx, pair.AccessToken)
	requireAppError(t, err, http.StatusUnauthorized, "invalid refresh token")

	_, err = env.rotator.Rotate(ctx, "garbage")
	requireAppError(t, err, http.StatusUnauthorized, "invalid refresh token")

	orphan, err := env.codec.Mint("deleted-account")
	require.NoError(t, err)
	_, err = env.rotator.Rotate(ctx, orphan.RefreshToken)
	requireAppError(t, err, http.StatusUnauthorized, "invalid refresh token")

	// validly signed for the right account, but never stored
	stray, err := env.codec.Mint(id)
	require.NoError(t, err)
	_, err = env.rotator.Rotate(ctx, stray.RefreshToken)
	requireAppError(t, err, http.StatusUnauthorized, "refresh token is expired or used")

	env.clock.Advance(7*24*time.Hour + time.Second)
	_, err = env.rotator.Rotate(ctx, pair.RefreshToken)
	requireAppError(t, err, http.StatusUnauthorized, "invalid refresh token")
}

func TestTerminate_RevocationIsFinal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.register(t, "alice", "secret")

	pair, err := env.issuer.Issue(ctx, id)
	require.NoError(t, err)

	require.NoError(t, env.terminator.Terminate(ctx, id))
	require.NoError(t, env.terminator.Terminate(ctx, id))
	assert.Empty(t, storedRefreshToken(t, env.repo, id))

	_, err = env.rotator.Rotate(ctx, pair.RefreshToken)
	requireAppError(t, err, http.StatusUnauthorized, "refresh token is expired or used")

	fresh, err := env.issuer.Issue(ctx, id)
	require.NoError(t, err)
	_, err = env.rotator.Rotate(ctx, fresh.RefreshToken)
	assert.NoError(t, err)
}

// barrierRepo holds every GetByID until `parties` callers have read, so
// concurrent rotations all observe the same stored token before any swap.
type barrierRepo struct {
	repository.AccountRepository
	arrived sync.WaitGroup
}

func newBarrierRepo(base repository.AccountRepository, parties int) *barrierRepo {
	r := &barrierRepo{AccountRepository: base}
	r.arrived.Add(parties)
	return r
}

func (r *barrierRepo) GetByID(ctx context.Context, id string) (*models.Account, error) {
	account, err := r.AccountRepository.GetByID(ctx, id)
	r.arrived.Done()
	r.arrived.Wait()
	return account, err
}

func TestRotate_AtomicUnderContention(t *testing.T) {
	base := newRedisBackedRepo(t)
	setup := newTestEnvWithRepo(t, base)
	id := setup.register(t, "alice", "secret")

	r1, err := setup.issuer.Issue(context.Background(), id)
	require.NoError(t, err)

	const parties = 2
	env := newTestEnvWithRepo(t, newBarrierRepo(base, parties))

	type result struct {
		pair *models.TokenPair
		err  error
	}
	results := make(chan result, parties)

	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pair, err := env.rotator.Rotate(context.Background(), r1.RefreshToken)
			results <- result{pair: pair, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var winner *models.TokenPair
	failures := 0
	for res := range results {
		if res.err == nil {
			require.Nil(t, winner, "more than one rotation succeeded")
			winner = res.pair
			continue
		}
		requireAppError(t, res.err, http.StatusUnauthorized, "refresh token is expired or used")
		failures++
	}

	require.NotNil(t, winner)
	assert.Equal(t, parties-1, failures)
	assert.Equal(t, winner.RefreshToken, storedRefreshToken(t, base, id))
}

func TestRotate_ManyConcurrentCallers(t *testing.T) {
	env := newTestEnv(t)
	id := env.register(t, "alice", "secret")

	r1, err := env.issuer.Issue(context.Background(), id)
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.rotator.Rotate(context.Background(), r1.RefreshToken)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		requireAppError(t, err, http.StatusUnauthorized, "refresh token is expired or used")
	}
	assert.Equal(t, 1, success)
}

func TestSessionScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "secret")

	identity, first, err := env.accounts.Login(ctx, "alice", "secret")
	require.NoError(t, err)

	current, err := env.verifier.Verify(ctx, first.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", current.Username)
	assert.Equal(t, identity.ID, current.ID)

	env.clock.Advance(15*time.Minute + time.Second)
	_, err = env.verifier.Verify(ctx, first.AccessToken)
	requireAppError(t, err, http.StatusUnauthorized, "invalid access token")

	second, err := env.rotator.Rotate(ctx, first.RefreshToken)
	require.NoError(t, err)

	_, err = env.verifier.Verify(ctx, second.AccessToken)
	require.NoError(t, err)

	_, err = env.rotator.Rotate(ctx, first.RefreshToken)
	requireAppError(t, err, http.StatusUnauthorized, "refresh token is expired or used")

	require.NoError(t, env.terminator.Terminate(ctx, current.ID))

	_, err = env.rotator.Rotate(ctx, second.RefreshToken)
	requireAppError(t, err, http.StatusUnauthorized, "")
}
