package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/router-for-me/claudeauth/internal/auth/claude"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeExchanger struct {
	refreshCalls  atomic.Int32
	exchangeCalls atomic.Int32

	refreshFn  func(ctx context.Context, refreshToken, clientID string) (*claude.Credential, error)
	exchangeFn func(ctx context.Context, code string, pkce *claude.PKCEState, clientID string) (*claude.Credential, error)

	mu        sync.Mutex
	lastPKCE  *claude.PKCEState
	lastCode  string
	lastToken string
}

func (f *fakeExchanger) GenerateAuthURL(pkce *claude.PKCEState) (string, error) {
	return "https://claude.test/oauth/authorize?state=" + pkce.State, nil
}

func (f *fakeExchanger) Exchange(ctx context.Context, code string, pkce *claude.PKCEState, clientID string) (*claude.Credential, error) {
	f.exchangeCalls.Add(1)
	f.mu.Lock()
	f.lastPKCE = pkce
	f.lastCode = code
	f.mu.Unlock()
	if f.exchangeFn != nil {
		return f.exchangeFn(ctx, code, pkce, clientID)
	}
	return &claude.Credential{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		ExpiresAt:    baseTime.Add(time.Hour),
		IssuedAt:     baseTime,
	}, nil
}

func (f *fakeExchanger) Refresh(ctx context.Context, refreshToken, clientID string) (*claude.Credential, error) {
	f.refreshCalls.Add(1)
	f.mu.Lock()
	f.lastToken = refreshToken
	f.mu.Unlock()
	if f.refreshFn != nil {
		return f.refreshFn(ctx, refreshToken, clientID)
	}
	return &claude.Credential{AccessToken: "refreshed", ExpiresAt: baseTime.Add(time.Hour)}, nil
}

type failingSaveStore struct {
	*MemoryCredentialStore
	err error
}

func (s *failingSaveStore) Save(context.Context, *claude.Credential) error { return s.err }

func expiredCredential() *claude.Credential {
	return &claude.Credential{
		ID:           "cred-1",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ClientID:     "client",
		Email:        "dev@example.com",
		ExpiresAt:    baseTime.Add(-time.Minute),
		IssuedAt:     baseTime.Add(-time.Hour),
	}
}

func newTestCoordinator(refresher TokenRefresher, store CredentialStore) *RefreshCoordinator {
	c := NewRefreshCoordinator(refresher, store, time.Minute)
	c.SetClock(func() time.Time { return baseTime })
	return c
}

func TestEnsureValidSkipsRefreshOutsideGraceWindow(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{}
	c := newTestCoordinator(ex, NewMemoryCredentialStore())
	cred := expiredCredential()
	cred.ExpiresAt = baseTime.Add(61 * time.Second)

	got, err := c.EnsureValid(context.Background(), cred)
	require.NoError(t, err)
	assert.Same(t, cred, got)
	assert.Zero(t, ex.refreshCalls.Load())
	assert.Equal(t, StateFresh, c.State(cred.ID))
}

func TestEnsureValidRefreshesInsideGraceWindow(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{}
	store := NewMemoryCredentialStore()
	c := newTestCoordinator(ex, store)
	cred := expiredCredential()
	cred.ExpiresAt = baseTime.Add(60 * time.Second)

	got, err := c.EnsureValid(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "refreshed", got.AccessToken)
	assert.Equal(t, int32(1), ex.refreshCalls.Load())

	// fields missing from the refresh reply are carried over
	assert.Equal(t, "cred-1", got.ID)
	assert.Equal(t, "old-refresh", got.RefreshToken)
	assert.Equal(t, "client", got.ClientID)
	assert.Equal(t, "dev@example.com", got.Email)

	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed", saved.AccessToken)
	assert.Equal(t, StateFresh, c.State("cred-1"))
}

func TestEnsureValidSingleFlight(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ex := &fakeExchanger{}
	ex.refreshFn = func(ctx context.Context, _, _ string) (*claude.Credential, error) {
		<-release
		return &claude.Credential{AccessToken: "shared", RefreshToken: "rotated", ExpiresAt: baseTime.Add(time.Hour)}, nil
	}
	c := newTestCoordinator(ex, NewMemoryCredentialStore())

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*claude.Credential, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.EnsureValid(context.Background(), expiredCredential())
		}(i)
	}

	require.Eventually(t, func() bool { return c.State("cred-1") == StateRefreshing }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), ex.refreshCalls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i].AccessToken)
		assert.Equal(t, "rotated", results[i].RefreshToken)
	}
	for i := 1; i < callers; i++ {
		assert.NotSame(t, results[0], results[i])
	}
}

func TestEnsureValidStaleCopyUsesLatestRefresh(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{}
	c := newTestCoordinator(ex, NewMemoryCredentialStore())

	_, err := c.EnsureValid(context.Background(), expiredCredential())
	require.NoError(t, err)
	got, err := c.EnsureValid(context.Background(), expiredCredential())
	require.NoError(t, err)

	assert.Equal(t, "refreshed", got.AccessToken)
	assert.Equal(t, int32(1), ex.refreshCalls.Load())
}

func TestEnsureValidFailureReachesAllWaiters(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ex := &fakeExchanger{}
	ex.refreshFn = func(context.Context, string, string) (*claude.Credential, error) {
		<-release
		return nil, claude.NewTokenExchangeRejected(400, "invalid_grant", nil)
	}
	store := NewMemoryCredentialStore()
	original := expiredCredential()
	require.NoError(t, store.Save(context.Background(), original))
	c := newTestCoordinator(ex, store)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.EnsureValid(context.Background(), expiredCredential())
			assert.Nil(t, got)
			errs[i] = err
		}(i)
	}
	require.Eventually(t, func() bool { return c.State("cred-1") == StateRefreshing }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), ex.refreshCalls.Load())
	for _, err := range errs {
		require.Error(t, err)
		assert.ErrorIs(t, err, claude.ErrTokenExchangeRejected)
		assert.Equal(t, errs[0].Error(), err.Error())
	}
	assert.Equal(t, StateExpiredFailed, c.State("cred-1"))

	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, original, saved)
}

func TestEnsureValidRejectedRefreshIsSticky(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{}
	ex.refreshFn = func(context.Context, string, string) (*claude.Credential, error) {
		return nil, claude.NewTokenExchangeRejected(400, "invalid_grant", nil)
	}
	c := newTestCoordinator(ex, NewMemoryCredentialStore())

	_, err := c.EnsureValid(context.Background(), expiredCredential())
	require.ErrorIs(t, err, claude.ErrTokenExchangeRejected)
	_, err = c.EnsureValid(context.Background(), expiredCredential())
	require.ErrorIs(t, err, claude.ErrTokenExchangeRejected)
	assert.Equal(t, int32(1), ex.refreshCalls.Load())

	c.Reset("cred-1")
	_, err = c.EnsureValid(context.Background(), expiredCredential())
	require.Error(t, err)
	assert.Equal(t, int32(2), ex.refreshCalls.Load())
}

func TestEnsureValidRejectionDoesNotBlockNewRefreshToken(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{}
	ex.refreshFn = func(_ context.Context, refreshToken, _ string) (*claude.Credential, error) {
		if refreshToken == "old-refresh" {
			return nil, claude.NewTokenExchangeRejected(400, "invalid_grant", nil)
		}
		return &claude.Credential{AccessToken: "after-relogin", ExpiresAt: baseTime.Add(time.Hour)}, nil
	}
	c := newTestCoordinator(ex, NewMemoryCredentialStore())

	_, err := c.EnsureValid(context.Background(), expiredCredential())
	require.ErrorIs(t, err, claude.ErrTokenExchangeRejected)
	assert.Equal(t, StateExpiredFailed, c.State("cred-1"))

	// same account identity, new refresh token written by another login
	relogged := expiredCredential()
	relogged.RefreshToken = "brand-new-refresh"
	got, err := c.EnsureValid(context.Background(), relogged)
	require.NoError(t, err)
	assert.Equal(t, "after-relogin", got.AccessToken)
	assert.Equal(t, int32(2), ex.refreshCalls.Load())
	assert.Equal(t, StateFresh, c.State("cred-1"))

	ex.mu.Lock()
	assert.Equal(t, "brand-new-refresh", ex.lastToken)
	ex.mu.Unlock()
}

func TestEnsureValidRetryableFailureCanBeRetried(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{}
	ex.refreshFn = func(context.Context, string, string) (*claude.Credential, error) {
		if ex.refreshCalls.Load() == 1 {
			return nil, claude.NewAuthenticationError(claude.ErrNetworkUnavailable, fmt.Errorf("connection reset"))
		}
		return &claude.Credential{AccessToken: "second-try", ExpiresAt: baseTime.Add(time.Hour)}, nil
	}
	c := newTestCoordinator(ex, NewMemoryCredentialStore())

	_, err := c.EnsureValid(context.Background(), expiredCredential())
	require.ErrorIs(t, err, claude.ErrNetworkUnavailable)
	assert.Equal(t, StateExpiredFailed, c.State("cred-1"))

	got, err := c.EnsureValid(context.Background(), expiredCredential())
	require.NoError(t, err)
	assert.Equal(t, "second-try", got.AccessToken)
	assert.Equal(t, int32(2), ex.refreshCalls.Load())
}

func TestEnsureValidWithoutRefreshToken(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{}
	c := newTestCoordinator(ex, NewMemoryCredentialStore())
	cred := expiredCredential()
	cred.RefreshToken = ""

	_, err := c.EnsureValid(context.Background(), cred)
	require.ErrorIs(t, err, claude.ErrNotAuthenticated)
	assert.Zero(t, ex.refreshCalls.Load())

	_, err = c.EnsureValid(context.Background(), nil)
	require.ErrorIs(t, err, claude.ErrNotAuthenticated)
}

func TestEnsureValidReturnsCredentialWithStorageError(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{}
	store := &failingSaveStore{MemoryCredentialStore: NewMemoryCredentialStore(), err: errors.New("disk full")}
	c := newTestCoordinator(ex, store)

	got, err := c.EnsureValid(context.Background(), expiredCredential())
	require.ErrorIs(t, err, claude.ErrStorage)
	require.NotNil(t, got)
	assert.Equal(t, "refreshed", got.AccessToken)
	assert.Equal(t, StateFresh, c.State("cred-1"))
}

func TestCancelReleasesWaiters(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{}
	ex.refreshFn = func(ctx context.Context, _, _ string) (*claude.Credential, error) {
		<-ctx.Done()
		return nil, claude.NewAuthenticationError(claude.ErrCancelled, ctx.Err())
	}
	c := newTestCoordinator(ex, NewMemoryCredentialStore())

	errCh := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := c.EnsureValid(context.Background(), expiredCredential())
			errCh <- err
		}()
	}
	require.Eventually(t, func() bool { return c.State("cred-1") == StateRefreshing }, time.Second, 5*time.Millisecond)
	require.True(t, c.Cancel("cred-1"))

	released := 0
	require.Eventually(t, func() bool {
		// a waiter that arrived after the first cancel starts its own flight
		c.CancelAll()
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, claude.ErrCancelled)
			released++
		default:
		}
		return released == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return c.State("cred-1") == StateNeedsRefresh }, time.Second, 5*time.Millisecond)
	assert.False(t, c.Cancel("cred-1"))
}

func TestCallerContextEndsWaitOnly(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ex := &fakeExchanger{}
	ex.refreshFn = func(context.Context, string, string) (*claude.Credential, error) {
		<-release
		return &claude.Credential{AccessToken: "late", ExpiresAt: baseTime.Add(time.Hour)}, nil
	}
	c := newTestCoordinator(ex, NewMemoryCredentialStore())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.EnsureValid(ctx, expiredCredential())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.State("cred-1") == StateRefreshing }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, claude.ErrCancelled)

	close(release)
	require.Eventually(t, func() bool { return c.State("cred-1") == StateFresh }, time.Second, 5*time.Millisecond)
	got, err := c.EnsureValid(context.Background(), expiredCredential())
	require.NoError(t, err)
	assert.Equal(t, "late", got.AccessToken)
	assert.Equal(t, int32(1), ex.refreshCalls.Load())
}

func TestCredentialIdentity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", CredentialIdentity(nil))
	assert.Equal(t, "abc", CredentialIdentity(&claude.Credential{ID: "abc"}))

	a := CredentialIdentity(&claude.Credential{AccessToken: "x", RefreshToken: "y"})
	b := CredentialIdentity(&claude.Credential{AccessToken: "x", RefreshToken: "y"})
	c := CredentialIdentity(&claude.Credential{AccessToken: "x", RefreshToken: "z"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, len("anon-")+16)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(&fakeExchanger{}, nil)
	assert.Equal(t, StateNeedsRefresh, c.Classify(&claude.Credential{ExpiresAt: baseTime.Add(time.Minute)}))
	assert.Equal(t, StateFresh, c.Classify(&claude.Credential{ExpiresAt: baseTime.Add(time.Minute + time.Second)}))
	assert.Equal(t, time.Minute, c.GraceWindow())
	assert.Equal(t, DefaultGraceWindow, NewRefreshCoordinator(nil, nil, 0).GraceWindow())
}
