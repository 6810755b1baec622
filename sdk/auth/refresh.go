package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/router-for-me/claudeauth/internal/auth/claude"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// RefreshState is the lifecycle position of one credential identity.
type RefreshState string

const (
	StateFresh         RefreshState = "FRESH"
	StateNeedsRefresh  RefreshState = "NEEDS_REFRESH"
	StateRefreshing    RefreshState = "REFRESHING"
	StateExpiredFailed RefreshState = "EXPIRED_FAILED"
)

const (
	// DefaultGraceWindow is how close to expiry a credential is refreshed.
	DefaultGraceWindow = 60 * time.Second
	// DefaultRefreshTimeout bounds one shared refresh, retries included.
	DefaultRefreshTimeout = 60 * time.Second
)

type identityState struct {
	state   RefreshState
	latest  *claude.Credential
	lastErr error
	// failedToken is the refresh token lastErr was recorded for.
	failedToken string
	cancel      context.CancelFunc
}

// rejectedLocked returns the recorded terminal failure when refreshToken is
// the one the provider already rejected. A different token, e.g. from a login
// in another process, gets a fresh attempt.
func (st *identityState) rejectedLocked(refreshToken string) error {
	if st.state != StateExpiredFailed || st.lastErr == nil || claude.IsRetryable(st.lastErr) {
		return nil
	}
	if st.failedToken != refreshToken {
		return nil
	}
	return st.lastErr
}

type refreshResult struct {
	cred     *claude.Credential
	storeErr error
}

// RefreshCoordinator refreshes credentials that are about to expire. At most
// one refresh per credential identity is in flight; concurrent callers share
// its outcome.
type RefreshCoordinator struct {
	refresher TokenRefresher
	store     CredentialStore
	grace     time.Duration
	timeout   time.Duration
	now       func() time.Time

	sf         singleflight.Group
	mu         sync.Mutex
	identities map[string]*identityState
}

// NewRefreshCoordinator creates a coordinator. A non-positive grace uses DefaultGraceWindow.
func NewRefreshCoordinator(refresher TokenRefresher, store CredentialStore, grace time.Duration) *RefreshCoordinator {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &RefreshCoordinator{
		refresher:  refresher,
		store:      store,
		grace:      grace,
		timeout:    DefaultRefreshTimeout,
		now:        time.Now,
		identities: make(map[string]*identityState),
	}
}

// SetClock overrides the time source.
func (c *RefreshCoordinator) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// GraceWindow returns the configured refresh lead.
func (c *RefreshCoordinator) GraceWindow() time.Duration { return c.grace }

// CredentialIdentity is the single-flight key for cred.
func CredentialIdentity(cred *claude.Credential) string {
	if cred == nil {
		return ""
	}
	if cred.ID != "" {
		return cred.ID
	}
	sum := sha256.Sum256([]byte(cred.ClientID + "\x00" + cred.RefreshToken + "\x00" + cred.AccessToken))
	return "anon-" + hex.EncodeToString(sum[:8])
}

// State reports the lifecycle state recorded for id. Unknown identities are FRESH.
func (c *RefreshCoordinator) State(id string) RefreshState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.identities[id]; ok {
		return st.state
	}
	return StateFresh
}

// Classify reports whether cred is FRESH or NEEDS_REFRESH at the current time.
func (c *RefreshCoordinator) Classify(cred *claude.Credential) RefreshState {
	if cred.ExpiresWithin(c.now(), c.grace) {
		return StateNeedsRefresh
	}
	return StateFresh
}

// EnsureValid returns cred unchanged when it is valid beyond the grace window.
// Otherwise it refreshes once per identity and hands every concurrent caller
// the same result. When the refreshed credential cannot be persisted the new
// credential is returned together with the storage error.
func (c *RefreshCoordinator) EnsureValid(ctx context.Context, cred *claude.Credential) (*claude.Credential, error) {
	if cred == nil {
		return nil, claude.ErrNotAuthenticated
	}
	id := CredentialIdentity(cred)

	if c.Classify(cred) == StateFresh {
		c.mu.Lock()
		st := c.identityLocked(id)
		if st.state != StateRefreshing {
			st.state = StateFresh
		}
		c.mu.Unlock()
		return cred, nil
	}

	c.mu.Lock()
	st := c.identityLocked(id)
	if latest := st.latest; latest != nil && latest.ExpiresAt.After(cred.ExpiresAt) && c.Classify(latest) == StateFresh {
		c.mu.Unlock()
		return latest.Clone(), nil
	}
	if err := st.rejectedLocked(cred.RefreshToken); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if !cred.CanRefresh() {
		st.state = StateExpiredFailed
		c.mu.Unlock()
		return nil, claude.NewAuthenticationError(claude.ErrNotAuthenticated, fmt.Errorf("credential expires at %s and has no refresh token", cred.ExpiresAt.Format(time.RFC3339)))
	}
	if st.state != StateRefreshing {
		st.state = StateNeedsRefresh
	}
	c.mu.Unlock()

	snapshot := cred.Clone()
	ch := c.sf.DoChan(id, func() (any, error) {
		return c.refresh(ctx, id, snapshot)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := res.Val.(*refreshResult)
		return out.cred.Clone(), out.storeErr
	case <-ctx.Done():
		return nil, claude.NewAuthenticationError(claude.ErrCancelled, ctx.Err())
	}
}

// refresh runs once per identity inside the single-flight group. Its context
// is detached from the first caller so one impatient waiter does not fail the
// others; Cancel aborts it for everyone.
func (c *RefreshCoordinator) refresh(parent context.Context, id string, cred *claude.Credential) (*refreshResult, error) {
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.timeout)
	defer cancel()

	c.mu.Lock()
	st := c.identityLocked(id)
	// a flight that finished between the caller's check and DoChan
	if latest := st.latest; latest != nil && latest.ExpiresAt.After(cred.ExpiresAt) && c.Classify(latest) == StateFresh {
		st.state = StateFresh
		c.mu.Unlock()
		return &refreshResult{cred: latest.Clone()}, nil
	}
	if err := st.rejectedLocked(cred.RefreshToken); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	st.state = StateRefreshing
	st.cancel = cancel
	c.mu.Unlock()

	log.Debugf("refreshing claude credential %s (expires %s)", id, cred.ExpiresAt.Format(time.RFC3339))
	fresh, err := c.refresher.Refresh(refreshCtx, cred.RefreshToken, cred.ClientID)
	if err == nil && fresh == nil {
		err = claude.NewAuthenticationError(claude.ErrProtocolViolation, fmt.Errorf("refresh returned no credential"))
	}
	if err != nil {
		if errors.Is(refreshCtx.Err(), context.Canceled) && !errors.Is(err, claude.ErrCancelled) {
			err = claude.NewAuthenticationError(claude.ErrCancelled, err)
		}
		c.mu.Lock()
		st.cancel = nil
		if errors.Is(err, claude.ErrCancelled) {
			st.state = StateNeedsRefresh
		} else {
			st.state = StateExpiredFailed
			st.lastErr = err
			st.failedToken = cred.RefreshToken
		}
		c.mu.Unlock()
		log.Warnf("claude credential %s refresh failed: %v", id, err)
		return nil, err
	}

	mergeRefreshed(fresh, cred)
	storeErr := c.persist(refreshCtx, fresh)

	c.mu.Lock()
	st.cancel = nil
	st.state = StateFresh
	st.lastErr = nil
	st.failedToken = ""
	st.latest = fresh.Clone()
	c.mu.Unlock()
	return &refreshResult{cred: fresh, storeErr: storeErr}, nil
}

func (c *RefreshCoordinator) persist(ctx context.Context, cred *claude.Credential) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Save(context.WithoutCancel(ctx), cred); err != nil {
		log.Errorf("refreshed claude credential could not be saved: %v", err)
		if claude.IsAuthenticationError(err) {
			return err
		}
		return claude.NewAuthenticationError(claude.ErrStorage, err)
	}
	return nil
}

// mergeRefreshed keeps identity and account fields the refresh reply omits.
// Providers that do not rotate refresh tokens leave the old one valid.
func mergeRefreshed(fresh, old *claude.Credential) {
	if old.ID != "" {
		fresh.ID = old.ID
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = old.RefreshToken
	}
	if fresh.ClientID == "" {
		fresh.ClientID = old.ClientID
	}
	if fresh.Scope == "" {
		fresh.Scope = old.Scope
	}
	if fresh.Email == "" {
		fresh.Email = old.Email
	}
	if fresh.OrganizationUUID == "" {
		fresh.OrganizationUUID = old.OrganizationUUID
	}
}

// Cancel aborts the in-flight refresh for id. Every waiter receives ErrCancelled.
func (c *RefreshCoordinator) Cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.identities[id]
	if !ok || st.cancel == nil {
		return false
	}
	st.cancel()
	return true
}

// CancelAll aborts every in-flight refresh.
func (c *RefreshCoordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.identities {
		if st.cancel != nil {
			st.cancel()
		}
	}
}

// Reset forgets everything recorded for id, e.g. after a new login.
func (c *RefreshCoordinator) Reset(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.identities[id]; ok && st.cancel != nil {
		st.cancel()
	}
	delete(c.identities, id)
}

// ResetAll forgets every identity.
func (c *RefreshCoordinator) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, st := range c.identities {
		if st.cancel != nil {
			st.cancel()
		}
		delete(c.identities, id)
	}
}

func (c *RefreshCoordinator) identityLocked(id string) *identityState {
	st, ok := c.identities[id]
	if !ok {
		st = &identityState{state: StateFresh}
		c.identities[id] = st
	}
	return st
}
