package auth

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/claudeauth/internal/auth/claude"
	"github.com/router-for-me/claudeauth/internal/config"
	"github.com/router-for-me/claudeauth/internal/misc"
	"github.com/router-for-me/claudeauth/internal/util"
	log "github.com/sirupsen/logrus"
)

// DefaultPKCETTL is how long a started authorization can be completed.
const DefaultPKCETTL = 10 * time.Minute

// AuthorizationRequest is what the caller needs to send the user to consent.
type AuthorizationRequest struct {
	AuthorizationURL string
	PKCE             *claude.PKCEState
}

// ManagerOptions tunes an AuthManager. Zero values use the defaults.
type ManagerOptions struct {
	GraceWindow time.Duration
	PKCETTL     time.Duration
	// ClientID overrides the client id sent with exchange and refresh.
	ClientID string
	// RedirectURI is used when BeginAuthorization receives an empty one.
	RedirectURI string
	KeyStore    *APIKeyStore
	Random      io.Reader
	Now         func() time.Time
}

// Status summarizes what is stored without touching the network.
type Status struct {
	Authenticated bool
	Credential    *claude.Credential
	State         RefreshState
	APIKey        *claude.APIKeyRecord
}

// AuthManager is the entry point for the CLI: it starts and completes the
// PKCE flow, validates API keys and hands out credentials that are valid
// beyond the refresh grace window.
type AuthManager struct {
	exchanger   CodeExchanger
	validator   KeyValidator
	store       CredentialStore
	keys        *APIKeyStore
	coordinator *RefreshCoordinator
	pkceGen     *claude.PKCEGenerator
	pkceTTL     time.Duration
	clientID    string
	redirectURI string
	now         func() time.Time

	mu      sync.Mutex
	cached  *claude.Credential
	pending map[string]*claude.PKCEState
}

// NewAuthManager wires the collaborators together. A nil store keeps the
// credential in memory only.
func NewAuthManager(exchanger CodeExchanger, validator KeyValidator, store CredentialStore, opts *ManagerOptions) *AuthManager {
	if opts == nil {
		opts = &ManagerOptions{}
	}
	if store == nil {
		store = NewMemoryCredentialStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ttl := opts.PKCETTL
	if ttl <= 0 {
		ttl = DefaultPKCETTL
	}
	redirect := opts.RedirectURI
	if redirect == "" {
		redirect = claude.DefaultRedirectURI
	}

	coordinator := NewRefreshCoordinator(exchanger, store, opts.GraceWindow)
	coordinator.SetClock(now)

	return &AuthManager{
		exchanger:   exchanger,
		validator:   validator,
		store:       store,
		keys:        opts.KeyStore,
		coordinator: coordinator,
		pkceGen:     &claude.PKCEGenerator{Random: opts.Random, Now: now},
		pkceTTL:     ttl,
		clientID:    opts.ClientID,
		redirectURI: redirect,
		now:         now,
		pending:     make(map[string]*claude.PKCEState),
	}
}

// NewAuthManagerFromConfig builds the production manager: the Anthropic
// token and models clients, the credential file under auth-dir and the API
// key store.
func NewAuthManagerFromConfig(cfg *config.Config, mirror Mirror) (*AuthManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("auth manager: configuration is required")
	}
	authDir, err := util.ResolveAuthDir(cfg.AuthDir)
	if err != nil {
		return nil, fmt.Errorf("auth manager: resolve auth dir: %w", err)
	}

	store := NewFileCredentialStoreInDir(authDir)
	if mirror != nil {
		store.SetMirror(mirror)
	}
	RegisterCredentialStore(store)

	return NewAuthManager(
		claude.NewClaudeAuth(cfg),
		claude.NewAPIKeyValidator(cfg),
		store,
		&ManagerOptions{
			GraceWindow: cfg.Refresh.GraceWindow,
			PKCETTL:     cfg.Refresh.PKCETTL,
			ClientID:    cfg.Claude.ClientID,
			RedirectURI: fmt.Sprintf("http://localhost:%d/callback", cfg.Callback.Port),
			KeyStore:    NewAPIKeyStore(authDir, cfg.Keyring),
		},
	), nil
}

// Coordinator exposes the refresh coordinator, mainly for status reporting.
func (m *AuthManager) Coordinator() *RefreshCoordinator { return m.coordinator }

// Store returns the credential store.
func (m *AuthManager) Store() CredentialStore { return m.store }

// BeginAuthorization creates PKCE material and the consent URL. The state is
// remembered until CompleteAuthorization consumes it or it goes stale.
func (m *AuthManager) BeginAuthorization(redirectURI string) (*AuthorizationRequest, error) {
	if redirectURI == "" {
		redirectURI = m.redirectURI
	}
	pkce, err := m.pkceGen.Generate(redirectURI)
	if err != nil {
		return nil, err
	}
	authURL, err := m.exchanger.GenerateAuthURL(pkce)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.prunePendingLocked()
	m.pending[pkce.State] = pkce
	m.mu.Unlock()

	log.Debugf("authorization started (state %s)", misc.MaskKey(pkce.State))
	return &AuthorizationRequest{AuthorizationURL: authURL, PKCE: pkce}, nil
}

// CompleteAuthorization exchanges the code for a credential, then caches and
// persists it. code may be the bare code, "code#state" or a pasted redirect
// URL. When persistence fails the usable credential is returned together
// with the storage error.
func (m *AuthManager) CompleteAuthorization(ctx context.Context, code, expectedState string) (*claude.Credential, error) {
	callback, err := misc.ParseOAuthCallback(code)
	if err != nil {
		return nil, claude.NewAuthenticationError(claude.ErrTokenExchangeRejected, err)
	}
	if callback == nil {
		return nil, claude.NewAuthenticationError(claude.ErrTokenExchangeRejected, fmt.Errorf("authorization code is empty"))
	}
	if callback.Error != "" {
		oauthErr := claude.NewOAuthError(callback.Error, callback.ErrorDescription, 0)
		return nil, claude.NewTokenExchangeRejected(0, oauthErr.Error(), oauthErr)
	}

	state := expectedState
	if state == "" {
		state = callback.State
	}
	if callback.State != "" && state != callback.State {
		m.dropPending(state)
		return nil, claude.NewAuthenticationError(claude.ErrInvalidState, fmt.Errorf("returned state does not match the pending authorization"))
	}

	pkce, ok := m.takePending(state)
	if !ok {
		return nil, claude.ErrInvalidState
	}
	if pkce.Expired(m.now(), m.pkceTTL) {
		return nil, claude.ErrStateExpired
	}

	cred, err := m.exchanger.Exchange(ctx, callback.Code, pkce, m.clientID)
	if err != nil {
		return nil, err
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	m.coordinator.Reset(CredentialIdentity(cred))
	m.setCached(cred, true)

	if errSave := m.store.Save(ctx, cred); errSave != nil {
		log.Errorf("claude credential obtained but not saved: %v", errSave)
		return cred.Clone(), asStorageError(errSave)
	}
	log.Infof("claude authentication completed (token %s)", misc.MaskKey(cred.AccessToken))
	return cred.Clone(), nil
}

// ValidateAPIKey checks key against the models endpoint. A valid key is
// remembered in the key store when one is configured.
func (m *AuthManager) ValidateAPIKey(ctx context.Context, key string) (*claude.ModelCatalog, error) {
	catalog, err := m.validator.Validate(ctx, key)
	if err != nil {
		return nil, err
	}
	if m.keys != nil {
		rec := &claude.APIKeyRecord{
			Key:                  key,
			ValidatedAt:          m.now(),
			LastValidationResult: fmt.Sprintf("valid (%d models)", catalog.Len()),
		}
		if errSave := m.keys.SaveAPIKey(rec); errSave != nil {
			return catalog, asStorageError(errSave)
		}
	}
	return catalog, nil
}

// StoredAPIKey returns the remembered API key record, if any.
func (m *AuthManager) StoredAPIKey() (*claude.APIKeyRecord, error) {
	if m.keys == nil {
		return nil, nil
	}
	return m.keys.LoadAPIKey()
}

// ForgetAPIKey removes the remembered API key.
func (m *AuthManager) ForgetAPIKey() error {
	if m.keys == nil {
		return nil
	}
	return m.keys.DeleteAPIKey()
}

// GetValidCredential returns a credential valid beyond the grace window,
// refreshing it first when needed. Without any stored credential it returns
// ErrNotAuthenticated.
func (m *AuthManager) GetValidCredential(ctx context.Context) (*claude.Credential, error) {
	cred, err := m.current(ctx)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, claude.ErrNotAuthenticated
	}

	valid, err := m.coordinator.EnsureValid(ctx, cred)
	if valid != nil {
		m.setCached(valid, false)
	}
	return valid, err
}

// current returns the cached credential, loading it from the store on a miss.
func (m *AuthManager) current(ctx context.Context) (*claude.Credential, error) {
	m.mu.Lock()
	cached := m.cached.Clone()
	m.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	loaded, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		return nil, nil
	}
	m.setCached(loaded, false)
	return loaded, nil
}

// Status reports the stored credential and API key without refreshing.
func (m *AuthManager) Status(ctx context.Context) (*Status, error) {
	cred, err := m.current(ctx)
	if err != nil {
		return nil, err
	}
	status := &Status{State: StateFresh}
	if cred != nil {
		status.Authenticated = true
		status.Credential = cred
		status.State = m.coordinator.State(CredentialIdentity(cred))
		if status.State == StateFresh {
			status.State = m.coordinator.Classify(cred)
		}
	}
	if status.APIKey, err = m.StoredAPIKey(); err != nil {
		log.Warnf("api key store unreadable: %v", err)
	}
	return status, nil
}

// Logout forgets the credential everywhere and abandons pending authorizations.
func (m *AuthManager) Logout(ctx context.Context) error {
	m.coordinator.ResetAll()
	m.mu.Lock()
	m.cached = nil
	clear(m.pending)
	m.mu.Unlock()

	if err := m.store.Clear(ctx); err != nil {
		return asStorageError(err)
	}
	log.Info("claude credential removed")
	return nil
}

// CancelAuthorization drops every pending authorization and aborts in-flight
// refreshes; their waiters receive ErrCancelled.
func (m *AuthManager) CancelAuthorization() {
	m.mu.Lock()
	clear(m.pending)
	m.mu.Unlock()
	m.coordinator.CancelAll()
}

// Invalidate drops the in-memory credential so the next call reloads it.
func (m *AuthManager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
	log.Debug("claude credential cache invalidated")
}

// PendingAuthorizations returns how many authorizations await completion.
func (m *AuthManager) PendingAuthorizations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prunePendingLocked()
	return len(m.pending)
}

// setCached stores cred unless force is false and the cache already holds a
// later credential for the same identity.
func (m *AuthManager) setCached(cred *claude.Credential, force bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !force && m.cached != nil &&
		CredentialIdentity(m.cached) == CredentialIdentity(cred) &&
		m.cached.ExpiresAt.After(cred.ExpiresAt) {
		return
	}
	m.cached = cred.Clone()
}

func (m *AuthManager) takePending(state string) (*claude.PKCEState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pkce, ok := m.pending[state]
	if ok {
		delete(m.pending, state)
	}
	return pkce, ok
}

func (m *AuthManager) dropPending(state string) {
	m.mu.Lock()
	delete(m.pending, state)
	m.mu.Unlock()
}

// prunePendingLocked discards states well past their TTL. Recently stale
// ones are kept so completion can report ErrStateExpired.
func (m *AuthManager) prunePendingLocked() {
	now := m.now()
	for state, pkce := range m.pending {
		if pkce.Expired(now, 2*m.pkceTTL) {
			delete(m.pending, state)
		}
	}
}

func asStorageError(err error) error {
	if claude.IsAuthenticationError(err) {
		return err
	}
	return claude.NewAuthenticationError(claude.ErrStorage, err)
}
