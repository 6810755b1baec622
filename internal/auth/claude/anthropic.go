package claude

import (
	"time"

	"github.com/router-for-me/claudeauth/internal/config"
)

// Default OAuth and API endpoints for Claude/Anthropic.
const (
	DefaultAuthorizeURL = "https://claude.ai/oauth/authorize"
	DefaultTokenURL     = "https://platform.claude.com/v1/oauth/token"
	DefaultModelsURL    = "https://api.anthropic.com/v1/models"
	DefaultClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	DefaultRedirectURI  = "http://localhost:54545/callback"
	DefaultAPIVersion   = "2023-06-01"
)

// DefaultScopes are requested when the provider configuration leaves Scopes empty.
var DefaultScopes = []string{"org:create_api_key", "user:profile", "user:inference"}

// ProviderConfig carries the provider constants the exchange client and the
// key validator need. Zero fields fall back to the package defaults.
type ProviderConfig struct {
	ClientID     string
	AuthorizeURL string
	TokenURL     string
	ModelsURL    string
	APIVersion   string
	Scopes       []string

	ExchangeTimeout   time.Duration
	ValidationTimeout time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	DefaultExpiresIn  time.Duration
}

// ProviderConfigFromConfig maps the claude section of the YAML configuration
// onto a ProviderConfig with defaults applied.
func ProviderConfigFromConfig(cfg *config.Config) ProviderConfig {
	if cfg == nil {
		return DefaultProviderConfig()
	}
	c := cfg.Claude
	return ProviderConfig{
		ClientID:          c.ClientID,
		AuthorizeURL:      c.AuthorizeURL,
		TokenURL:          c.TokenURL,
		ModelsURL:         c.ModelsURL,
		APIVersion:        c.APIVersion,
		Scopes:            c.Scopes,
		ExchangeTimeout:   c.ExchangeTimeout,
		ValidationTimeout: c.ValidationTimeout,
		MaxRetries:        c.MaxRetries,
		RetryBaseDelay:    c.RetryBaseDelay,
		RetryMaxDelay:     c.RetryMaxDelay,
		DefaultExpiresIn:  c.DefaultExpiresIn,
	}.WithDefaults()
}

// DefaultProviderConfig returns the production endpoints and timing defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		ClientID:          DefaultClientID,
		AuthorizeURL:      DefaultAuthorizeURL,
		TokenURL:          DefaultTokenURL,
		ModelsURL:         DefaultModelsURL,
		APIVersion:        DefaultAPIVersion,
		Scopes:            append([]string(nil), DefaultScopes...),
		ExchangeTimeout:   15 * time.Second,
		ValidationTimeout: 10 * time.Second,
		MaxRetries:        2,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     2 * time.Second,
		DefaultExpiresIn:  time.Hour,
	}
}

// WithDefaults fills every zero field from DefaultProviderConfig.
// A negative MaxRetries disables retries.
func (c ProviderConfig) WithDefaults() ProviderConfig {
	def := DefaultProviderConfig()
	if c.ClientID == "" {
		c.ClientID = def.ClientID
	}
	if c.AuthorizeURL == "" {
		c.AuthorizeURL = def.AuthorizeURL
	}
	if c.TokenURL == "" {
		c.TokenURL = def.TokenURL
	}
	if c.ModelsURL == "" {
		c.ModelsURL = def.ModelsURL
	}
	if c.APIVersion == "" {
		c.APIVersion = def.APIVersion
	}
	if len(c.Scopes) == 0 {
		c.Scopes = def.Scopes
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = def.ExchangeTimeout
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = def.ValidationTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = def.MaxRetries
	} else if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = 2 * c.RetryBaseDelay
	}
	if c.DefaultExpiresIn <= 0 {
		c.DefaultExpiresIn = def.DefaultExpiresIn
	}
	return c
}

// PKCEState holds one authorization attempt's PKCE material. It lives in memory
// only and is discarded once the attempt completes or goes stale.
type PKCEState struct {
	// CodeVerifier is the cryptographically random string used to correlate
	// the authorization request to the token request
	CodeVerifier string `json:"code_verifier"`
	// CodeChallenge is the SHA256 hash of the code verifier, base64url-encoded
	CodeChallenge string `json:"code_challenge"`
	// State is the anti-CSRF nonce echoed back by the authorization server
	State       string    `json:"state"`
	RedirectURI string    `json:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at"`
}

// Expired reports whether the attempt is older than ttl.
func (p *PKCEState) Expired(now time.Time, ttl time.Duration) bool {
	if p == nil {
		return true
	}
	return ttl > 0 && now.Sub(p.CreatedAt) > ttl
}

// Credential is an OAuth bearer credential issued by the token endpoint.
type Credential struct {
	// ID identifies the credential for single-flight refresh and persistence.
	ID           string    `json:"id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	ClientID     string    `json:"client_id"`
	TokenType    string    `json:"token_type,omitempty"`
	// IssuedAt is the local time the token endpoint response was received.
	IssuedAt time.Time `json:"issued_at"`

	Email            string `json:"email,omitempty"`
	OrganizationUUID string `json:"organization_uuid,omitempty"`
}

// Clone returns a value copy safe to hand to another goroutine.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// ExpiresWithin reports whether the credential expires before now+window.
func (c *Credential) ExpiresWithin(now time.Time, window time.Duration) bool {
	if c == nil {
		return true
	}
	return !c.ExpiresAt.After(now.Add(window))
}

// CanRefresh reports whether a refresh token is available.
func (c *Credential) CanRefresh() bool {
	return c != nil && c.RefreshToken != ""
}

// APIKeyRecord remembers a static key and the outcome of its last validation.
type APIKeyRecord struct {
	Key                  string    `json:"key"`
	ValidatedAt          time.Time `json:"validated_at"`
	LastValidationResult string    `json:"last_validation_result"`
}
