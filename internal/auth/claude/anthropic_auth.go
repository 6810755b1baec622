package claude

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/router-for-me/claudeauth/internal/config"
	"github.com/router-for-me/claudeauth/internal/misc"
	"github.com/router-for-me/claudeauth/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"
)

const (
	maxProviderMessage = 512
	// maxExpiresInSeconds caps expires_in at one year.
	maxExpiresInSeconds = 365 * 24 * 60 * 60
)

// ClaudeAuth handles the Anthropic OAuth2 token endpoint: authorization URL
// generation, code exchange and refresh. Every token request is a single
// form-encoded POST retried at most ProviderConfig.MaxRetries times on 5xx and
// transport failures.
type ClaudeAuth struct {
	httpClient *http.Client
	provider   ProviderConfig
	executor   failsafe.Executor[*Credential]
	now        func() time.Time
}

// NewClaudeAuth creates the token exchange client from application
// configuration. With tls-fingerprint enabled the client uses the uTLS
// transport, otherwise a standard transport honouring proxy-url.
func NewClaudeAuth(cfg *config.Config) *ClaudeAuth {
	return NewClaudeAuthWithClient(ProviderConfigFromConfig(cfg), newProviderHTTPClient(cfg))
}

// NewClaudeAuthWithClient creates the client with an explicit provider
// configuration and HTTP client.
func NewClaudeAuthWithClient(provider ProviderConfig, httpClient *http.Client) *ClaudeAuth {
	provider = provider.WithDefaults()
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	policy := retrypolicy.NewBuilder[*Credential]().
		HandleIf(func(_ *Credential, err error) bool {
			return IsRetryable(err)
		}).
		WithMaxRetries(provider.MaxRetries).
		WithBackoff(provider.RetryBaseDelay, provider.RetryMaxDelay).
		ReturnLastFailure().
		Build()
	return &ClaudeAuth{
		httpClient: httpClient,
		provider:   provider,
		executor:   failsafe.With[*Credential](policy),
		now:        time.Now,
	}
}

func newProviderHTTPClient(cfg *config.Config) *http.Client {
	if cfg != nil && cfg.TLSFingerprint {
		return NewAnthropicHttpClient(&cfg.SDKConfig)
	}
	client := &http.Client{}
	if cfg != nil {
		client = util.SetProxy(&cfg.SDKConfig, client)
	}
	return client
}

// Provider returns the effective provider configuration.
func (o *ClaudeAuth) Provider() ProviderConfig { return o.provider }

// SetClock overrides the time source used for issuance timestamps.
func (o *ClaudeAuth) SetClock(now func() time.Time) {
	if now != nil {
		o.now = now
	}
}

// GenerateAuthURL creates the authorization URL the user opens to consent.
func (o *ClaudeAuth) GenerateAuthURL(pkce *PKCEState) (string, error) {
	if pkce == nil {
		return "", fmt.Errorf("PKCE state is required")
	}
	oauthCfg := &oauth2.Config{
		ClientID:    o.provider.ClientID,
		RedirectURL: pkce.RedirectURI,
		Scopes:      o.provider.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  o.provider.AuthorizeURL,
			TokenURL: o.provider.TokenURL,
		},
	}
	return oauthCfg.AuthCodeURL(pkce.State,
		oauth2.SetAuthURLParam("code", "true"),
		oauth2.SetAuthURLParam("code_challenge", pkce.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	), nil
}

// parseCodeAndState splits a pasted "code#state" value.
func parseCodeAndState(code string) (parsedCode, parsedState string) {
	parsedCode, parsedState, _ = strings.Cut(strings.TrimSpace(code), "#")
	return
}

// Exchange trades an authorization code for a credential. An empty clientID
// uses the configured one.
func (o *ClaudeAuth) Exchange(ctx context.Context, code string, pkce *PKCEState, clientID string) (*Credential, error) {
	if pkce == nil {
		return nil, fmt.Errorf("PKCE state is required for token exchange")
	}
	newCode, newState := parseCodeAndState(code)
	if newCode == "" {
		return nil, fmt.Errorf("authorization code is required")
	}
	if clientID == "" {
		clientID = o.provider.ClientID
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {newCode},
		"code_verifier": {pkce.CodeVerifier},
		"redirect_uri":  {pkce.RedirectURI},
	}
	state := pkce.State
	if newState != "" {
		state = newState
	}
	if state != "" {
		form.Set("state", state)
	}
	return o.tokenRequest(ctx, "exchange", form, clientID)
}

// Refresh obtains a new credential from a refresh token.
func (o *ClaudeAuth) Refresh(ctx context.Context, refreshToken, clientID string) (*Credential, error) {
	if refreshToken == "" {
		return nil, NewAuthenticationError(ErrNotAuthenticated, fmt.Errorf("refresh token is required"))
	}
	if clientID == "" {
		clientID = o.provider.ClientID
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {refreshToken},
	}
	return o.tokenRequest(ctx, "refresh", form, clientID)
}

func (o *ClaudeAuth) tokenRequest(ctx context.Context, op string, form url.Values, clientID string) (*Credential, error) {
	attempt := 0
	cred, err := o.executor.WithContext(ctx).Get(func() (*Credential, error) {
		attempt++
		c, errDo := o.doTokenRequest(ctx, form, clientID)
		if errDo != nil {
			log.Warnf("claude token %s attempt %d failed: %v", op, attempt, errDo)
		}
		return c, errDo
	})
	if err != nil {
		if ctx.Err() != nil && !IsAuthenticationError(err) {
			return nil, NewAuthenticationError(ErrCancelled, ctx.Err())
		}
		return nil, err
	}
	return cred, nil
}

func (o *ClaudeAuth) doTokenRequest(ctx context.Context, form url.Values, clientID string) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewAuthenticationError(ErrCancelled, err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, o.provider.ExchangeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, o.provider.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	issuedAt := o.now()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		oauthErr := parseOAuthError(body, resp.StatusCode)
		var cause error
		if oauthErr != nil {
			cause = oauthErr
		}
		return nil, NewTokenExchangeRejected(resp.StatusCode, providerMessage(oauthErr, body), cause)
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("claude token response: %s", redactTokenBody(body))
	}
	return o.parseTokenResponse(body, clientID, issuedAt)
}

// classifyTransportError maps a client failure to Cancelled when the caller
// gave up and to NetworkUnavailable otherwise, per-attempt timeouts included.
func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return NewAuthenticationError(ErrCancelled, err)
	}
	return NewAuthenticationError(ErrNetworkUnavailable, err)
}

func (o *ClaudeAuth) parseTokenResponse(body []byte, clientID string, issuedAt time.Time) (*Credential, error) {
	if !gjson.ValidBytes(body) {
		return nil, NewAuthenticationError(ErrProtocolViolation, fmt.Errorf("token response is not valid JSON"))
	}
	res := gjson.ParseBytes(body)
	if !res.IsObject() {
		return nil, NewAuthenticationError(ErrProtocolViolation, fmt.Errorf("token response is not a JSON object"))
	}
	accessToken := res.Get("access_token").String()
	if accessToken == "" {
		return nil, NewAuthenticationError(ErrProtocolViolation, fmt.Errorf("token response has no access_token"))
	}

	expiresIn := o.provider.DefaultExpiresIn
	if v := res.Get("expires_in"); v.Exists() && v.Int() > 0 {
		expiresIn = time.Duration(min(v.Int(), maxExpiresInSeconds)) * time.Second
	}

	return &Credential{
		ID:               res.Get("account.uuid").String(),
		AccessToken:      accessToken,
		RefreshToken:     res.Get("refresh_token").String(),
		ExpiresAt:        issuedAt.Add(expiresIn),
		Scope:            res.Get("scope").String(),
		ClientID:         clientID,
		TokenType:        res.Get("token_type").String(),
		IssuedAt:         issuedAt,
		Email:            res.Get("account.email_address").String(),
		OrganizationUUID: res.Get("organization.uuid").String(),
	}, nil
}

// parseOAuthError understands both the RFC 6749 error body and Anthropic's
// {"error":{"type":..,"message":..}} envelope.
func parseOAuthError(body []byte, status int) *OAuthError {
	if !gjson.ValidBytes(body) {
		return nil
	}
	res := gjson.ParseBytes(body)
	errField := res.Get("error")
	if !errField.Exists() {
		return nil
	}
	if errField.IsObject() {
		return NewOAuthError(errField.Get("type").String(), errField.Get("message").String(), status)
	}
	oauthErr := NewOAuthError(errField.String(), res.Get("error_description").String(), status)
	oauthErr.URI = res.Get("error_uri").String()
	return oauthErr
}

func providerMessage(oauthErr *OAuthError, body []byte) string {
	if oauthErr != nil {
		if oauthErr.Description != "" {
			return oauthErr.Description
		}
		if oauthErr.Code != "" {
			return oauthErr.Code
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxProviderMessage {
		msg = msg[:maxProviderMessage] + "..."
	}
	return msg
}

// redactTokenBody masks token values before a response body is logged.
func redactTokenBody(body []byte) string {
	out := body
	for _, field := range []string{"access_token", "refresh_token", "id_token"} {
		v := gjson.GetBytes(out, field)
		if !v.Exists() {
			continue
		}
		if updated, err := sjson.SetBytes(out, field, misc.MaskKey(v.String())); err == nil {
			out = updated
		}
	}
	return string(out)
}
