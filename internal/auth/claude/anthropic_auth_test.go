package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProvider(tokenURL string) ProviderConfig {
	return ProviderConfig{
		TokenURL:        tokenURL,
		AuthorizeURL:    "https://claude.test/oauth/authorize",
		ClientID:        "client-123",
		ExchangeTimeout: 2 * time.Second,
		RetryBaseDelay:  time.Millisecond,
		RetryMaxDelay:   2 * time.Millisecond,
	}
}

func newTestAuth(t *testing.T, handler http.HandlerFunc) (*ClaudeAuth, *atomic.Int32, time.Time) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	auth := NewClaudeAuthWithClient(testProvider(srv.URL), srv.Client())
	auth.SetClock(func() time.Time { return fixed })
	return auth, &calls, fixed
}

func testPKCE(t *testing.T) *PKCEState {
	t.Helper()
	pkce, err := GeneratePKCEState("http://localhost:54545/callback")
	require.NoError(t, err)
	return pkce
}

func TestExchangeSendsFormAndDerivesExpiry(t *testing.T) {
	t.Parallel()

	pkce := testPKCE(t)
	auth, calls, issued := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client-123", r.PostForm.Get("client_id"))
		assert.Equal(t, "abc123", r.PostForm.Get("code"))
		assert.Equal(t, pkce.CodeVerifier, r.PostForm.Get("code_verifier"))
		assert.Equal(t, pkce.RedirectURI, r.PostForm.Get("redirect_uri"))
		assert.Equal(t, pkce.State, r.PostForm.Get("state"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"access_token":"tok1","refresh_token":"ref1","expires_in":3600,"scope":"user:inference","token_type":"Bearer","account":{"uuid":"acct-1","email_address":"dev@example.com"},"organization":{"uuid":"org-1"}}`)
	})

	cred, err := auth.Exchange(context.Background(), "abc123", pkce, "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "tok1", cred.AccessToken)
	assert.Equal(t, "ref1", cred.RefreshToken)
	assert.Equal(t, issued.Add(3600*time.Second), cred.ExpiresAt)
	assert.Equal(t, issued, cred.IssuedAt)
	assert.Equal(t, "user:inference", cred.Scope)
	assert.Equal(t, "Bearer", cred.TokenType)
	assert.Equal(t, "client-123", cred.ClientID)
	assert.Equal(t, "acct-1", cred.ID)
	assert.Equal(t, "dev@example.com", cred.Email)
	assert.Equal(t, "org-1", cred.OrganizationUUID)
}

func TestExchangeDefaultsExpiryWhenAbsent(t *testing.T) {
	t.Parallel()

	auth, _, issued := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"access_token":"tok1"}`)
	})
	cred, err := auth.Exchange(context.Background(), "abc", testPKCE(t), "")
	require.NoError(t, err)
	assert.Equal(t, issued.Add(time.Hour), cred.ExpiresAt)
	assert.Empty(t, cred.RefreshToken)
}

func TestExchangeCapsHugeExpiresIn(t *testing.T) {
	t.Parallel()

	auth, _, issued := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"access_token":"tok1","expires_in":10000000000}`)
	})
	cred, err := auth.Exchange(context.Background(), "abc", testPKCE(t), "")
	require.NoError(t, err)
	assert.True(t, cred.ExpiresAt.After(issued))
	assert.Equal(t, issued.Add(365*24*time.Hour), cred.ExpiresAt)
}

func TestExchangeAcceptsCodeWithStateSuffix(t *testing.T) {
	t.Parallel()

	auth, _, _ := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "abc", r.PostForm.Get("code"))
		assert.Equal(t, "pasted-state", r.PostForm.Get("state"))
		_, _ = fmt.Fprint(w, `{"access_token":"tok1","expires_in":60}`)
	})
	_, err := auth.Exchange(context.Background(), "abc#pasted-state", testPKCE(t), "")
	require.NoError(t, err)
}

func TestRefreshSendsRefreshGrant(t *testing.T) {
	t.Parallel()

	auth, _, issued := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "other-client", r.PostForm.Get("client_id"))
		assert.Equal(t, "ref1", r.PostForm.Get("refresh_token"))
		assert.Empty(t, r.PostForm.Get("code"))
		_, _ = fmt.Fprint(w, `{"access_token":"tok2","refresh_token":"ref2","expires_in":120}`)
	})

	cred, err := auth.Refresh(context.Background(), "ref1", "other-client")
	require.NoError(t, err)
	assert.Equal(t, "tok2", cred.AccessToken)
	assert.Equal(t, "ref2", cred.RefreshToken)
	assert.Equal(t, "other-client", cred.ClientID)
	assert.Equal(t, issued.Add(2*time.Minute), cred.ExpiresAt)
}

func TestRefreshRequiresToken(t *testing.T) {
	t.Parallel()

	auth := NewClaudeAuthWithClient(testProvider("http://127.0.0.1:1"), nil)
	_, err := auth.Refresh(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestTokenRequestRetriesServerErrorsWithinBound(t *testing.T) {
	t.Parallel()

	auth, calls, _ := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, `{"error":"server_error","error_description":"try later"}`)
	})

	_, err := auth.Refresh(context.Background(), "ref1", "")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")

	authErr, ok := AsAuthenticationError(err)
	require.True(t, ok)
	assert.Equal(t, TypeTokenExchangeRejected, authErr.Type)
	assert.Equal(t, http.StatusServiceUnavailable, authErr.Code)
	assert.Equal(t, "try later", authErr.ProviderMessage)
	assert.True(t, authErr.Retryable())
}

func TestTokenRequestRecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	auth, calls, _ := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = fmt.Fprint(w, `{"access_token":"tok-after-retry","expires_in":3600}`)
	})

	cred, err := auth.Exchange(context.Background(), "abc", testPKCE(t), "")
	require.NoError(t, err)
	assert.Equal(t, "tok-after-retry", cred.AccessToken)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenRequestDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	auth, calls, _ := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Invalid 'code' in request."}`)
	})

	_, err := auth.Exchange(context.Background(), "reused", testPKCE(t), "")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, err, ErrTokenExchangeRejected)

	var oauthErr *OAuthError
	require.True(t, errors.As(err, &oauthErr))
	assert.Equal(t, "invalid_grant", oauthErr.Code)

	authErr, _ := AsAuthenticationError(err)
	assert.True(t, authErr.UserActionable())
	assert.Contains(t, GetUserFriendlyMessage(err), "log in again")
}

func TestTokenRequestProtocolViolations(t *testing.T) {
	t.Parallel()

	bodies := map[string]string{
		"not json":        `<html>maintenance</html>`,
		"no access token": `{"token_type":"Bearer"}`,
		"array":           `["tok"]`,
	}
	for name, body := range bodies {
		body := body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			auth, calls, _ := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = fmt.Fprint(w, body)
			})
			_, err := auth.Exchange(context.Background(), "abc", testPKCE(t), "")
			assert.ErrorIs(t, err, ErrProtocolViolation)
			assert.Equal(t, int32(1), calls.Load(), "protocol violations are not retried")
		})
	}
}

func TestTokenRequestNetworkUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	tokenURL := srv.URL
	srv.Close()

	auth := NewClaudeAuthWithClient(testProvider(tokenURL), nil)
	_, err := auth.Refresh(context.Background(), "ref1", "")
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.True(t, IsRetryable(err))
}

func TestTokenRequestTimeoutIsNetworkUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	provider := testProvider(srv.URL)
	provider.ExchangeTimeout = 50 * time.Millisecond
	provider.MaxRetries = -1
	auth := NewClaudeAuthWithClient(provider, srv.Client())

	_, err := auth.Refresh(context.Background(), "ref1", "")
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
}

func TestTokenRequestCancelled(t *testing.T) {
	t.Parallel()

	auth, calls, _ := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"access_token":"tok"}`)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := auth.Refresh(ctx, "ref1", "")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, int32(0), calls.Load())
}

func TestGenerateAuthURL(t *testing.T) {
	t.Parallel()

	auth := NewClaudeAuthWithClient(testProvider("https://claude.test/token"), nil)
	pkce := testPKCE(t)

	raw, err := auth.GenerateAuthURL(pkce)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "claude.test", u.Host)
	assert.Equal(t, "/oauth/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "true", q.Get("code"))
	assert.Equal(t, "client-123", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, pkce.RedirectURI, q.Get("redirect_uri"))
	assert.Equal(t, strings.Join(DefaultScopes, " "), q.Get("scope"))
	assert.Equal(t, pkce.CodeChallenge, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, pkce.State, q.Get("state"))

	_, err = auth.GenerateAuthURL(nil)
	assert.Error(t, err)
}

func TestRedactTokenBody(t *testing.T) {
	t.Parallel()

	out := redactTokenBody([]byte(`{"access_token":"sk-ant-oat01-secretvalue","expires_in":60}`))
	assert.NotContains(t, out, "secretvalue")
	assert.Contains(t, out, "sk-ant...alue")
	assert.Contains(t, out, `"expires_in":60`)
}
