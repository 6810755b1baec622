package claude

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T, handler http.HandlerFunc) (*APIKeyValidator, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	v := NewAPIKeyValidatorWithClient(ProviderConfig{ModelsURL: srv.URL + "/v1/models"}, srv.Client())
	return v, &calls
}

func TestValidateSendsKeyHeaders(t *testing.T) {
	t.Parallel()

	v, _ := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, "sk-ant-test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		_, _ = fmt.Fprint(w, `{"data":[{"id":"claude-3-5-haiku-20241022","display_name":"Claude Haiku 3.5","type":"model"},{"id":"claude-sonnet-4-20250514"},{"id":"other-model"}],"has_more":false}`)
	})

	catalog, err := v.Validate(context.Background(), "  sk-ant-test-key ")
	require.NoError(t, err)
	require.Equal(t, 3, catalog.Len())
	assert.Equal(t, "Claude Haiku 3.5", catalog.Models()[0].DisplayName)
	assert.Equal(t, []string{"claude-sonnet-4-20250514", "claude-3-5-haiku-20241022"}, catalog.ClaudeModelIDs())
}

func TestValidateEmptyCatalogIsSuccess(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`{"data":[]}`, `[]`} {
		body := body
		v, _ := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, body)
		})
		catalog, err := v.Validate(context.Background(), "sk-ant-test-key")
		require.NoError(t, err, body)
		require.NotNil(t, catalog)
		assert.Equal(t, 0, catalog.Len())
		assert.Empty(t, catalog.ClaudeModelIDs())
	}
}

func TestValidateClassifiesFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		header map[string]string
		body   string
		want   error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`, want: ErrInvalidAPIKey},
		{name: "forbidden", status: http.StatusForbidden, want: ErrInvalidAPIKey},
		{name: "rate limited", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "7"}, want: ErrRateLimited},
		{name: "server error", status: http.StatusInternalServerError, want: ErrValidationUnavailable},
		{name: "overloaded", status: 529, want: ErrValidationUnavailable},
		{name: "not found", status: http.StatusNotFound, want: ErrValidationUnavailable},
		{name: "garbage body", status: http.StatusOK, body: "not json", want: ErrProtocolViolation},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v, calls := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
				for k, val := range tc.header {
					w.Header().Set(k, val)
				}
				w.WriteHeader(tc.status)
				_, _ = fmt.Fprint(w, tc.body)
			})
			_, err := v.Validate(context.Background(), "sk-ant-test-key")
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, int32(1), calls.Load(), "validator never retries")
		})
	}
}

func TestValidateRateLimitedCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	v, _ := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := v.Validate(context.Background(), "sk-ant-test-key")
	authErr, ok := AsAuthenticationError(err)
	require.True(t, ok)
	assert.Equal(t, TypeRateLimited, authErr.Type)
	assert.Equal(t, 7*time.Second, authErr.RetryAfter)
	assert.True(t, authErr.Retryable())
}

func TestValidateInvalidKeyIsTerminal(t *testing.T) {
	t.Parallel()

	v, _ := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	})
	_, err := v.Validate(context.Background(), "sk-ant-bad")
	authErr, ok := AsAuthenticationError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, authErr.Code)
	assert.Equal(t, "invalid x-api-key", authErr.ProviderMessage)
	assert.False(t, authErr.Retryable())
	assert.True(t, authErr.UserActionable())
}

func TestValidateEmptyKeySkipsNetwork(t *testing.T) {
	t.Parallel()

	v, calls := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := v.Validate(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	assert.Equal(t, int32(0), calls.Load())
}

func TestValidateTransportFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	modelsURL := srv.URL
	srv.Close()

	v := NewAPIKeyValidatorWithClient(ProviderConfig{ModelsURL: modelsURL}, nil)
	_, err := v.Validate(context.Background(), "sk-ant-test-key")
	assert.ErrorIs(t, err, ErrValidationUnavailable)
}

func TestValidateTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	v := NewAPIKeyValidatorWithClient(ProviderConfig{ModelsURL: srv.URL, ValidationTimeout: 50 * time.Millisecond}, srv.Client())
	_, err := v.Validate(context.Background(), "sk-ant-test-key")
	assert.ErrorIs(t, err, ErrValidationUnavailable)
}

func TestValidateDecodesCompressedCatalog(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`{"data":[{"id":"claude-opus-4-20250514"}]}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	v, _ := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "br")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	})
	catalog, err := v.Validate(context.Background(), "sk-ant-test-key")
	require.NoError(t, err)
	assert.Equal(t, []string{"claude-opus-4-20250514"}, catalog.ClaudeModelIDs())
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, 1500*time.Millisecond, parseRetryAfter("1.5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
}

func TestParseRetryAfterRejectsUnboundedValues(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, value := range []string{"NaN", "Inf", "+Inf", "-Inf"} {
		assert.Equal(t, time.Duration(0), parseRetryAfter(value, now), value)
	}
	assert.Equal(t, 24*time.Hour, parseRetryAfter("1e300", now))
	assert.Equal(t, 24*time.Hour, parseRetryAfter("9999999999", now))
	assert.Equal(t, 24*time.Hour, parseRetryAfter(now.AddDate(1, 0, 0).Format(http.TimeFormat), now))
}
