package claude

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/claudeauth/internal/config"
	"github.com/router-for-me/claudeauth/internal/misc"
	"github.com/router-for-me/claudeauth/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ModelCatalog is the model listing returned for a valid API key. The raw
// body is kept as received; accessors read it lazily.
type ModelCatalog struct {
	Raw       []byte
	FetchedAt time.Time
}

// ModelInfo is the subset of a model descriptor the CLI displays.
type ModelInfo struct {
	ID          string
	DisplayName string
	Type        string
	CreatedAt   string
}

func (c *ModelCatalog) entries() []gjson.Result {
	if c == nil || len(c.Raw) == 0 {
		return nil
	}
	root := gjson.ParseBytes(c.Raw)
	if root.IsArray() {
		return root.Array()
	}
	return root.Get("data").Array()
}

// Len returns the number of model descriptors.
func (c *ModelCatalog) Len() int { return len(c.entries()) }

// Models returns every descriptor in catalog order.
func (c *ModelCatalog) Models() []ModelInfo {
	entries := c.entries()
	out := make([]ModelInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, ModelInfo{
			ID:          e.Get("id").String(),
			DisplayName: e.Get("display_name").String(),
			Type:        e.Get("type").String(),
			CreatedAt:   e.Get("created_at").String(),
		})
	}
	return out
}

// ClaudeModelIDs returns the ids starting with "claude-", newest first.
func (c *ModelCatalog) ClaudeModelIDs() []string {
	var ids []string
	for _, m := range c.Models() {
		if strings.HasPrefix(m.ID, "claude-") {
			ids = append(ids, m.ID)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids
}

// APIKeyValidator checks a static API key against the model catalog endpoint.
// It never retries; callers decide based on the returned failure type.
type APIKeyValidator struct {
	httpClient *http.Client
	provider   ProviderConfig
	now        func() time.Time
}

// NewAPIKeyValidator builds a validator from application configuration.
func NewAPIKeyValidator(cfg *config.Config) *APIKeyValidator {
	client := &http.Client{}
	if cfg != nil {
		client = util.SetProxy(&cfg.SDKConfig, client)
	}
	return NewAPIKeyValidatorWithClient(ProviderConfigFromConfig(cfg), client)
}

// NewAPIKeyValidatorWithClient builds a validator with an explicit HTTP client.
func NewAPIKeyValidatorWithClient(provider ProviderConfig, httpClient *http.Client) *APIKeyValidator {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &APIKeyValidator{
		httpClient: httpClient,
		provider:   provider.WithDefaults(),
		now:        time.Now,
	}
}

// Validate lists models with apiKey. A 200 reply returns the catalog, even an
// empty one. 401/403 yield ErrInvalidAPIKey, 429 a RateLimited failure with
// the server's hint, anything else ErrValidationUnavailable.
func (v *APIKeyValidator) Validate(ctx context.Context, apiKey string) (*ModelCatalog, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, NewAuthenticationError(ErrInvalidAPIKey, fmt.Errorf("api key is empty"))
	}
	if err := ctx.Err(); err != nil {
		return nil, NewAuthenticationError(ErrCancelled, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, v.provider.ValidationTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, v.provider.ModelsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create models request: %w", err)
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", v.provider.APIVersion)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", acceptEncoding)

	log.Debugf("validating api key %s against %s", misc.MaskKey(apiKey), v.provider.ModelsURL)
	resp, err := v.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, NewAuthenticationError(ErrCancelled, err)
		}
		return nil, NewAuthenticationError(ErrValidationUnavailable, err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		invalid := NewAuthenticationError(ErrInvalidAPIKey, nil)
		invalid.Code = resp.StatusCode
		invalid.ProviderMessage = readProviderMessage(resp)
		return nil, invalid
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewRateLimited(parseRetryAfter(resp.Header.Get("Retry-After"), v.now()))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		unavailable := NewAuthenticationError(ErrValidationUnavailable, nil)
		unavailable.Code = resp.StatusCode
		unavailable.ProviderMessage = readProviderMessage(resp)
		return nil, unavailable
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewAuthenticationError(ErrValidationUnavailable, err)
	}
	body, err := decodeBody(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, NewAuthenticationError(ErrProtocolViolation, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, NewAuthenticationError(ErrProtocolViolation, fmt.Errorf("model catalog is not valid JSON"))
	}
	if root := gjson.ParseBytes(body); !root.IsArray() && !root.IsObject() {
		return nil, NewAuthenticationError(ErrProtocolViolation, fmt.Errorf("model catalog is neither an array nor an object"))
	}
	return &ModelCatalog{Raw: body, FetchedAt: v.now()}, nil
}

func readProviderMessage(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return ""
	}
	body, err := decodeBody(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return ""
	}
	return providerMessage(parseOAuthError(body, resp.StatusCode), body)
}

// maxRetryAfter caps the hint a provider can hand back.
const maxRetryAfter = 24 * time.Hour

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparsable,
// non-finite or past values yield zero; longer hints are capped at
// maxRetryAfter.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 {
			return 0
		}
		if secs >= maxRetryAfter.Seconds() {
			return maxRetryAfter
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return min(d, maxRetryAfter)
		}
	}
	return 0
}
