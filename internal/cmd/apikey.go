package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/router-for-me/claudeauth/internal/auth/claude"
	"github.com/router-for-me/claudeauth/internal/logging"
	"github.com/router-for-me/claudeauth/internal/misc"
	sdkAuth "github.com/router-for-me/claudeauth/sdk/auth"
	log "github.com/sirupsen/logrus"
)

// ResolveAPIKey picks the key to validate: the flag value, then
// ANTHROPIC_API_KEY, then the prompt when one is given.
func ResolveAPIKey(flagValue string, prompt func(string) (string, error)) (string, error) {
	if key := strings.TrimSpace(flagValue); key != "" {
		return key, nil
	}
	if key, ok := lookupEnv("ANTHROPIC_API_KEY"); ok {
		return key, nil
	}
	if prompt == nil {
		return "", claude.NewAuthenticationError(claude.ErrInvalidAPIKey, fmt.Errorf("no API key given"))
	}
	key, err := prompt("Enter your Anthropic API key: ")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(key), nil
}

// DoValidateAPIKey validates key against the models endpoint and prints the
// Claude models it can reach.
func DoValidateAPIKey(ctx context.Context, manager *sdkAuth.AuthManager, key string, out io.Writer) error {
	ctx, _ = logging.EnsureRequestID(ctx)
	entry := log.WithContext(ctx).WithField("operation", "validate-key")

	catalog, err := manager.ValidateAPIKey(ctx, key)
	if err != nil {
		entry.WithField("error", err).Debug("api key validation failed")
		return err
	}
	ids := catalog.ClaudeModelIDs()
	fmt.Fprintf(out, "API key %s is valid (%d models available)\n", misc.MaskKey(key), catalog.Len())
	for _, id := range ids {
		fmt.Fprintf(out, "  %s\n", id)
	}
	entry.WithField("models", catalog.Len()).Info("api key validated")
	return nil
}
