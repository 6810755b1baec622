package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/router-for-me/claudeauth/internal/auth/claude"
	"github.com/router-for-me/claudeauth/internal/browser"
	"github.com/router-for-me/claudeauth/internal/logging"
	"github.com/router-for-me/claudeauth/internal/util"
	sdkAuth "github.com/router-for-me/claudeauth/sdk/auth"
	log "github.com/sirupsen/logrus"
)

// DoClaudeLogin runs the interactive PKCE login: it starts the loopback
// receiver, sends the user to the consent page and completes the
// authorization with whatever arrives first, the redirect or a pasted code.
// A storage failure after a successful exchange returns the credential
// together with the error.
func DoClaudeLogin(ctx context.Context, manager *sdkAuth.AuthManager, options *LoginOptions) (*claude.Credential, error) {
	opts := options.withDefaults()
	ctx, requestID := logging.EnsureRequestID(ctx)
	entry := log.WithContext(ctx).WithField("operation", "login")

	server := claude.NewOAuthServer(opts.CallbackPort)
	if err := server.Start(); err != nil {
		if claude.IsAuthenticationError(err) {
			return nil, err
		}
		return nil, claude.NewAuthenticationError(claude.ErrServerStartFailed, err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if errStop := server.Stop(stopCtx); errStop != nil {
			entry.Warnf("oauth callback server stop error: %v", errStop)
		}
	}()

	req, err := manager.BeginAuthorization(server.RedirectURI())
	if err != nil {
		return nil, err
	}
	state := req.PKCE.State
	entry.Debugf("authorization %s started, redirect %s", requestID, server.RedirectURI())

	presentAuthorizationURL(opts, req.AuthorizationURL, server.Port())
	fmt.Fprintln(opts.Out, "Waiting for Claude authentication callback...")

	type callbackOutcome struct {
		result *claude.OAuthResult
		err    error
	}
	callbackCh := make(chan callbackOutcome, 1)
	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()
	go func() {
		result, errWait := server.WaitForCallback(waitCtx, opts.CallbackTimeout)
		callbackCh <- callbackOutcome{result: result, err: errWait}
	}()

	var promptC <-chan time.Time
	if opts.Prompt != nil {
		promptTimer := time.NewTimer(opts.ManualPromptDelay)
		defer promptTimer.Stop()
		promptC = promptTimer.C
	}

	type promptOutcome struct {
		line string
		err  error
	}
	// Prompt blocks on the terminal; it runs in its own goroutine.
	promptCh := make(chan promptOutcome, 1)

	var input string
	for input == "" {
		select {
		case <-ctx.Done():
			manager.CancelAuthorization()
			return nil, claude.NewAuthenticationError(claude.ErrCancelled, ctx.Err())
		case outcome := <-callbackCh:
			if outcome.err != nil {
				if ctx.Err() != nil {
					manager.CancelAuthorization()
				}
				return nil, outcome.err
			}
			input = callbackQuery(outcome.result)
		case <-promptC:
			promptC = nil
			go func() {
				line, errPrompt := opts.Prompt("Paste the Claude callback URL or code (or press Enter to keep waiting): ")
				promptCh <- promptOutcome{line: line, err: errPrompt}
			}()
		case outcome := <-promptCh:
			if outcome.err != nil {
				return nil, outcome.err
			}
			input = strings.TrimSpace(outcome.line)
		}
	}

	cred, err := manager.CompleteAuthorization(ctx, input, state)
	if err != nil {
		if cred != nil && errors.Is(err, claude.ErrStorage) {
			fmt.Fprintln(opts.Out, "Claude authentication succeeded but the credential could not be saved.")
		}
		return cred, err
	}

	if fileStore, ok := manager.Store().(*sdkAuth.FileCredentialStore); ok {
		fmt.Fprintf(opts.Out, "Authentication saved to %s\n", fileStore.Path())
	}
	fmt.Fprintln(opts.Out, "Claude authentication successful!")
	return cred, nil
}

func presentAuthorizationURL(opts *LoginOptions, authURL string, port int) {
	if !opts.NoClipboard && !clipboard.Unsupported {
		if err := clipboard.WriteAll(authURL); err != nil {
			log.Debugf("copy authorization URL to clipboard: %v", err)
		} else {
			fmt.Fprintln(opts.Out, "The authorization URL was copied to the clipboard.")
		}
	}

	printURL := func() {
		if util.RemoteSession() {
			util.PrintSSHTunnelInstructions(opts.Out, port)
		}
		fmt.Fprintf(opts.Out, "Visit the following URL to continue authentication:\n%s\n", authURL)
	}

	if opts.NoBrowser {
		printURL()
		return
	}
	openURL := opts.OpenURL
	if openURL == nil {
		if !browser.IsAvailable() {
			log.Warn("no browser available; please open the URL manually")
			printURL()
			return
		}
		openURL = browser.OpenURL
	}
	fmt.Fprintln(opts.Out, "Opening browser for Claude authentication")
	if err := openURL(authURL); err != nil {
		log.Warnf("failed to open browser automatically: %v", err)
		printURL()
	}
}

// callbackQuery re-encodes the redirect parameters in the form the manager
// parses for pasted input.
func callbackQuery(result *claude.OAuthResult) string {
	if result == nil {
		return ""
	}
	values := url.Values{}
	if result.Code != "" {
		values.Set("code", result.Code)
	}
	if result.State != "" {
		values.Set("state", result.State)
	}
	if result.Error != "" {
		values.Set("error", result.Error)
	}
	if result.ErrorDescription != "" {
		values.Set("error_description", result.ErrorDescription)
	}
	return values.Encode()
}
