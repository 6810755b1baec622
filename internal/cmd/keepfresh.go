package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/router-for-me/claudeauth/internal/auth/claude"
	"github.com/router-for-me/claudeauth/internal/config"
	"github.com/router-for-me/claudeauth/internal/logging"
	"github.com/router-for-me/claudeauth/internal/watcher"
	sdkAuth "github.com/router-for-me/claudeauth/sdk/auth"
	log "github.com/sirupsen/logrus"
)

const (
	keepFreshMinWait    = 5 * time.Second
	keepFreshRetryDelay = 30 * time.Second
)

// StartWatcher invalidates the manager's cached credential whenever another
// process rewrites the record. An existing configPath is watched too and
// reloads are passed to onConfig.
func StartWatcher(ctx context.Context, manager *sdkAuth.AuthManager, configPath string, onConfig func(*config.Config)) (*watcher.Watcher, error) {
	fileStore, ok := manager.Store().(*sdkAuth.FileCredentialStore)
	if !ok {
		return nil, fmt.Errorf("credential watcher: store is not file backed")
	}
	w, err := watcher.NewWatcher(fileStore.Path(), manager.Invalidate)
	if err != nil {
		return nil, fmt.Errorf("credential watcher: %w", err)
	}
	if configPath != "" && onConfig != nil {
		if _, errStat := os.Stat(configPath); errStat == nil {
			w.WatchConfig(configPath, onConfig)
		}
	}
	if err = w.Start(ctx); err != nil {
		_ = w.Stop()
		return nil, fmt.Errorf("credential watcher: %w", err)
	}
	return w, nil
}

// DoKeepFresh keeps the stored credential valid until ctx ends, refreshing
// shortly before each expiry. maxWait caps the sleep between checks. It
// returns nil on cancellation and the error when re-authentication is needed.
func DoKeepFresh(ctx context.Context, manager *sdkAuth.AuthManager, maxWait time.Duration) error {
	ctx, _ = logging.EnsureRequestID(ctx)
	entry := log.WithContext(ctx).WithField("operation", "keep-fresh")
	grace := manager.Coordinator().GraceWindow()
	now := time.Now

	for {
		cred, err := manager.GetValidCredential(ctx)
		wait := keepFreshRetryDelay
		switch {
		case err == nil, cred != nil && errors.Is(err, claude.ErrStorage):
			if err != nil {
				entry.WithField("error", err).Warn("credential refreshed but not saved")
			}
			wait = cred.ExpiresAt.Sub(now()) - grace
			entry.WithField("state", sdkAuth.StateFresh).Debugf("credential valid until %s", cred.ExpiresAt.Format(time.RFC3339))
		case errors.Is(err, claude.ErrCancelled) && ctx.Err() != nil:
			return nil
		case claude.IsRetryable(err):
			entry.WithField("error", err).Warn("refresh failed, retrying later")
		default:
			return err
		}

		wait = max(wait, keepFreshMinWait)
		if maxWait > 0 {
			wait = min(wait, maxWait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
