package cmd

import (
	"context"

	"github.com/router-for-me/claudeauth/internal/config"
	"github.com/router-for-me/claudeauth/internal/util"
	sdkAuth "github.com/router-for-me/claudeauth/sdk/auth"
)

// NewManager builds the AuthManager for cfg, attaching the remote mirror
// selected by the environment. The returned func releases the mirror.
func NewManager(ctx context.Context, cfg *config.Config) (*sdkAuth.AuthManager, func(), error) {
	localBase := util.WritablePath()
	if localBase == "" {
		authDir, err := util.ResolveAuthDir(cfg.AuthDir)
		if err != nil {
			return nil, func() {}, err
		}
		localBase = authDir
	}
	mirror, closeMirror, err := MirrorFromEnv(ctx, localBase)
	if err != nil {
		return nil, func() {}, err
	}
	manager, err := sdkAuth.NewAuthManagerFromConfig(cfg, mirror)
	if err != nil {
		closeMirror()
		return nil, func() {}, err
	}
	return manager, closeMirror, nil
}
