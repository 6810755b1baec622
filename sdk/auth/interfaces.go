package auth

import (
	"context"

	"github.com/router-for-me/claudeauth/internal/auth/claude"
)

// CredentialStore persists the single OAuth credential of the local user.
// Load returns (nil, nil) when no usable record exists.
type CredentialStore interface {
	Load(ctx context.Context) (*claude.Credential, error)
	Save(ctx context.Context, cred *claude.Credential) error
	Clear(ctx context.Context) error
}

// TokenRefresher trades a refresh token for a new credential.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken, clientID string) (*claude.Credential, error)
}

// CodeExchanger drives the authorization-code half of the PKCE flow.
type CodeExchanger interface {
	TokenRefresher
	GenerateAuthURL(pkce *claude.PKCEState) (string, error)
	Exchange(ctx context.Context, code string, pkce *claude.PKCEState, clientID string) (*claude.Credential, error)
}

// KeyValidator checks a static API key.
type KeyValidator interface {
	Validate(ctx context.Context, apiKey string) (*claude.ModelCatalog, error)
}

// Mirror keeps a remote copy of the encoded credential record. Pull returns
// (nil, nil) when the remote holds no record.
type Mirror interface {
	Push(ctx context.Context, data []byte) error
	Pull(ctx context.Context) ([]byte, error)
	Remove(ctx context.Context) error
}
