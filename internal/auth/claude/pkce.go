package claude

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

const (
	verifierBytes = 96 // encodes to 128 characters
	stateBytes    = 32
)

var rawURLEncoding = base64.URLEncoding.WithPadding(base64.NoPadding)

// PKCEGenerator produces verifier, challenge and state triples following RFC 7636.
type PKCEGenerator struct {
	// Random is the entropy source. Nil means crypto/rand.
	Random io.Reader
	// Now is the clock used for CreatedAt. Nil means time.Now.
	Now func() time.Time
}

// GeneratePKCEState builds a fresh PKCEState with the default generator.
func GeneratePKCEState(redirectURI string) (*PKCEState, error) {
	return (&PKCEGenerator{}).Generate(redirectURI)
}

// Generate creates the PKCE material for one authorization attempt.
// A failing random source yields ErrRandomSourceUnavailable.
func (g *PKCEGenerator) Generate(redirectURI string) (*PKCEState, error) {
	codeVerifier, err := g.randomString(verifierBytes)
	if err != nil {
		return nil, NewAuthenticationError(ErrRandomSourceUnavailable, fmt.Errorf("failed to generate code verifier: %w", err))
	}
	state, err := g.randomString(stateBytes)
	if err != nil {
		return nil, NewAuthenticationError(ErrRandomSourceUnavailable, fmt.Errorf("failed to generate state: %w", err))
	}

	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return &PKCEState{
		CodeVerifier:  codeVerifier,
		CodeChallenge: CodeChallengeS256(codeVerifier),
		State:         state,
		RedirectURI:   redirectURI,
		CreatedAt:     now(),
	}, nil
}

func (g *PKCEGenerator) randomString(n int) (string, error) {
	src := g.Random
	if src == nil {
		src = rand.Reader
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return rawURLEncoding.EncodeToString(buf), nil
}

// CodeChallengeS256 returns base64url(sha256(verifier)) without padding.
func CodeChallengeS256(codeVerifier string) string {
	hash := sha256.Sum256([]byte(codeVerifier))
	return rawURLEncoding.EncodeToString(hash[:])
}
