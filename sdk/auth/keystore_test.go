package auth

import (
	"context"
	"errors"
	"os"
	"runtime"
	"testing"

	"github.com/router-for-me/claudeauth/internal/auth/claude"
	"github.com/router-for-me/claudeauth/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

// Keychain tests share the global mock provider and must not run in parallel.

func sampleKeyRecord() *claude.APIKeyRecord {
	return &claude.APIKeyRecord{
		Key:                  "sk-ant-REDACTED",
		ValidatedAt:          baseTime,
		LastValidationResult: "valid (3 models)",
	}
}

func TestAPIKeyStoreUsesKeychain(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()
	store := NewAPIKeyStore(dir, config.KeyringConfig{Service: "claudeauth-test"})

	assert.False(t, store.HasAPIKey())
	require.NoError(t, store.SaveAPIKey(sampleKeyRecord()))
	assert.True(t, store.HasAPIKey())

	rec, err := store.LoadAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-REDACTED", rec.Key)
	assert.True(t, baseTime.Equal(rec.ValidatedAt))

	_, err = os.Stat(store.FilePath())
	assert.True(t, errors.Is(err, os.ErrNotExist), "keychain success must not write the fallback file")

	secret, err := keyring.Get("claudeauth-test", apiKeyAccount)
	require.NoError(t, err)
	assert.Contains(t, secret, "sk-ant-REDACTED")

	require.NoError(t, store.DeleteAPIKey())
	assert.False(t, store.HasAPIKey())
	require.NoError(t, store.DeleteAPIKey())
}

func TestAPIKeyStoreFallsBackToEncryptedFile(t *testing.T) {
	keyring.MockInitWithError(errors.New("no secret service"))
	t.Cleanup(keyring.MockInit)

	dir := t.TempDir()
	store := NewAPIKeyStore(dir, config.KeyringConfig{Passphrase: "test-pass"})
	require.NoError(t, store.SaveAPIKey(sampleKeyRecord()))

	data, err := os.ReadFile(store.FilePath())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-ant-api03")
	if runtime.GOOS != "windows" {
		info, errStat := os.Stat(store.FilePath())
		require.NoError(t, errStat)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	rec, err := store.LoadAPIKey()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "sk-ant-REDACTED", rec.Key)

	require.NoError(t, store.DeleteAPIKey())
	rec, err = store.LoadAPIKey()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAPIKeyStoreDisabledKeychain(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()
	store := NewAPIKeyStore(dir, config.KeyringConfig{Disable: true, Service: "claudeauth-test", Passphrase: "p1"})
	require.NoError(t, store.SaveAPIKey(sampleKeyRecord()))

	_, err := keyring.Get("claudeauth-test", apiKeyAccount)
	assert.ErrorIs(t, err, keyring.ErrNotFound)

	// another passphrase cannot open the file
	other := NewAPIKeyStore(dir, config.KeyringConfig{Disable: true, Passphrase: "p2"})
	_, err = other.LoadAPIKey()
	require.ErrorIs(t, err, claude.ErrStorage)

	rec, err := store.LoadAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "valid (3 models)", rec.LastValidationResult)
}

func TestAPIKeyStoreRejectsEmptyKey(t *testing.T) {
	keyring.MockInit()
	store := NewAPIKeyStore(t.TempDir(), config.KeyringConfig{})
	require.Error(t, store.SaveAPIKey(nil))
	require.Error(t, store.SaveAPIKey(&claude.APIKeyRecord{Key: "  "}))
}

func TestAPIKeyStoreCorruptFile(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()
	store := NewAPIKeyStore(dir, config.KeyringConfig{Disable: true})
	require.NoError(t, os.WriteFile(store.FilePath(), []byte("not json"), 0o600))

	_, err := store.LoadAPIKey()
	require.ErrorIs(t, err, claude.ErrStorage)
	assert.False(t, store.HasAPIKey())
}

func TestValidateAPIKeyRemembersValidKey(t *testing.T) {
	keyring.MockInit()
	keys := NewAPIKeyStore(t.TempDir(), config.KeyringConfig{})
	v := &fakeValidator{}
	clock := newTestClock()
	m := NewAuthManager(&fakeExchanger{}, v, nil, &ManagerOptions{KeyStore: keys, Now: clock.Now})

	catalog, err := m.ValidateAPIKey(context.Background(), "sk-ant-api03-remember-me")
	require.NoError(t, err)
	assert.Equal(t, []string{"claude-sonnet-4-5", "claude-opus-4-1"}, catalog.ClaudeModelIDs())

	rec, err := m.StoredAPIKey()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "sk-ant-api03-remember-me", rec.Key)
	assert.Equal(t, "valid (2 models)", rec.LastValidationResult)
	assert.True(t, baseTime.Equal(rec.ValidatedAt))

	v.err = claude.ErrInvalidAPIKey
	_, err = m.ValidateAPIKey(context.Background(), "sk-ant-api03-revoked")
	require.ErrorIs(t, err, claude.ErrInvalidAPIKey)
	rec, err = m.StoredAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-api03-remember-me", rec.Key, "a rejected key does not replace the stored one")

	require.NoError(t, m.ForgetAPIKey())
	rec, err = m.StoredAPIKey()
	require.NoError(t, err)
	assert.Nil(t, rec)
}
