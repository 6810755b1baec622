package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/router-for-me/claudeauth/internal/auth/claude"
	"github.com/router-for-me/claudeauth/internal/config"
	"github.com/router-for-me/claudeauth/internal/misc"
	log "github.com/sirupsen/logrus"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/scrypt"
)

const (
	// KeystoreFileName is the encrypted fallback inside the auth directory.
	KeystoreFileName = "keystore.enc"

	defaultKeyringService = "claudeauth"
	apiKeyAccount         = "anthropic-api-key"
	defaultPassphrase     = "claudeauth-local-keystore-v1"

	keystoreVersion = 1
	scryptN         = 1 << 15
	scryptR         = 8
	scryptP         = 1
	saltSize        = 16
)

type sealedKeystore struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// APIKeyStore keeps the validated API key record in the OS keychain. When the
// keychain is disabled or unusable it falls back to an AES-GCM encrypted file
// whose key is derived with scrypt.
type APIKeyStore struct {
	mu         sync.Mutex
	service    string
	useKeyring bool
	filePath   string
	passphrase string
	randSource io.Reader
}

// NewAPIKeyStore creates a store rooted at authDir.
func NewAPIKeyStore(authDir string, cfg config.KeyringConfig) *APIKeyStore {
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = defaultKeyringService
	}
	passphrase := cfg.Passphrase
	if passphrase == "" {
		passphrase = defaultPassphrase
		if host, err := os.Hostname(); err == nil {
			passphrase += ":" + host
		}
	}
	return &APIKeyStore{
		service:    service,
		useKeyring: !cfg.Disable,
		filePath:   filepath.Join(authDir, KeystoreFileName),
		passphrase: passphrase,
		randSource: rand.Reader,
	}
}

// FilePath returns the location of the encrypted fallback.
func (s *APIKeyStore) FilePath() string { return s.filePath }

// SaveAPIKey stores rec, preferring the keychain.
func (s *APIKeyStore) SaveAPIKey(rec *claude.APIKeyRecord) error {
	if rec == nil || strings.TrimSpace(rec.Key) == "" {
		return fmt.Errorf("auth keystore: api key is empty")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return claude.NewStorageError("encode", s.filePath, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.useKeyring {
		errSet := keyring.Set(s.service, apiKeyAccount, string(data))
		if errSet == nil {
			log.Debugf("api key %s saved to system keychain", misc.MaskKey(rec.Key))
			s.removeFileLocked()
			return nil
		}
		log.Warnf("system keychain unavailable, using encrypted file: %v", errSet)
	}
	if err = s.writeFileLocked(data); err != nil {
		return claude.NewStorageError("write", s.filePath, err)
	}
	log.Debugf("api key %s saved to %s", misc.MaskKey(rec.Key), s.filePath)
	return nil
}

// LoadAPIKey returns the stored record, or nil when none exists.
func (s *APIKeyStore) LoadAPIKey() (*claude.APIKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.useKeyring {
		secret, err := keyring.Get(s.service, apiKeyAccount)
		switch {
		case err == nil:
			return decodeAPIKeyRecord([]byte(secret))
		case errors.Is(err, keyring.ErrNotFound):
		default:
			log.Debugf("system keychain read failed, trying encrypted file: %v", err)
		}
	}

	plain, err := s.readFileLocked()
	if err != nil {
		return nil, err
	}
	if plain == nil {
		return nil, nil
	}
	return decodeAPIKeyRecord(plain)
}

// HasAPIKey reports whether a record is stored.
func (s *APIKeyStore) HasAPIKey() bool {
	rec, err := s.LoadAPIKey()
	return err == nil && rec != nil
}

// DeleteAPIKey removes the record from both the keychain and the file.
func (s *APIKeyStore) DeleteAPIKey() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.useKeyring {
		if err := keyring.Delete(s.service, apiKeyAccount); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			log.Debugf("system keychain delete failed: %v", err)
		}
	}
	if err := os.Remove(s.filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return claude.NewStorageError("remove", s.filePath, err)
	}
	return nil
}

func (s *APIKeyStore) removeFileLocked() {
	if err := os.Remove(s.filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("auth keystore: remove stale %s: %v", s.filePath, err)
	}
}

func (s *APIKeyStore) writeFileLocked(plain []byte) error {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(s.randSource, salt); err != nil {
		return claude.NewAuthenticationError(claude.ErrRandomSourceUnavailable, err)
	}
	gcm, err := s.cipher(salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(s.randSource, nonce); err != nil {
		return claude.NewAuthenticationError(claude.ErrRandomSourceUnavailable, err)
	}
	sealed := sealedKeystore{
		Version:    keystoreVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plain, []byte(apiKeyAccount))),
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(s.filePath), 0o700); err != nil {
		return err
	}
	return writeFileAtomic(s.filePath, data, 0o600)
}

// readFileLocked returns (nil, nil) when the file is absent. A file that
// cannot be decrypted is reported as a storage error.
func (s *APIKeyStore) readFileLocked() ([]byte, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, claude.NewStorageError("read", s.filePath, err)
	}
	var sealed sealedKeystore
	if err = json.Unmarshal(data, &sealed); err != nil {
		return nil, claude.NewStorageError("decode", s.filePath, err)
	}
	if sealed.Version != keystoreVersion {
		return nil, claude.NewStorageError("decode", s.filePath, fmt.Errorf("unsupported keystore version %d", sealed.Version))
	}
	salt, errSalt := base64.StdEncoding.DecodeString(sealed.Salt)
	nonce, errNonce := base64.StdEncoding.DecodeString(sealed.Nonce)
	ciphertext, errCipher := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err = errors.Join(errSalt, errNonce, errCipher); err != nil {
		return nil, claude.NewStorageError("decode", s.filePath, err)
	}
	gcm, err := s.cipher(salt)
	if err != nil {
		return nil, claude.NewStorageError("decrypt", s.filePath, err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, claude.NewStorageError("decrypt", s.filePath, fmt.Errorf("invalid nonce length %d", len(nonce)))
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, []byte(apiKeyAccount))
	if err != nil {
		return nil, claude.NewStorageError("decrypt", s.filePath, err)
	}
	return plain, nil
}

func (s *APIKeyStore) cipher(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(s.passphrase), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("derive keystore key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func decodeAPIKeyRecord(data []byte) (*claude.APIKeyRecord, error) {
	var rec claude.APIKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, claude.NewStorageError("decode", apiKeyAccount, err)
	}
	if rec.Key == "" {
		return nil, nil
	}
	return &rec, nil
}
