// Package auth implements the credential lifecycle on top of the Claude
// protocol clients: persistence, single-flight refresh and the AuthManager
// façade used by the CLI.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/claudeauth/internal/auth/claude"
	"github.com/router-for-me/claudeauth/internal/misc"
	log "github.com/sirupsen/logrus"
)

// CredentialFileName is the record name inside the auth directory.
const CredentialFileName = "claude-credential.json"

const (
	defaultLockTimeout = 5 * time.Second
	staleLockAge       = 30 * time.Second
	lockPollInterval   = 25 * time.Millisecond
)

// FileCredentialStore keeps the credential record in one JSON file written
// with owner-only permissions. Writers are serialized in-process by mu and
// across processes by a sidecar lock file; the record itself is replaced by
// rename so readers never see a partial write.
type FileCredentialStore struct {
	mu          sync.RWMutex
	path        string
	mirror      Mirror
	lockTimeout time.Duration
	now         func() time.Time
}

// NewFileCredentialStore creates a store for the record at path.
func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{
		path:        filepath.Clean(path),
		lockTimeout: defaultLockTimeout,
		now:         time.Now,
	}
}

// NewFileCredentialStoreInDir creates a store for CredentialFileName under dir.
func NewFileCredentialStoreInDir(dir string) *FileCredentialStore {
	return NewFileCredentialStore(filepath.Join(dir, CredentialFileName))
}

// SetMirror attaches a remote copy that receives every write.
func (s *FileCredentialStore) SetMirror(m Mirror) {
	s.mu.Lock()
	s.mirror = m
	s.mu.Unlock()
}

// Path returns the record location.
func (s *FileCredentialStore) Path() string { return s.path }

// Load reads the record. A missing file falls back to the mirror; a corrupt
// record is logged and reported as absent.
func (s *FileCredentialStore) Load(ctx context.Context) (*claude.Credential, error) {
	s.mu.RLock()
	data, err := os.ReadFile(s.path)
	mirror := s.mirror
	s.mu.RUnlock()

	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		if mirror == nil {
			return nil, nil
		}
		return s.bootstrapFromMirror(ctx, mirror)
	default:
		return nil, claude.NewStorageError("read", s.path, err)
	}

	cred, errDecode := claude.DecodeCredentialRecord(data)
	if errDecode != nil {
		log.Warnf("auth filestore: ignoring unreadable record %s: %v", s.path, errDecode)
		return nil, nil
	}
	return cred, nil
}

func (s *FileCredentialStore) bootstrapFromMirror(ctx context.Context, mirror Mirror) (*claude.Credential, error) {
	data, err := mirror.Pull(ctx)
	if err != nil {
		return nil, claude.NewStorageError("mirror pull", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	cred, err := claude.DecodeCredentialRecord(data)
	if err != nil {
		log.Warnf("auth filestore: ignoring unreadable mirrored record: %v", err)
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if errWrite := s.writeLocked(ctx, data); errWrite != nil {
		log.Warnf("auth filestore: could not cache mirrored record locally: %v", errWrite)
	}
	return cred, nil
}

// Save replaces the record. Every failure is returned as a storage error; a
// mirror failure is reported after the local write has already succeeded.
func (s *FileCredentialStore) Save(ctx context.Context, cred *claude.Credential) error {
	if cred == nil {
		return fmt.Errorf("auth filestore: credential is nil")
	}
	data, err := claude.EncodeCredentialRecord(cred, s.now())
	if err != nil {
		return claude.NewStorageError("encode", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	misc.LogSavingCredentials(s.path)
	if err = s.writeLocked(ctx, data); err != nil {
		return err
	}
	if s.mirror != nil {
		if errPush := s.mirror.Push(ctx, data); errPush != nil {
			return claude.NewStorageError("mirror push", s.path, errPush)
		}
	}
	return nil
}

// Clear removes the record locally and from the mirror.
func (s *FileCredentialStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := acquireFileLock(ctx, s.path+".lock", s.lockTimeout)
	if err != nil {
		return claude.NewStorageError("lock", s.path, err)
	}
	defer release()

	if errRemove := os.Remove(s.path); errRemove != nil && !errors.Is(errRemove, os.ErrNotExist) {
		return claude.NewStorageError("remove", s.path, errRemove)
	}
	if s.mirror != nil {
		if errMirror := s.mirror.Remove(ctx); errMirror != nil {
			return claude.NewStorageError("mirror remove", s.path, errMirror)
		}
	}
	return nil
}

// writeLocked must be called with s.mu held.
func (s *FileCredentialStore) writeLocked(ctx context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return claude.NewStorageError("create dir", filepath.Dir(s.path), err)
	}
	release, err := acquireFileLock(ctx, s.path+".lock", s.lockTimeout)
	if err != nil {
		return claude.NewStorageError("lock", s.path, err)
	}
	defer release()

	if err = writeFileAtomic(s.path, data, 0o600); err != nil {
		return claude.NewStorageError("write", s.path, err)
	}
	return nil
}

// writeFileAtomic writes data to a sibling temp file, syncs it and renames it
// over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir, base := filepath.Split(path)
	tmp := filepath.Join(dir, "."+base+".tmp-"+uuid.NewString())
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err = file.Write(data); err != nil {
		_ = file.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = file.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmp, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// acquireFileLock creates lockPath exclusively, waiting up to timeout for a
// concurrent holder. Locks older than staleLockAge are treated as abandoned.
func acquireFileLock(ctx context.Context, lockPath string, timeout time.Duration) (func(), error) {
	deadline := time.Now().Add(timeout)
	for {
		file, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, _ = file.WriteString(strconv.Itoa(os.Getpid()))
			_ = file.Close()
			return func() {
				if errRemove := os.Remove(lockPath); errRemove != nil && !errors.Is(errRemove, os.ErrNotExist) {
					log.Warnf("auth filestore: release lock %s: %v", lockPath, errRemove)
				}
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		if info, errStat := os.Stat(lockPath); errStat == nil && time.Since(info.ModTime()) > staleLockAge {
			log.Warnf("auth filestore: removing stale lock %s", lockPath)
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for %s", lockPath)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// MemoryCredentialStore keeps the credential in process memory only.
type MemoryCredentialStore struct {
	mu   sync.RWMutex
	cred *claude.Credential
}

// NewMemoryCredentialStore returns an empty in-memory store.
func NewMemoryCredentialStore() *MemoryCredentialStore { return &MemoryCredentialStore{} }

// Load returns a copy of the held credential, or nil when empty.
func (m *MemoryCredentialStore) Load(context.Context) (*claude.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.Clone(), nil
}

// Save replaces the held credential with a copy of cred.
func (m *MemoryCredentialStore) Save(_ context.Context, cred *claude.Credential) error {
	if cred == nil {
		return fmt.Errorf("auth memorystore: credential is nil")
	}
	m.mu.Lock()
	m.cred = cred.Clone()
	m.mu.Unlock()
	return nil
}

// Clear forgets the held credential.
func (m *MemoryCredentialStore) Clear(context.Context) error {
	m.mu.Lock()
	m.cred = nil
	m.mu.Unlock()
	return nil
}
