package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/transport"
	"github.com/go-git/go-git/v6/plumbing/transport/http"
	log "github.com/sirupsen/logrus"
)

// gcInterval defines minimum time between garbage collection runs.
const gcInterval = 5 * time.Minute

// GitMirror keeps the credential record in a git repository. Every write is
// squashed into a single commit and force-pushed so the token history does
// not accumulate on the remote.
type GitMirror struct {
	mu       sync.Mutex
	repoDir  string
	remote   string
	username string
	password string
	ready    bool
	lastGC   time.Time
}

// NewGitMirror creates a mirror that clones remote into repoDir on first use.
func NewGitMirror(repoDir, remote, username, password string) *GitMirror {
	if abs, err := filepath.Abs(strings.TrimSpace(repoDir)); err == nil {
		repoDir = abs
	}
	return &GitMirror{
		repoDir:  repoDir,
		remote:   strings.TrimSpace(remote),
		username: username,
		password: password,
	}
}

// RepoDir returns the local working tree.
func (s *GitMirror) RepoDir() string { return s.repoDir }

// Push writes the record into the working tree, commits and pushes it.
func (s *GitMirror) Push(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureRepositoryLocked(); err != nil {
		return err
	}
	path := s.recordPath()
	if existing, errRead := os.ReadFile(path); errRead == nil && string(existing) == string(data) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("git token store: create auth dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("git token store: write record: %w", err)
	}
	return s.commitAndPushLocked("Update claude credential", s.recordRelPath())
}

// Pull syncs the working tree and returns the record, or (nil, nil) when the
// repository holds none.
func (s *GitMirror) Pull(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureRepositoryLocked(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.recordPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("git token store: read record: %w", err)
	}
	return data, nil
}

// Remove deletes the record and pushes the deletion.
func (s *GitMirror) Remove(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureRepositoryLocked(); err != nil {
		return err
	}
	if err := os.Remove(s.recordPath()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("git token store: remove record: %w", err)
	}
	return s.commitAndPushLocked("Remove claude credential", s.recordRelPath())
}

func (s *GitMirror) recordRelPath() string {
	return filepath.Join("auths", RecordName)
}

func (s *GitMirror) recordPath() string {
	return filepath.Join(s.repoDir, s.recordRelPath())
}

// ensureRepositoryLocked clones or opens the repository; an existing clone is
// pulled on first use only.
func (s *GitMirror) ensureRepositoryLocked() error {
	if s.ready {
		return nil
	}
	if s.remote == "" {
		return fmt.Errorf("git token store: remote not configured")
	}
	if s.repoDir == "" {
		return fmt.Errorf("git token store: repository directory not configured")
	}
	authDir := filepath.Join(s.repoDir, "auths")
	gitDir := filepath.Join(s.repoDir, ".git")
	authMethod := s.gitAuth()
	var initPaths []string

	if _, err := os.Stat(gitDir); errors.Is(err, fs.ErrNotExist) {
		if errMk := os.MkdirAll(s.repoDir, 0o700); errMk != nil {
			return fmt.Errorf("git token store: create repo dir: %w", errMk)
		}
		if _, errClone := git.PlainClone(s.repoDir, &git.CloneOptions{Auth: authMethod, URL: s.remote}); errClone != nil {
			if !errors.Is(errClone, transport.ErrEmptyRemoteRepository) {
				return fmt.Errorf("git token store: clone remote: %w", errClone)
			}
			_ = os.RemoveAll(gitDir)
			repo, errInit := git.PlainInit(s.repoDir, false)
			if errInit != nil {
				return fmt.Errorf("git token store: init empty repo: %w", errInit)
			}
			if _, errRemote := repo.Remote("origin"); errRemote != nil {
				if _, errCreate := repo.CreateRemote(&config.RemoteConfig{
					Name: "origin",
					URLs: []string{s.remote},
				}); errCreate != nil && !errors.Is(errCreate, git.ErrRemoteExists) {
					return fmt.Errorf("git token store: configure remote: %w", errCreate)
				}
			}
			if errMk := os.MkdirAll(authDir, 0o700); errMk != nil {
				return fmt.Errorf("git token store: create auth dir: %w", errMk)
			}
			if errEmpty := ensureEmptyFile(filepath.Join(authDir, ".gitkeep")); errEmpty != nil {
				return fmt.Errorf("git token store: create auth placeholder: %w", errEmpty)
			}
			initPaths = []string{filepath.Join("auths", ".gitkeep")}
		}
	} else if err != nil {
		return fmt.Errorf("git token store: stat repo: %w", err)
	} else {
		repo, errOpen := git.PlainOpen(s.repoDir)
		if errOpen != nil {
			return fmt.Errorf("git token store: open repo: %w", errOpen)
		}
		worktree, errWorktree := repo.Worktree()
		if errWorktree != nil {
			return fmt.Errorf("git token store: worktree: %w", errWorktree)
		}
		if errPull := worktree.Pull(&git.PullOptions{Auth: authMethod, RemoteName: "origin"}); errPull != nil {
			switch {
			case errors.Is(errPull, git.NoErrAlreadyUpToDate),
				errors.Is(errPull, git.ErrUnstagedChanges),
				errors.Is(errPull, git.ErrNonFastForwardUpdate):
				// local changes win
			case errors.Is(errPull, transport.ErrAuthenticationRequired),
				errors.Is(errPull, plumbing.ErrReferenceNotFound),
				errors.Is(errPull, transport.ErrEmptyRemoteRepository):
				log.Debugf("git token store: pull skipped: %v", errPull)
			default:
				return fmt.Errorf("git token store: pull: %w", errPull)
			}
		}
	}
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		return fmt.Errorf("git token store: create auth dir: %w", err)
	}
	s.ready = true
	if len(initPaths) > 0 {
		return s.commitAndPushLocked("Initialize git token store", initPaths...)
	}
	return nil
}

func (s *GitMirror) gitAuth() transport.AuthMethod {
	if s.username == "" && s.password == "" {
		return nil
	}
	user := s.username
	if user == "" {
		user = "git"
	}
	return &http.BasicAuth{Username: user, Password: s.password}
}

func (s *GitMirror) commitAndPushLocked(message string, relPaths ...string) error {
	repo, err := git.PlainOpen(s.repoDir)
	if err != nil {
		return fmt.Errorf("git token store: open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("git token store: worktree: %w", err)
	}
	for _, rel := range relPaths {
		if _, err = worktree.Add(rel); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("git token store: add %s: %w", rel, err)
			}
			if _, errRemove := worktree.Remove(rel); errRemove != nil && !errors.Is(errRemove, os.ErrNotExist) {
				return fmt.Errorf("git token store: remove %s: %w", rel, errRemove)
			}
		}
	}
	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("git token store: status: %w", err)
	}
	if status.IsClean() {
		return nil
	}
	signature := &object.Signature{
		Name:  "claudeauth",
		Email: "claudeauth@local",
		When:  time.Now(),
	}
	commitHash, err := worktree.Commit(message, &git.CommitOptions{Author: signature})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return nil
		}
		return fmt.Errorf("git token store: commit: %w", err)
	}
	headRef, errHead := repo.Head()
	if errHead != nil {
		if !errors.Is(errHead, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("git token store: get head: %w", errHead)
		}
	} else if errRewrite := rewriteHeadAsSingleCommit(repo, headRef.Name(), commitHash, message, signature); errRewrite != nil {
		return errRewrite
	}
	s.maybeRunGC(repo)
	if err = repo.Push(&git.PushOptions{Auth: s.gitAuth(), Force: true}); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return fmt.Errorf("git token store: push: %w", err)
	}
	return nil
}

// rewriteHeadAsSingleCommit replaces the branch tip with a parentless copy of commitHash.
func rewriteHeadAsSingleCommit(repo *git.Repository, branch plumbing.ReferenceName, commitHash plumbing.Hash, message string, signature *object.Signature) error {
	commitObj, err := repo.CommitObject(commitHash)
	if err != nil {
		return fmt.Errorf("git token store: inspect head commit: %w", err)
	}
	squashed := &object.Commit{
		Author:       *signature,
		Committer:    *signature,
		Message:      message,
		TreeHash:     commitObj.TreeHash,
		Encoding:     commitObj.Encoding,
		ExtraHeaders: commitObj.ExtraHeaders,
	}
	mem := &plumbing.MemoryObject{}
	mem.SetType(plumbing.CommitObject)
	if err = squashed.Encode(mem); err != nil {
		return fmt.Errorf("git token store: encode squashed commit: %w", err)
	}
	newHash, err := repo.Storer.SetEncodedObject(mem)
	if err != nil {
		return fmt.Errorf("git token store: write squashed commit: %w", err)
	}
	if err = repo.Storer.SetReference(plumbing.NewHashReference(branch, newHash)); err != nil {
		return fmt.Errorf("git token store: update branch reference: %w", err)
	}
	return nil
}

func (s *GitMirror) maybeRunGC(repo *git.Repository) {
	now := time.Now()
	if now.Sub(s.lastGC) < gcInterval {
		return
	}
	s.lastGC = now

	pruneOpts := git.PruneOptions{
		OnlyObjectsOlderThan: now,
		Handler:              repo.DeleteObject,
	}
	if err := repo.Prune(pruneOpts); err != nil && !errors.Is(err, git.ErrLooseObjectsNotSupported) {
		return
	}
	_ = repo.RepackObjects(&git.RepackConfig{})
}

func ensureEmptyFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, nil, 0o600)
}
