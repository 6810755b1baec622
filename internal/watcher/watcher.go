// Package watcher watches the credential record and the config file and
// notifies the running process when another process rewrites them.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/router-for-me/claudeauth/internal/config"
	log "github.com/sirupsen/logrus"
)

const (
	// replaceCheckDelay lets an atomic rename settle before a Remove event is
	// treated as a real deletion.
	replaceCheckDelay        = 50 * time.Millisecond
	configReloadDebounce     = 150 * time.Millisecond
	credentialRemoveDebounce = 1 * time.Second
	credentialChangeDebounce = 100 * time.Millisecond
)

// Watcher reacts to changes of the credential file and, optionally, the
// configuration file.
type Watcher struct {
	credentialPath string
	configPath     string

	onCredentialChange func()
	onConfigChange     func(*config.Config)

	watcher *fsnotify.Watcher

	mu                sync.Mutex
	lastCredHash      string
	lastConfigHash    string
	lastRemoveTime    time.Time
	credentialTimer   *time.Timer
	configReloadMu    sync.Mutex
	configReloadTimer *time.Timer
}

// NewWatcher creates a watcher for the credential record at credentialPath.
// onCredentialChange runs after every material change, including deletion.
func NewWatcher(credentialPath string, onCredentialChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		credentialPath:     filepath.Clean(credentialPath),
		onCredentialChange: onCredentialChange,
		watcher:            fsw,
	}, nil
}

// WatchConfig also reloads configPath on change and passes the result to onChange.
func (w *Watcher) WatchConfig(configPath string, onChange func(*config.Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.configPath = filepath.Clean(configPath)
	w.onConfigChange = onChange
}

// Start begins watching. Events are processed until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	return w.start(ctx)
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.stopTimers()
	return w.watcher.Close()
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	if w.credentialTimer != nil {
		w.credentialTimer.Stop()
		w.credentialTimer = nil
	}
	w.mu.Unlock()
	w.stopConfigReloadTimer()
}

func (w *Watcher) notifyCredentialChange() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.credentialTimer != nil {
		w.credentialTimer.Stop()
	}
	w.credentialTimer = time.AfterFunc(credentialChangeDebounce, func() {
		w.mu.Lock()
		w.credentialTimer = nil
		cb := w.onCredentialChange
		w.mu.Unlock()
		if cb != nil {
			log.Debugf("credential file changed: %s", w.credentialPath)
			cb()
		}
	})
}
