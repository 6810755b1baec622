// events.go implements fsnotify event handling for the credential and config
// files. It normalizes paths, debounces noisy events and skips writes that
// leave the content unchanged.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

func (w *Watcher) start(ctx context.Context) error {
	dir := filepath.Dir(w.credentialPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	// The directory is watched because the store replaces the file by rename.
	if errAdd := w.watcher.Add(dir); errAdd != nil {
		log.Errorf("failed to watch credential directory %s: %v", dir, errAdd)
		return errAdd
	}
	log.Debugf("watching credential file: %s", w.credentialPath)

	if hash, err := fileHash(w.credentialPath); err == nil {
		w.mu.Lock()
		w.lastCredHash = hash
		w.mu.Unlock()
	}

	w.mu.Lock()
	configPath := w.configPath
	w.mu.Unlock()
	if configPath != "" {
		if errAdd := w.watcher.Add(configPath); errAdd != nil {
			log.Errorf("failed to watch config file %s: %v", configPath, errAdd)
			return errAdd
		}
		if hash, err := fileHash(configPath); err == nil {
			w.mu.Lock()
			w.lastConfigHash = hash
			w.mu.Unlock()
		}
		log.Debugf("watching config file: %s", configPath)
	}

	go w.processEvents(ctx)
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := normalizePath(event.Name)
	w.mu.Lock()
	configPath := normalizePath(w.configPath)
	w.mu.Unlock()

	if configPath != "" && name == configPath && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
		log.Debugf("config file event: %s", event.Op.String())
		w.scheduleConfigReload()
		return
	}
	// temp files and the sidecar lock live next to the record
	if name != normalizePath(w.credentialPath) {
		return
	}

	now := time.Now()
	log.Debugf("credential file event: %s %s", event.Op.String(), filepath.Base(event.Name))

	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if w.shouldDebounceRemove(now) {
			return
		}
		time.Sleep(replaceCheckDelay)
		if _, errStat := os.Stat(w.credentialPath); errStat == nil {
			w.handleCredentialWrite()
			return
		}
		w.mu.Lock()
		w.lastCredHash = ""
		w.mu.Unlock()
		log.Info("credential file removed")
		w.notifyCredentialChange()
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
		w.handleCredentialWrite()
	}
}

func (w *Watcher) handleCredentialWrite() {
	hash, err := fileHash(w.credentialPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Debugf("credential file unreadable: %v", err)
		}
		return
	}
	if hash == "" {
		return
	}
	w.mu.Lock()
	unchanged := hash == w.lastCredHash
	w.lastCredHash = hash
	w.mu.Unlock()
	if unchanged {
		log.Debug("credential file unchanged (hash match), skipping")
		return
	}
	w.notifyCredentialChange()
}

func (w *Watcher) shouldDebounceRemove(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.lastRemoveTime.IsZero() && now.Sub(w.lastRemoveTime) < credentialRemoveDebounce {
		return true
	}
	w.lastRemoveTime = now
	return false
}

// fileHash returns "" for an empty file.
func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", nil
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	cleaned := filepath.Clean(trimmed)
	if runtime.GOOS == "windows" {
		cleaned = strings.TrimPrefix(cleaned, `\\?\`)
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned
}
