// config_reload.go implements debounced configuration hot reload.
package watcher

import (
	"time"

	"github.com/router-for-me/claudeauth/internal/config"
	"github.com/router-for-me/claudeauth/internal/util"
	log "github.com/sirupsen/logrus"
)

func (w *Watcher) stopConfigReloadTimer() {
	w.configReloadMu.Lock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
		w.configReloadTimer = nil
	}
	w.configReloadMu.Unlock()
}

func (w *Watcher) scheduleConfigReload() {
	w.configReloadMu.Lock()
	defer w.configReloadMu.Unlock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
	}
	w.configReloadTimer = time.AfterFunc(configReloadDebounce, func() {
		w.configReloadMu.Lock()
		w.configReloadTimer = nil
		w.configReloadMu.Unlock()
		w.reloadConfigIfChanged()
	})
}

func (w *Watcher) reloadConfigIfChanged() {
	w.mu.Lock()
	configPath := w.configPath
	currentHash := w.lastConfigHash
	onChange := w.onConfigChange
	w.mu.Unlock()

	newHash, err := fileHash(configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if newHash == "" {
		log.Debugf("ignoring empty config file write event")
		return
	}
	if currentHash == newHash {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}

	log.Infof("config file changed, reloading: %s", configPath)
	newConfig, errLoad := config.LoadConfig(configPath)
	if errLoad != nil {
		log.Errorf("failed to reload config: %v", errLoad)
		return
	}
	w.mu.Lock()
	w.lastConfigHash = newHash
	w.mu.Unlock()

	util.SetLogLevel(newConfig)
	if onChange != nil {
		onChange(newConfig)
	}
}
