package auth

import (
	"sync"

	"github.com/router-for-me/claudeauth/internal/config"
	"github.com/router-for-me/claudeauth/internal/util"
	log "github.com/sirupsen/logrus"
)

var (
	storeMu         sync.RWMutex
	registeredStore CredentialStore
)

// RegisterCredentialStore sets the process-wide credential store.
func RegisterCredentialStore(store CredentialStore) {
	storeMu.Lock()
	registeredStore = store
	storeMu.Unlock()
}

// GetCredentialStore returns the registered store, creating a file store in
// the default auth directory on first use.
func GetCredentialStore() CredentialStore {
	storeMu.RLock()
	s := registeredStore
	storeMu.RUnlock()
	if s != nil {
		return s
	}
	storeMu.Lock()
	defer storeMu.Unlock()
	if registeredStore == nil {
		dir, err := util.ResolveAuthDir(config.DefaultAuthDir)
		if err != nil {
			log.Warnf("auth: resolve default auth dir: %v", err)
			dir = "."
		}
		registeredStore = NewFileCredentialStoreInDir(dir)
	}
	return registeredStore
}
