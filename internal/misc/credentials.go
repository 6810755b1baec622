// Package misc holds small helpers for credential handling that do not belong
// to a single provider: callback parsing, secret masking and save logging.
package misc

import (
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// LogSavingCredentials emits a consistent log message when persisting auth material.
func LogSavingCredentials(path string) {
	if path == "" {
		return
	}
	log.Infof("saving credentials to %s", filepath.Clean(path))
}

// MaskKey hides a secret for display: keys shorter than 8 characters become
// "****", longer ones keep the first 6 and last 4 characters.
func MaskKey(key string) string {
	if len(key) < 8 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}
