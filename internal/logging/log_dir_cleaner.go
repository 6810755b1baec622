package logging

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const logDirSweepInterval = time.Minute

// activeCleaner is guarded by writerMu.
var activeCleaner *logDirCleaner

// logDirCleaner caps the total size of the rotation set of the active log
// file (claudeauth.log plus the backups lumberjack renames it to). Anything
// else in the directory, such as a credential record when the log directory
// sits inside auth-dir, is never touched.
type logDirCleaner struct {
	dir      string
	active   string
	maxBytes int64
	stop     context.CancelFunc
}

type rotatedLog struct {
	path    string
	size    int64
	modTime time.Time
}

func configureLogDirCleanerLocked(logDir string, maxTotalSizeMB int, activePath string) {
	stopLogDirCleanerLocked()

	dir := strings.TrimSpace(logDir)
	if maxTotalSizeMB <= 0 || dir == "" {
		return
	}
	c := newLogDirCleaner(dir, int64(maxTotalSizeMB)<<20, activePath)
	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	activeCleaner = c
	go c.run(ctx)
}

func stopLogDirCleanerLocked() {
	if activeCleaner == nil {
		return
	}
	activeCleaner.stop()
	activeCleaner = nil
}

func newLogDirCleaner(dir string, maxBytes int64, activePath string) *logDirCleaner {
	c := &logDirCleaner{dir: filepath.Clean(dir), maxBytes: maxBytes}
	if activePath = strings.TrimSpace(activePath); activePath != "" {
		c.active = filepath.Clean(activePath)
	}
	return c
}

func (c *logDirCleaner) run(ctx context.Context) {
	ticker := time.NewTicker(logDirSweepInterval)
	defer ticker.Stop()
	for {
		removed, err := c.sweep()
		switch {
		case err != nil:
			log.WithError(err).Warnf("logging: sweep %s", c.dir)
		case removed > 0:
			log.Debugf("logging: removed %d rotated log file(s) from %s", removed, c.dir)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweep deletes the oldest rotated logs until the set fits maxBytes. The
// active file is counted but kept.
func (c *logDirCleaner) sweep() (int, error) {
	if c.maxBytes <= 0 {
		return 0, nil
	}
	logs, total, err := c.rotationSet()
	if err != nil || total <= c.maxBytes {
		return 0, err
	}
	slices.SortFunc(logs, func(a, b rotatedLog) int { return a.modTime.Compare(b.modTime) })

	removed := 0
	for _, f := range logs {
		if total <= c.maxBytes {
			break
		}
		if f.path == c.active {
			continue
		}
		if errRemove := os.Remove(f.path); errRemove != nil {
			log.WithError(errRemove).Warnf("logging: remove %s", filepath.Base(f.path))
			continue
		}
		total -= f.size
		removed++
	}
	return removed, nil
}

func (c *logDirCleaner) rotationSet() ([]rotatedLog, int64, error) {
	entries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var (
		logs  []rotatedLog
		total int64
	)
	for _, entry := range entries {
		if entry.IsDir() || !belongsToRotation(entry.Name()) {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil || !info.Mode().IsRegular() {
			continue
		}
		logs = append(logs, rotatedLog{
			path:    filepath.Join(c.dir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}
	return logs, total, nil
}

// belongsToRotation matches LogFileName and lumberjack backups of it
// ("claudeauth-<timestamp>.log", optionally gzip-compressed).
func belongsToRotation(name string) bool {
	stem := strings.TrimSuffix(LogFileName, filepath.Ext(LogFileName))
	name = strings.ToLower(name)
	if !strings.HasPrefix(name, stem) {
		return false
	}
	return strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".log.gz")
}

// enforceLogDirSizeLimit runs a single sweep over logDir.
func enforceLogDirSizeLimit(logDir string, maxBytes int64, activePath string) (int, error) {
	if strings.TrimSpace(logDir) == "" {
		return 0, nil
	}
	return newLogDirCleaner(logDir, maxBytes, activePath).sweep()
}
