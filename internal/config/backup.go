package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

const (
	// MaxBackups is the number of backups kept per config file.
	MaxBackups = 3

	// backupSuffix separates a backup from its source file name.
	backupSuffix = ".bak"
)

// Backup copies path to a timestamped sibling, so a forced rewrite
// never destroys the only copy of a hand-edited config. Returns the
// backup path, or the empty string when there is nothing to back up.
func Backup(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", mmerrors.Newf(mmerrors.KindTransient,
			"cannot read %s for backup: %v", path, err)
	}

	stamp := time.Now().Format("20060102-150405")
	backupPath := fmt.Sprintf("%s%s.%s", path, backupSuffix, stamp)
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return "", mmerrors.Newf(mmerrors.KindTransient,
			"cannot write backup %s: %v", backupPath, err)
	}

	// Retention is best effort: the backup itself already succeeded.
	cleanupBackups(path)
	return backupPath, nil
}

// ListBackups returns path's backups, newest first.
func ListBackups(path string) ([]string, error) {
	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, mmerrors.Newf(mmerrors.KindTransient,
			"cannot list config dir %s: %v", dir, err)
	}

	prefix := filepath.Base(path) + backupSuffix + "."
	var backups []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		backups = append(backups, filepath.Join(dir, entry.Name()))
	}

	// The timestamp format sorts lexically, newest last.
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups, nil
}

// cleanupBackups drops the oldest backups beyond MaxBackups.
func cleanupBackups(path string) {
	backups, err := ListBackups(path)
	if err != nil || len(backups) <= MaxBackups {
		return
	}
	for _, old := range backups[MaxBackups:] {
		_ = os.Remove(old)
	}
}
