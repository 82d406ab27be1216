package store

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PruneRunLogs removes per-execution command logs under logDir last modified
// before cutoff, then removes task directories left empty.
func PruneRunLogs(logDir string, cutoff time.Time) (int, error) {
	if logDir == "" {
		return 0, nil
	}
	removed := 0
	var dirs []string
	err := filepath.WalkDir(logDir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if p == logDir && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if entry.IsDir() {
			if p != logDir {
				dirs = append(dirs, p)
			}
			return nil
		}
		if !strings.HasSuffix(entry.Name(), ".log") {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err == nil {
				removed++
			}
		}
		return nil
	})
	// deepest first
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, rerr := os.ReadDir(dirs[i])
		if rerr == nil && len(entries) == 0 {
			_ = os.Remove(dirs[i])
		}
	}
	return removed, err
}
