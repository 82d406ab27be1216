package registry

import (
	"context"
	"errors"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autorun/internal/core"

	"github.com/fsnotify/fsnotify"
)

const (
	watchDebounce      = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watch reloads the registry whenever the directory source changes and hands
// the new task list to onChange. It blocks until ctx is done. Only DirSource
// can be watched.
func (r *Registry) Watch(ctx context.Context, onChange func([]core.Task)) error {
	dirSource, ok := r.source.(*DirSource)
	if !ok {
		return errors.New("registry source does not support watching")
	}
	root := dirSource.Root

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			tasks, err := r.Reload(ctx)
			if err != nil {
				return
			}
			if onChange != nil {
				onChange(tasks)
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff = min(backoff*2, restartBackoffMax)
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			r.logger.Warn("functions watch init failed", "dir", root, "err", err)
			if !wait() {
				return nil
			}
			continue
		}
		if err := addTree(w, root); err != nil {
			_ = w.Close()
			r.logger.Warn("functions watch add failed", "dir", root, "err", err)
			if !wait() {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		r.logger.Debug("functions watcher started", "dir", root)

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if skipName(filepath.Base(ev.Name)) {
					continue
				}
				if ev.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = addTree(w, ev.Name)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					r.logger.Warn("functions watch overflow; forcing reload", "dir", root)
					debounce()
					continue
				}
				r.logger.Warn("functions watch error", "dir", root, "err", err)
			}
		}
		_ = w.Close()
		r.logger.Warn("functions watcher stopped; restarting", "dir", root)
		if !wait() {
			return nil
		}
	}
	return nil
}

// addTree watches dir and every non-skipped directory below it.
func addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if p != dir && skipName(entry.Name()) {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}
