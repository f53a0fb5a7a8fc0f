package agent

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// DirWatcher coalesces filesystem events under one directory tree into
// a single "something changed" signal. The scheduler attaches one to a
// filesystem agent whose options ask for watch mode and treats each
// signal as that agent falling due immediately.
type DirWatcher struct {
	watcher *fsnotify.Watcher
	root    string
	changes chan struct{}
	stopCh  chan struct{}

	mu      sync.Mutex
	stopped bool
}

// NewDirWatcher starts watching root and all its subdirectories.
// Directories created later are added as they appear.
func NewDirWatcher(root string) (*DirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, mmerrors.Wrap(mmerrors.KindTransient, err)
	}

	d := &DirWatcher{
		watcher: w,
		root:    root,
		changes: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	if err := d.addRecursive(root); err != nil {
		_ = w.Close()
		return nil, mmerrors.Newf(mmerrors.KindTransient,
			"cannot watch %s: %v", root, err)
	}

	go d.loop()
	return d, nil
}

// Changes returns the coalesced change signal channel. It never
// closes; callers stop listening after Stop.
func (d *DirWatcher) Changes() <-chan struct{} {
	return d.changes
}

// Stop stops watching. Safe to call more than once.
func (d *DirWatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil
	}
	d.stopped = true
	close(d.stopCh)
	return d.watcher.Close()
}

func (d *DirWatcher) loop() {
	for {
		select {
		case <-d.stopCh:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Chmod != 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = d.addRecursive(event.Name)
				}
			}
			select {
			case d.changes <- struct{}{}:
			default:
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("dir_watch_error",
				slog.String("root", d.root),
				slog.String("error", err.Error()))
		}
	}
}

func (d *DirWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// An unreadable root is fatal; deeper entries are skipped.
			if path == root {
				return err
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(entry.Name(), ".") {
			return filepath.SkipDir
		}
		return d.watcher.Add(path)
	})
}
