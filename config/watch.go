package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/saiset-co/sai-directory/types"
)

const defaultReloadDebounce = 500 * time.Millisecond

// watcher reports changes to one file. It watches the parent directory
// because editors and config management tools usually replace the file with
// a rename, which drops a watch placed on the file itself.
type watcher struct {
	fs       *fsnotify.Watcher
	file     string
	debounce time.Duration
	onChange func()
	done     chan struct{}
}

func newWatcher(path string, debounce time.Duration, onChange func()) (*watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, types.Categorize(types.ErrConfigInvalidPath, err)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, types.WrapError(err, "failed to create config watcher")
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		_ = fs.Close()
		return nil, types.WrapError(err, "failed to watch config directory")
	}

	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}
	return &watcher{fs: fs, file: abs, debounce: debounce, onChange: onChange, done: make(chan struct{})}, nil
}

// run coalesces bursts of events into one onChange call after the file has
// been quiet for the debounce interval.
func (w *watcher) run(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case _, ok := <-w.fs.Errors:
			if !ok {
				return
			}
		case <-timer.C:
			w.onChange()
		}
	}
}

func (w *watcher) close() error {
	err := w.fs.Close()
	<-w.done
	return err
}
