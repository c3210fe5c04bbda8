package prefork

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// DefaultWatchDebounce collapses the burst of events an editor produces when
// saving a file.
const DefaultWatchDebounce = 500 * time.Millisecond

// ConfigWatcher calls onChange once a burst of writes to a configuration
// file has settled. The directory is watched rather than the file, so
// editors that replace the file by renaming are seen too.
type ConfigWatcher struct {
	path     string
	debounce time.Duration
	onChange func()

	clk     clock.Clock
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	l log15.Logger
}

func NewConfigWatcher(l log15.Logger, clk clock.Clock, path string, debounce time.Duration, onChange func()) *ConfigWatcher {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	return &ConfigWatcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		onChange: onChange,
		clk:      clk,
		done:     make(chan struct{}),
		l:        l.New("path", path),
	}
}

func (w *ConfigWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "can't create config watcher")
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "can't watch %s", w.path)
	}
	w.watcher = watcher
	w.l.Info("config watcher started", "debounce", w.debounce)
	w.wg.Add(1)
	go w.watch()
	return nil
}

func (w *ConfigWatcher) Stop() error {
	if w.watcher == nil {
		return nil
	}
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *ConfigWatcher) watch() {
	defer w.wg.Done()
	var timer clock.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			w.l.Debug("config file change detected", "op", ev.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = w.clk.NewTimer(w.debounce)
			timerC = timer.C()

		case <-timerC:
			timerC = nil
			w.l.Info("config file changed")
			w.onChange()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.l.Warn("config watcher error", "err", err)
		}
	}
}
