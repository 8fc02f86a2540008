package rseata

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pslog"

	"pkt.systems/rseata/internal/loggingutil"
)

const reloadDebounce = 250 * time.Millisecond

// ConfigWatcher invokes a callback when a config file changes on disk.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	reload  func()
	logger  pslog.Logger
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// WatchConfigFile watches the directory holding path so editors that
// replace the file by rename are still observed. reload runs on its own
// goroutine after writes settle. The watcher stops when ctx ends or Close
// is called.
func WatchConfigFile(ctx context.Context, path string, logger pslog.Logger, reload func()) (*ConfigWatcher, error) {
	if reload == nil {
		return nil, fmt.Errorf("config watch: reload callback required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config watch: resolve %q: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watch: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config watch: watch %q: %w", filepath.Dir(abs), err)
	}
	w := &ConfigWatcher{
		watcher: watcher,
		path:    filepath.Clean(abs),
		reload:  reload,
		logger:  loggingutil.WithSubsystem(loggingutil.EnsureLogger(logger), "config"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run(ctx)
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *ConfigWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
	})
	<-w.done
	return err
}

func (w *ConfigWatcher) run(ctx context.Context) {
	defer close(w.done)
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			w.once.Do(func() {
				close(w.stop)
				w.watcher.Close()
			})
			return
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			pending = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config.watch.error", "error", err)
		case <-pending:
			pending = nil
			w.logger.Info("config.reload", "path", w.path)
			w.reload()
		}
	}
}
