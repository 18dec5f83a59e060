package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/localportd/supervisor/internal/logging"
)

// Watcher triggers a reload callback whenever the config file on disk
// changes, feeding the same reload path the USR1 signal does.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger *logging.Logger
	done   chan struct{}
}

// NewWatcher starts watching path for writes/creates, invoking onChange
// (typically the Daemon Runtime's reload) on each event. Closing the
// returned Watcher stops the watch goroutine.
func NewWatcher(path string, logger *logging.Logger, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, logger: logger, done: make(chan struct{})}
	go w.loop(onChange)
	return w, nil
}

func (w *Watcher) loop(onChange func()) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.logger.Info("config watcher: detected change to %s, triggering reload", event.Name)
				onChange()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher: %v", err)
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}
