package fsutil

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event reports a layer file that was created or rewritten.
type Event struct {
	Path      string    `json:"path"`
	Kind      string    `json:"kind"`
	Operation string    `json:"operation"` // "created", "modified"
	Time      time.Time `json:"time"`
}

// Watcher monitors directories for changed layer files.
type Watcher struct {
	watcher   *fsnotify.Watcher
	Events    chan Event
	watchDirs []string
	log       *slog.Logger
	done      chan struct{}
	stopOnce  sync.Once
}

// NewWatcher creates a watcher for the given directories.
func NewWatcher(watchPaths []string, logger *slog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watcher:   watcher,
		Events:    make(chan Event, 100),
		watchDirs: watchPaths,
		log:       logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories.
func (w *Watcher) Start() error {
	for _, dir := range w.watchDirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir)
	}
	go w.processEvents()
	return nil
}

// Stop stops the watcher. Events is closed once the event loop exits.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) processEvents() {
	defer close(w.Events)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			default:
				continue
			}

			_, kind, ok := LayerKind(event.Name)
			if !ok {
				continue
			}

			select {
			case w.Events <- Event{Path: event.Name, Kind: kind, Operation: operation, Time: time.Now()}:
			default:
				w.log.Warn("event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}
