package models

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher rescans the controller whenever a catalog model file appears,
// disappears or is replaced in the models directory.
type Watcher struct {
	watcher      *fsnotify.Watcher
	controller   *Controller
	debounce     time.Duration
	onError      func(error)
	stopCh       chan struct{}
	doneCh       chan struct{}
	mu           sync.Mutex
	pendingTimer *time.Timer
}

// NewWatcher creates a watcher for the controller's models directory.
// The directory is created if it does not exist yet.
func NewWatcher(controller *Controller, debounce time.Duration, onError func(error)) (*Watcher, error) {
	dir := controller.Store().Dir()
	if dir == "" {
		return nil, fmt.Errorf("models directory not configured")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	return &Watcher{
		watcher:    fsWatcher,
		controller: controller,
		debounce:   debounce,
		onError:    onError,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if _, ok := LookupFile(filepath.Base(event.Name)); !ok {
		return
	}

	relevant := event.Op&fsnotify.Create != 0 ||
		event.Op&fsnotify.Write != 0 ||
		event.Op&fsnotify.Remove != 0 ||
		event.Op&fsnotify.Rename != 0
	if !relevant {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// large files are written in many chunks; scan once they settle
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.pendingTimer = time.AfterFunc(w.debounce, w.controller.Scan)
}

// Stop stops watching and waits for the event loop to exit
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.mu.Unlock()

	return w.watcher.Close()
}
