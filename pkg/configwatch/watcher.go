// Copyright 2024-2026 Aiku AI

// Package configwatch reloads the process configuration when its file
// changes on disk.
package configwatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce collapses the burst of events editors emit on save.
const DefaultDebounce = 500 * time.Millisecond

// Watcher monitors a single file and calls onChange once per burst of
// writes. The parent directory is watched so that atomic rename-on-save is
// seen as well.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	clock    clock.Clock
	onChange func(ctx context.Context)
	log      zerolog.Logger

	stopOnce     sync.Once
	stopCh       chan struct{}
	mu           sync.Mutex
	pendingTimer *clock.Timer
}

// New creates a watcher for path. Start must be called to begin watching.
func New(path string, debounce time.Duration, onChange func(ctx context.Context), log zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err = fsWatcher.Add(filepath.Dir(abs)); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		watcher:  fsWatcher,
		path:     abs,
		debounce: debounce,
		clock:    clock.New(),
		onChange: onChange,
		log:      log.With().Str("component", "configwatch").Logger(),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
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
			w.log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	w.log.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Config file changed")
	w.triggerReload()
}

// triggerReload schedules onChange, restarting the debounce window.
func (w *Watcher) triggerReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.pendingTimer = w.clock.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.pendingTimer = nil
		w.mu.Unlock()

		select {
		case <-w.stopCh:
			return
		default:
		}
		w.log.Info().Str("path", w.path).Msg("Reloading configuration")
		w.onChange(context.Background())
	})
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.pendingTimer != nil {
			w.pendingTimer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}
