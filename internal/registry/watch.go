// ABOUTME: Watches the container for registry changes made by other devices
// ABOUTME: Each external change triggers a refresh without self-registration and a FilesUpdated event

package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/2389/dualstore/internal/events"
)

// Setup starts watching the shared list. Calling it while already watching
// is a no-op.
func (r *Registry) Setup(ctx context.Context) error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	if r.stopWatch != nil {
		return nil
	}

	docPath, _, err := r.paths()
	if err != nil {
		return err
	}
	dir := filepath.Dir(docPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating container directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	r.stopWatch = cancel
	r.watchDone = done

	go r.watch(watchCtx, watcher, docPath, done)
	r.logger.Debug("registry watch started", "path", docPath)
	return nil
}

// Teardown stops the watch and forgets the cached device list.
func (r *Registry) Teardown() {
	r.watchMu.Lock()
	stop, done := r.stopWatch, r.watchDone
	r.stopWatch, r.watchDone = nil, nil
	r.watchMu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done

	r.mu.Lock()
	r.devices = nil
	r.mu.Unlock()
	r.logger.Debug("registry watch stopped")
}

func (r *Registry) watch(ctx context.Context, watcher *fsnotify.Watcher, docPath string, done chan struct{}) {
	defer close(done)
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name != docPath || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			r.handleExternalChange(ctx)
		case <-r.pending:
			r.handleExternalChange(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("registry watcher error", "error", err)
		}
	}
}

func (r *Registry) disableUpdates() {
	r.updMu.Lock()
	r.updatesDisabled = true
	r.updMu.Unlock()
}

// enableUpdates wakes the watch when a change arrived while disabled.
func (r *Registry) enableUpdates() {
	r.updMu.Lock()
	r.updatesDisabled = false
	pending := r.changePending
	r.changePending = false
	r.updMu.Unlock()

	if pending {
		select {
		case r.pending <- struct{}{}:
		default:
		}
	}
}

// deferChange records a change for later when a refresh is in flight.
func (r *Registry) deferChange() bool {
	r.updMu.Lock()
	defer r.updMu.Unlock()
	if r.updatesDisabled {
		r.changePending = true
	}
	return r.updatesDisabled
}

// handleExternalChange resyncs without registering this device. Changes
// seen while a refresh is in flight are batched into one refresh after it.
func (r *Registry) handleExternalChange(ctx context.Context) {
	if r.deferChange() {
		return
	}

	if _, err := r.Refresh(ctx, false); err != nil {
		r.logger.Warn("registry refresh after external change failed", "error", err)
		return
	}

	if r.emitter != nil {
		r.emitter.Publish(events.Event{Kind: events.FilesUpdated, Devices: r.Devices()})
	}
}
