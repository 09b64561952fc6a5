// ABOUTME: Live store lifecycle: open, close, change observers, sessions, and backups
// ABOUTME: Pending session changes are flushed leaf-first before the store underneath changes

package persistence

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/2389/dualstore/internal/backend"
	"github.com/2389/dualstore/internal/engine"
	"github.com/2389/dualstore/internal/events"
)

// Open attaches the active backend's store to the live coordinator. It is a
// no-op when the store is already open. An attach failure is logged and
// published as UnhandledException; the store then stays in the opening
// state until a later Open succeeds.
func (m *Manager) Open(ctx context.Context) error {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	if !m.cfg.beginOpening() {
		m.setState(Open)
		return nil
	}
	m.setState(Opening)
	m.registerObservers()

	active := m.Active()
	if _, err := active.Attach(ctx, m.coord, engine.AttachCreate); err != nil {
		m.logger.Error("opening store", "backend", active.Kind(), "error", err)
		m.publish(events.UnhandledException, active, err)
		return err
	}

	m.opened = active
	m.cfg.markOpen()
	m.setState(Open)
	m.logger.Info("store opened", "backend", active.Kind(), "name", active.Name())
	m.publish(events.StoreOpened, active, nil)

	if cb, ok := active.(backend.CloudBackend); ok {
		watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		if err := cb.Watch(watchCtx, m.coord); err != nil {
			cancel()
			m.logger.Warn("watching cloud store", "error", err)
		} else {
			m.stopWatch = cancel
		}
	}
	return nil
}

// Close flushes sessions and detaches the live store.
func (m *Manager) Close(ctx context.Context) error {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
	wasOpen := m.cfg.StoreOpen()
	err := m.coord.Detach(ctx)
	m.opened = nil
	m.cfg.markClosed()
	if wasOpen {
		m.setState(Closed)
		m.logger.Info("store closed")
	}
	if err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}

// registerObservers adds the change relay unless it is already in place.
// Callers hold openMu.
func (m *Manager) registerObservers() {
	if len(m.observerIDs) > 0 {
		return
	}

	ctx := context.Background()
	m.observerIDs = []string{
		m.coord.AddObserver(engine.WillChange, func(engine.Notification) {
			m.flushSessions(ctx)
		}),
		m.coord.AddObserver(engine.DidChange, func(engine.Notification) {
			m.publish(events.StoreChanged, m.Active(), nil)
		}),
		m.coord.AddObserver(engine.ContentImported, func(n engine.Notification) {
			m.root.MergeImported(n.Changes)
			m.publish(events.StoreChanged, m.Active(), nil)
		}),
	}
	m.logger.Debug("change observers registered")
}

func (m *Manager) removeObservers() {
	m.openMu.Lock()
	defer m.openMu.Unlock()
	m.removeObserversLocked()
}

func (m *Manager) removeObserversLocked() {
	if len(m.observerIDs) == 0 {
		return
	}
	for _, id := range m.observerIDs {
		m.coord.RemoveObserver(id)
	}
	m.observerIDs = nil
	m.logger.Debug("change observers removed")
}

// Session returns the top-level session.
func (m *Manager) Session() *engine.Session { return m.root }

// NewSession creates a session layered on parent, or on the top-level
// session when parent is nil. Release it with ReleaseSession when done.
func (m *Manager) NewSession(parent *engine.Session) *engine.Session {
	if parent == nil {
		parent = m.root
	}
	s := parent.NewChild()
	m.mu.Lock()
	m.sessions = append(m.sessions, s)
	m.mu.Unlock()
	return s
}

// ReleaseSession stops tracking s. Unsaved changes in s are dropped.
func (m *Manager) ReleaseSession(s *engine.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = slices.DeleteFunc(m.sessions, func(t *engine.Session) bool { return t == s })
}

func depth(s *engine.Session) int {
	d := 0
	for p := s.Parent(); p != nil; p = p.Parent() {
		d++
	}
	return d
}

// flushSessions saves and resets every session, deepest first, ending with
// the top-level session. A session whose save fails keeps its changes.
func (m *Manager) flushSessions(ctx context.Context) {
	m.mu.Lock()
	chain := slices.Clone(m.sessions)
	m.mu.Unlock()

	slices.SortStableFunc(chain, func(a, b *engine.Session) int { return depth(b) - depth(a) })
	chain = append(chain, m.root)

	for _, s := range chain {
		if err := s.Save(ctx); err != nil {
			if errors.Is(err, engine.ErrNoStore) {
				m.logger.Debug("nothing attached to flush into, keeping changes")
			} else {
				m.logger.Warn("flushing session", "error", err)
			}
			continue
		}
		s.Reset()
	}
}

// Backup snapshots the active backend's store into the backup directory on
// the background queue and returns the snapshot path.
func (m *Manager) Backup(ctx context.Context) (string, error) {
	type result struct {
		path string
		err  error
	}
	done := make(chan result, 1)

	m.queue.Go(func() error {
		m.stackMu.Lock()
		defer m.stackMu.Unlock()
		path, err := m.backup(ctx, m.Active())
		done <- result{path: path, err: err}
		return nil
	})

	select {
	case r := <-done:
		return r.path, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) backup(ctx context.Context, b backend.Backend) (string, error) {
	tc := m.engine.NewCoordinator("backup")
	defer tc.Close()
	return b.Backup(ctx, tc, m.backupDir)
}
