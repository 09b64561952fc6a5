// ABOUTME: Coordinator holds at most one attached store and relays change notifications
// ABOUTME: Implements attach, detach, atomic migrate-into, backup, and external change import

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Notification kinds delivered to observers.
type NotificationKind int

const (
	// WillChange fires before the attached store is replaced or removed.
	WillChange NotificationKind = iota
	// DidChange fires after the attached store was replaced or removed.
	DidChange
	// ContentImported fires when another writer changed the attached store.
	ContentImported
)

func (k NotificationKind) String() string {
	switch k {
	case WillChange:
		return "will_change"
	case DidChange:
		return "did_change"
	case ContentImported:
		return "content_imported"
	default:
		return "unknown"
	}
}

// Notification is delivered synchronously to observers.
type Notification struct {
	Kind  NotificationKind
	Store *Store
	// Changes lists imported records. Nil means the whole store may differ.
	Changes []RecordKey
}

// Observer receives coordinator notifications.
type Observer func(Notification)

type observerEntry struct {
	kind NotificationKind
	fn   Observer
}

// Coordinator holds at most one attached store at a time.
type Coordinator struct {
	engine *Engine
	name   string
	logger *slog.Logger

	// opMu serialises attach/detach/migrate. Observers run while it is held
	// but mu is not, so they may read and write through the store.
	opMu sync.Mutex

	mu        sync.RWMutex
	store     *Store
	observers map[string]observerEntry
}

func newCoordinator(e *Engine, name string) *Coordinator {
	return &Coordinator{
		engine:    e,
		name:      name,
		logger:    e.logger.With("coordinator", name),
		observers: make(map[string]observerEntry),
	}
}

// Name returns the coordinator's label.
func (c *Coordinator) Name() string { return c.name }

// Store returns the attached store or nil.
func (c *Coordinator) Store() *Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store
}

// AddObserver registers fn for kind and returns its ID.
func (c *Coordinator) AddObserver(kind NotificationKind, fn Observer) string {
	id := uuid.New().String()
	c.mu.Lock()
	c.observers[id] = observerEntry{kind: kind, fn: fn}
	c.mu.Unlock()
	return id
}

// RemoveObserver unregisters an observer. Unknown IDs are ignored.
func (c *Coordinator) RemoveObserver(id string) {
	c.mu.Lock()
	delete(c.observers, id)
	c.mu.Unlock()
}

// ObserverCount returns the number of registered observers.
func (c *Coordinator) ObserverCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.observers)
}

func (c *Coordinator) notify(n Notification) {
	c.mu.RLock()
	var fns []Observer
	for _, o := range c.observers {
		if o.kind == n.Kind {
			fns = append(fns, o.fn)
		}
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(n)
	}
}

// Attach opens the store described by req and makes it the attached store.
// Failures are wrapped in *AttachError and match ErrAttach.
func (c *Coordinator) Attach(ctx context.Context, req AttachRequest) (*Store, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.Store() != nil {
		return nil, &AttachError{Path: req.Path, Err: ErrAlreadyAttached}
	}

	c.notify(Notification{Kind: WillChange})

	db, err := c.engine.openFile(ctx, req.Path, req.Mode == AttachExisting, req.JournalMode)
	if err != nil {
		c.logger.Warn("attach failed", "path", req.Path, "error", err)
		return nil, &AttachError{Path: req.Path, Err: err}
	}

	st := newStore(req, db)
	if v, err := st.readDataVersion(ctx); err == nil {
		st.dataVersion = v
	}

	c.mu.Lock()
	c.store = st
	c.mu.Unlock()

	c.logger.Debug("store attached", "backend", req.Backend, "path", req.Path, "store_id", st.ID)
	c.notify(Notification{Kind: DidChange, Store: st})
	return st, nil
}

// Detach closes and removes the attached store. Detaching an empty
// coordinator is a no-op.
func (c *Coordinator) Detach(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.detachLocked()
}

func (c *Coordinator) detachLocked() error {
	st := c.Store()
	if st == nil {
		return nil
	}

	c.notify(Notification{Kind: WillChange, Store: st})

	c.mu.Lock()
	c.store = nil
	c.mu.Unlock()

	err := st.close()
	c.logger.Debug("store detached", "backend", st.Backend, "path", st.Path)
	c.notify(Notification{Kind: DidChange})
	if err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}

// MigrateInto copies source, which must be attached here, into the store
// described by dst and attaches the result in its place. Records already in
// the destination are kept unless the source holds a newer version.
//
// The copy is written to a temporary file and renamed over the destination,
// so on failure the destination file is left untouched and source stays
// attached. Once the rename has happened the migration counts as done: if
// the new file then fails to reopen, the coordinator is left detached and a
// nil store is returned without error.
func (c *Coordinator) MigrateInto(ctx context.Context, source *Store, dst AttachRequest) (*Store, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if source == nil || c.Store() != source {
		return nil, ErrNotAttached
	}
	if samePath(source.Path, dst.Path) {
		return nil, fmt.Errorf("migrating %s onto itself", source.Path)
	}

	tmp := dst.Path + ".migrating-" + uuid.New().String()
	copied, err := c.buildMigrated(ctx, source, dst, tmp)
	if err != nil {
		removeStoreFiles(tmp)
		return nil, err
	}

	// Stale sidecars would be replayed against the new file.
	for _, p := range []string{dst.Path + "-wal", dst.Path + "-shm", dst.Path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			removeStoreFiles(tmp)
			return nil, fmt.Errorf("clearing destination sidecar: %w", err)
		}
	}
	if err := os.Rename(tmp, dst.Path); err != nil {
		removeStoreFiles(tmp)
		return nil, fmt.Errorf("moving migrated store into place: %w", err)
	}

	if err := c.detachLocked(); err != nil {
		c.logger.Warn("closing migration source", "path", source.Path, "error", err)
	}

	c.notify(Notification{Kind: WillChange})
	db, err := c.engine.openFile(ctx, dst.Path, true, dst.JournalMode)
	if err != nil {
		c.logger.Warn("migrated store in place but reopening it failed",
			"path", dst.Path, "records", copied, "error", err)
		c.notify(Notification{Kind: DidChange})
		return nil, nil
	}
	st := newStore(dst, db)
	if v, err := st.readDataVersion(ctx); err == nil {
		st.dataVersion = v
	}
	c.mu.Lock()
	c.store = st
	c.mu.Unlock()
	c.notify(Notification{Kind: DidChange, Store: st})

	c.logger.Info("store migrated",
		"from", source.Backend,
		"to", dst.Backend,
		"records", copied,
		"path", dst.Path)
	return st, nil
}

// buildMigrated writes existing destination records and then source records
// into tmp.
func (c *Coordinator) buildMigrated(ctx context.Context, source *Store, dst AttachRequest, tmp string) (int, error) {
	dstPath := dst.Path
	out, err := c.engine.openFile(ctx, tmp, false, JournalDelete)
	if err != nil {
		return 0, fmt.Errorf("creating migration file: %w", err)
	}

	if _, err := os.Stat(dstPath); err == nil {
		// The destination keeps its own journal mode; an abandoned
		// migration must leave its header as it was.
		prior, err := c.engine.openFile(ctx, dstPath, true, dst.JournalMode)
		if err != nil {
			out.Close()
			return 0, fmt.Errorf("opening destination store: %w", err)
		}
		existing := &Store{Path: dstPath, db: prior}
		_, err = existing.copyInto(ctx, out)
		existing.close()
		if err != nil {
			out.Close()
			return 0, fmt.Errorf("carrying over destination records: %w", err)
		}
	}

	copied, err := source.copyInto(ctx, out)
	if err != nil {
		out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("closing migration file: %w", err)
	}
	return copied, nil
}

// Backup writes a consistent snapshot of the attached store to path.
func (c *Coordinator) Backup(ctx context.Context, path string) error {
	st := c.Store()
	if st == nil {
		return ErrNotAttached
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}
	if _, err := st.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}
	c.logger.Info("store backed up", "backend", st.Backend, "path", path)
	return nil
}

// CheckExternalChanges compares the store's data_version with the last seen
// value and fires ContentImported when another connection wrote the file.
func (c *Coordinator) CheckExternalChanges(ctx context.Context) (bool, error) {
	st := c.Store()
	if st == nil {
		return false, ErrNotAttached
	}
	v, err := st.readDataVersion(ctx)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	changed := v != st.dataVersion
	st.dataVersion = v
	c.mu.Unlock()

	if changed {
		c.logger.Debug("external change detected", "backend", st.Backend)
		c.notify(Notification{Kind: ContentImported, Store: st})
	}
	return changed, nil
}

// NotifyImport reports records imported from another writer.
func (c *Coordinator) NotifyImport(changes []RecordKey) {
	c.notify(Notification{Kind: ContentImported, Store: c.Store(), Changes: changes})
}

// RecordCount returns the number of records in the attached store.
func (c *Coordinator) RecordCount(ctx context.Context) (int, error) {
	st := c.Store()
	if st == nil {
		return 0, ErrNotAttached
	}
	return st.count(ctx)
}

// Close detaches the store and drops every observer.
func (c *Coordinator) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.observers = make(map[string]observerEntry)
	c.mu.Unlock()

	return c.detachLocked()
}

func (c *Coordinator) commit(ctx context.Context, cs changeSet) error {
	st := c.Store()
	if st == nil {
		return ErrNoStore
	}
	// data_version does not move for commits on this connection, so local
	// saves never show up as imported content.
	return st.commit(ctx, cs)
}

func (c *Coordinator) fetch(ctx context.Context, key RecordKey) (*Record, error) {
	st := c.Store()
	if st == nil {
		return nil, ErrNoStore
	}
	return st.fetch(ctx, key)
}

func (c *Coordinator) scan(ctx context.Context, entity string) ([]*Record, error) {
	st := c.Store()
	if st == nil {
		return nil, ErrNoStore
	}
	return st.scan(ctx, entity)
}

func samePath(a, b string) bool {
	ca, errA := filepath.Abs(a)
	cb, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ca == cb
}
