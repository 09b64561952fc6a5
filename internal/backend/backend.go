// ABOUTME: Backend interface for the two interchangeable storage locations
// ABOUTME: Shared attach, backup, and delete helpers used by the local and cloud implementations

package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/2389/dualstore/internal/engine"
)

// Kind distinguishes the two backends.
type Kind int

const (
	KindLocal Kind = iota
	KindCloud
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindCloud:
		return "cloud"
	default:
		return "unknown"
	}
}

// ErrBackup is matched by every *BackupError.
var ErrBackup = errors.New("backup failed")

// BackupError describes a failed store snapshot.
type BackupError struct {
	Backend string
	Err     error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("backing up %s store: %v", e.Backend, e.Err)
}

func (e *BackupError) Unwrap() []error { return []error{ErrBackup, e.Err} }

// Backend is one storage location able to hold a single store. Backends are
// descriptors; the store name never changes after construction.
type Backend interface {
	Name() string
	Kind() Kind
	IsAvailable() bool
	// StoreExists reports whether a store file is present. It may block.
	StoreExists(ctx context.Context) bool
	StorePath() (string, error)
	// Attach registers this backend's store into c.
	Attach(ctx context.Context, c *engine.Coordinator, mode engine.AttachMode) (*engine.Store, error)
	// MigrateInto copies source, attached to c, into this backend's location
	// and returns the new store, attached to c in place of source.
	MigrateInto(ctx context.Context, source *engine.Store, c *engine.Coordinator) (*engine.Store, error)
	// Delete removes the store file in the background. The channel yields
	// one result and is closed. A missing file is not an error.
	Delete(ctx context.Context) <-chan error
	// Backup snapshots the store into dir through the empty coordinator c
	// and returns the snapshot path.
	Backup(ctx context.Context, c *engine.Coordinator, dir string) (string, error)
}

// CloudBackend is a Backend tied to a cloud account.
type CloudBackend interface {
	Backend
	// Authenticate reports whether the account identity changed since the
	// last call and records the current identity either way.
	Authenticate(ctx context.Context) (bool, error)
	// Watch relays writes made by other devices to c until ctx is done.
	Watch(ctx context.Context, c *engine.Coordinator) error
	// RebuildFromCloud makes the next attach read the container copy.
	RebuildFromCloud()
}

func backupName(name string, at time.Time) string {
	return fmt.Sprintf("%s-backup-%s.sqlite", name, at.UTC().Format("20060102T150405.000000000"))
}

func backupStore(ctx context.Context, b Backend, c *engine.Coordinator, dir string) (string, error) {
	if _, err := b.Attach(ctx, c, engine.AttachExisting); err != nil {
		return "", &BackupError{Backend: b.Kind().String(), Err: err}
	}
	defer c.Detach(ctx)

	path := filepath.Join(dir, backupName(b.Name(), time.Now()))
	if err := c.Backup(ctx, path); err != nil {
		return "", &BackupError{Backend: b.Kind().String(), Err: err}
	}
	return path, nil
}

// deleteStore removes the store file and sidecars at path, then runs each
// extra removal, in the background.
func deleteStore(path string, pathErr error, extra ...func(string) error) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		if pathErr != nil {
			done <- pathErr
			return
		}
		errs := []error{engine.RemoveStore(path)}
		for _, remove := range extra {
			errs = append(errs, remove(path))
		}
		done <- errors.Join(errs...)
	}()
	return done
}
