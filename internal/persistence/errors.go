// ABOUTME: Error types for the persistence manager
// ABOUTME: MigrationError matches ErrMigration and carries the underlying cause

package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrMigration is matched by every *MigrationError.
	ErrMigration = errors.New("migration failed")

	// ErrNoCloudBackend is returned when a cloud operation is requested but
	// no cloud backend was configured.
	ErrNoCloudBackend = errors.New("no cloud backend configured")
)

// MigrationError describes an aborted migration. The destination is left
// as it was.
type MigrationError struct {
	Source      string
	Destination string
	Err         error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrating %s store to %s: %v", e.Source, e.Destination, e.Err)
}

func (e *MigrationError) Unwrap() []error { return []error{ErrMigration, e.Err} }
