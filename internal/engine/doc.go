// Package engine is the persistence engine that backends attach their store
// files to.
//
// # Architecture
//
//   - Engine: driver selection and low-level store file access
//   - Coordinator: holds at most one attached Store and fans out change
//     notifications (will-change, did-change, content-imported)
//   - Session: unit of work with pending inserts, updates and deletes,
//     chained parent/child; saving a child pushes its changes into the parent
//     and saves the parent, walking root-ward
//
// A live coordinator is owned by the persistence manager. Migrations and
// backups always use separate, transient coordinators so the live
// attachment is never disturbed.
//
// # Store files
//
// Each store is one SQLite file with two tables:
//
//	records(entity, id, fields, updated_at)   -- fields is a JSON object
//	store_meta(key, value)                    -- schema_version
//
// Two drivers are supported: "sqlite" (modernc.org/sqlite, pure Go, the
// default) and "sqlite3" (github.com/mattn/go-sqlite3, cgo).
//
// Store connections are limited to a single connection so PRAGMA
// data_version only changes when another process writes the file. Cloud
// backends use that to detect imported content.
//
// # Errors
//
//   - ErrAttach: the store could not be attached (missing, corrupt, or an
//     incompatible schema). Use errors.Is.
//   - ErrNotFound: record does not exist
//   - ErrNoStore: a root session saved with nothing attached
package engine
