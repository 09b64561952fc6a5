// ABOUTME: Persistence engine entry point: driver selection and store file access
// ABOUTME: Opens SQLite store files with per-store journal modes and schema validation

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverModernc is the pure Go SQLite driver.
	DriverModernc = "sqlite"
	// DriverCGo is the cgo SQLite driver.
	DriverCGo = "sqlite3"

	// schemaVersion is the store layout this engine reads and writes.
	schemaVersion = 1

	// timeFormat is fixed-width so updated_at compares lexicographically.
	timeFormat = "2006-01-02T15:04:05.000000000Z"
)

var (
	// ErrAttach is returned when a store file cannot be attached.
	ErrAttach = errors.New("attach failed")

	// ErrStoreMissing is returned when attaching an existing store that is absent.
	ErrStoreMissing = errors.New("store file does not exist")

	// ErrIncompatibleSchema is returned for stores written by a newer layout.
	ErrIncompatibleSchema = errors.New("incompatible store schema")

	// ErrAlreadyAttached is returned when a coordinator already holds a store.
	ErrAlreadyAttached = errors.New("coordinator already has an attached store")

	// ErrNotAttached is returned when an operation needs a store that is not attached.
	ErrNotAttached = errors.New("store is not attached to this coordinator")

	// ErrNoStore is returned when a root session saves with nothing attached.
	ErrNoStore = errors.New("no store attached")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// AttachError describes a failed attach.
type AttachError struct {
	Path string
	Err  error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attaching store %s: %v", e.Path, e.Err)
}

func (e *AttachError) Unwrap() []error { return []error{ErrAttach, e.Err} }

// Config configures the engine.
type Config struct {
	// Driver is DriverModernc (default) or DriverCGo.
	Driver string
	Logger *slog.Logger
}

// Engine opens store files and creates coordinators.
type Engine struct {
	driver string
	logger *slog.Logger
}

// New creates an engine for the configured driver.
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	driver := cfg.Driver
	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverCGo:
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", cfg.Driver)
	}

	return &Engine{
		driver: driver,
		logger: logger.With("component", "engine"),
	}, nil
}

// Driver returns the database/sql driver name in use.
func (e *Engine) Driver() string { return e.driver }

// NewCoordinator creates an empty coordinator. name is used for logging only.
func (e *Engine) NewCoordinator(name string) *Coordinator {
	return newCoordinator(e, name)
}

// openFile opens the SQLite file at path and ensures the schema. When
// mustExist is set a missing file is an error rather than being created.
func (e *Engine) openFile(ctx context.Context, path string, mustExist bool, journalMode string) (*sql.DB, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		return nil, fmt.Errorf("%s is a directory", path)
	case errors.Is(err, os.ErrNotExist) && mustExist:
		return nil, ErrStoreMissing
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("checking store file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open(e.driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if journalMode == "" {
		journalMode = JournalWAL
	}
	pragmas := []string{
		"PRAGMA journal_mode=" + journalMode,
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// ensureSchema creates the store tables and rejects newer layouts.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			entity     TEXT NOT NULL,
			id         TEXT NOT NULL,
			fields     TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (entity, id)
		);

		CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at);

		CREATE TABLE IF NOT EXISTS store_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	var raw string
	err := db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'schema_version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = db.ExecContext(ctx,
			`INSERT INTO store_meta (key, value) VALUES ('schema_version', ?)`,
			strconv.Itoa(schemaVersion))
		if err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	version, err := strconv.Atoi(raw)
	if err != nil || version > schemaVersion {
		return fmt.Errorf("%w: version %q", ErrIncompatibleSchema, raw)
	}
	return nil
}

// removeStoreFiles deletes a store file and its journal sidecars. Missing
// files are ignored.
func removeStoreFiles(path string) error {
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveStore deletes the store file at path along with its sidecars.
func RemoveStore(path string) error {
	return removeStoreFiles(path)
}
