// ABOUTME: SQLite implementation of the settings store using modernc.org/sqlite
// ABOUTME: Keeps typed values in a single table so several processes can share one file

package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"
)

const (
	kindBool   = "bool"
	kindString = "string"
)

// SQLite is a Store kept in a SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the settings database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating settings directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening settings database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			kind  TEXT NOT NULL,
			value TEXT NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("preparing settings database: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) get(key string) (kind, value string, ok bool) {
	err := s.db.QueryRowContext(context.Background(),
		`SELECT kind, value FROM settings WHERE key = ?`, key).Scan(&kind, &value)
	if err != nil {
		return "", "", false
	}
	return kind, value, true
}

func (s *SQLite) put(key, kind, value string) error {
	_, err := s.db.ExecContext(context.Background(), `
		INSERT INTO settings (key, kind, value) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET kind = excluded.kind, value = excluded.value`,
		key, kind, value)
	if err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) GetBool(key string) bool {
	kind, value, ok := s.get(key)
	if !ok || kind != kindBool {
		return false
	}
	b, _ := strconv.ParseBool(value)
	return b
}

func (s *SQLite) SetBool(key string, value bool) error {
	return s.put(key, kindBool, strconv.FormatBool(value))
}

func (s *SQLite) GetString(key string) (string, bool) {
	kind, value, ok := s.get(key)
	if !ok || kind != kindString {
		return "", false
	}
	return value, true
}

func (s *SQLite) SetString(key string, value string) error {
	return s.put(key, kindString, value)
}

func (s *SQLite) Remove(key string) error {
	_, err := s.db.ExecContext(context.Background(), `DELETE FROM settings WHERE key = ?`, key)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("removing setting %s: %w", key, err)
	}
	return nil
}
