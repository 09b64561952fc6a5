// ABOUTME: TOML file-backed settings store
// ABOUTME: Loads once on open and rewrites the whole file atomically on every change

package settings

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// File is a Store persisted as a flat TOML document.
type File struct {
	mu     sync.RWMutex
	path   string
	values map[string]any
}

// OpenFile loads the settings file at path, creating parent directories.
// A missing file yields an empty store; it is created on first write.
func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating settings directory: %w", err)
	}

	f := &File{path: path, values: make(map[string]any)}
	if _, err := toml.DecodeFile(path, &f.values); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("parsing settings file: %w", err)
	}
	return f, nil
}

// Path returns the backing file location.
func (f *File) Path() string { return f.path }

func (f *File) GetBool(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, _ := f.values[key].(bool)
	return b
}

func (f *File) SetBool(key string, value bool) error {
	return f.set(key, value)
}

func (f *File) GetString(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.values[key].(string)
	return s, ok
}

func (f *File) SetString(key string, value string) error {
	return f.set(key, value)
}

func (f *File) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; !ok {
		return nil
	}
	delete(f.values, key)
	return f.flushLocked()
}

func (f *File) set(key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return f.flushLocked()
}

// flushLocked writes the document to a temp file and renames it over the
// original. Must be called with mu held.
func (f *File) flushLocked() error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(f.values); err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing settings file: %w", err)
	}
	return nil
}
