// ABOUTME: Directory-backed cloud container for synced folders (Dropbox-style or network mounts)
// ABOUTME: Items not yet downloaded are represented by ".<name>.cloud" placeholder files

package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	placeholderSuffix = ".cloud"
	downloadingSuffix = ".downloading"
)

// FS is a Container rooted at a directory that some sync agent keeps in
// step with other devices. The signed-in account is read from a token file.
type FS struct {
	dir       string
	tokenFile string
}

// NewFS returns a container rooted at dir whose identity token is read from
// tokenFile on every call.
func NewFS(dir, tokenFile string) *FS {
	return &FS{dir: dir, tokenFile: tokenFile}
}

// IdentityToken returns the trimmed token file content. A missing or empty
// file means no account.
func (f *FS) IdentityToken() ([]byte, bool) {
	if f.tokenFile == "" {
		return nil, false
	}
	data, err := os.ReadFile(f.tokenFile)
	if err != nil {
		return nil, false
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}

// ContainerDir returns the container root while an account is signed in.
func (f *FS) ContainerDir() (string, error) {
	if _, ok := f.IdentityToken(); !ok {
		return "", ErrUnavailable
	}
	return f.dir, nil
}

func placeholderPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+placeholderSuffix)
}

func downloadingPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+downloadingSuffix)
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// DownloadStatus reports whether path is downloaded, in flight, a
// placeholder, or absent.
func (f *FS) DownloadStatus(path string) (Status, error) {
	checks := []struct {
		path   string
		status Status
	}{
		{path, StatusCurrent},
		{downloadingPath(path), StatusDownloading},
		{placeholderPath(path), StatusNotDownloaded},
	}
	for _, c := range checks {
		ok, err := exists(c.path)
		if err != nil {
			return StatusNotPresent, err
		}
		if ok {
			return c.status, nil
		}
	}
	return StatusNotPresent, nil
}

// StartDownload materialises the placeholder for path. The content lands in
// a temporary file and is renamed into place.
func (f *FS) StartDownload(path string) error {
	placeholder := placeholderPath(path)
	src, err := os.Open(placeholder)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotInCloud
	}
	if err != nil {
		return fmt.Errorf("opening placeholder: %w", err)
	}
	defer src.Close()

	marker := downloadingPath(path)
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		return fmt.Errorf("marking download: %w", err)
	}
	defer os.Remove(marker)

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".part-*")
	if err != nil {
		return fmt.Errorf("creating download file: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("copying content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing download file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("moving download into place: %w", err)
	}
	src.Close()
	if err := os.Remove(placeholder); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing placeholder: %w", err)
	}
	return nil
}

// Evict replaces the local copy of path with a placeholder, as the sync
// agent does when it frees space or before another device's copy arrives.
func (f *FS) Evict(path string) error {
	if err := os.Rename(path, placeholderPath(path)); err != nil {
		return fmt.Errorf("evicting %s: %w", path, err)
	}
	return nil
}

// Remove deletes path and its placeholder or download marker.
func (f *FS) Remove(path string) error {
	var errs []error
	for _, p := range []string{path, placeholderPath(path), downloadingPath(path)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// List returns the item names in dir, reporting placeholders under the name
// of the item they stand for. A missing directory lists as empty.
func (f *FS) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasPrefix(name, ".") && strings.HasSuffix(name, placeholderSuffix):
			name = strings.TrimSuffix(strings.TrimPrefix(name, "."), placeholderSuffix)
		case strings.HasPrefix(name, "."):
			continue
		}
		seen[name] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
