// ABOUTME: Tests for the directory-backed container and the download wait loop
// ABOUTME: Uses temp directories and a scripted downloader

package cloud

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T, token string) (*FS, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "container")
	require.NoError(t, os.MkdirAll(dir, 0755))
	tokenFile := filepath.Join(root, "identity")
	if token != "" {
		require.NoError(t, os.WriteFile(tokenFile, []byte(token+"\n"), 0600))
	}
	return NewFS(dir, tokenFile), dir
}

func TestFS_IdentityToken(t *testing.T) {
	fs, dir := newTestFS(t, "acct-1")

	token, ok := fs.IdentityToken()
	require.True(t, ok)
	assert.Equal(t, []byte("acct-1"), token)

	got, err := fs.ContainerDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	signedOut, _ := newTestFS(t, "")
	_, ok = signedOut.IdentityToken()
	assert.False(t, ok)
	_, err = signedOut.ContainerDir()
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFS_DownloadLifecycle(t *testing.T) {
	fs, dir := newTestFS(t, "acct-1")
	path := filepath.Join(dir, "KnownDevices.json")

	status, err := fs.DownloadStatus(path)
	require.NoError(t, err)
	assert.Equal(t, StatusNotPresent, status)
	assert.ErrorIs(t, fs.StartDownload(path), ErrNotInCloud)

	require.NoError(t, os.WriteFile(path, []byte(`{"DeviceUUIDs":["a"]}`), 0644))
	require.NoError(t, fs.Evict(path))

	status, err = fs.DownloadStatus(path)
	require.NoError(t, err)
	assert.Equal(t, StatusNotDownloaded, status)

	require.NoError(t, fs.StartDownload(path))
	status, err = fs.DownloadStatus(path)
	require.NoError(t, err)
	assert.Equal(t, StatusCurrent, status)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"DeviceUUIDs":["a"]}`, string(data))
}

func TestFS_ListIncludesPlaceholders(t *testing.T) {
	fs, dir := newTestFS(t, "acct-1")
	storeDir := filepath.Join(dir, "CoreData")
	require.NoError(t, os.MkdirAll(storeDir, 0755))

	require.NoError(t, os.WriteFile(filepath.Join(storeDir, "Notes"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, "Photos"), []byte("y"), 0644))
	require.NoError(t, fs.Evict(filepath.Join(storeDir, "Photos")))
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, ".hidden"), nil, 0644))

	names, err := fs.List(context.Background(), storeDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"Notes", "Photos"}, names)

	names, err = fs.List(context.Background(), filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestFS_Remove(t *testing.T) {
	fs, dir := newTestFS(t, "acct-1")
	storeDir := filepath.Join(dir, "CoreData")
	require.NoError(t, os.MkdirAll(storeDir, 0755))
	notes := filepath.Join(storeDir, "Notes")
	photos := filepath.Join(storeDir, "Photos")

	require.NoError(t, os.WriteFile(notes, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(photos, []byte("y"), 0644))
	require.NoError(t, fs.Evict(photos))

	require.NoError(t, fs.Remove(notes))
	require.NoError(t, fs.Remove(photos))
	require.NoError(t, fs.Remove(filepath.Join(storeDir, "missing")))

	names, err := fs.List(context.Background(), storeDir)
	require.NoError(t, err)
	assert.Empty(t, names)
}

// scriptedDownloader returns statuses in order and records StartDownload calls.
type scriptedDownloader struct {
	mu       sync.Mutex
	statuses []Status
	starts   int
	startErr error
}

func (s *scriptedDownloader) DownloadStatus(string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	return st, nil
}

func (s *scriptedDownloader) StartDownload(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return s.startErr
}

func TestDownload_PollsUntilCurrent(t *testing.T) {
	d := &scriptedDownloader{statuses: []Status{
		StatusNotDownloaded, StatusDownloading, StatusDownloading, StatusCurrent,
	}}

	synced, err := Download(context.Background(), d, "/x", time.Millisecond)
	require.NoError(t, err)
	assert.True(t, synced)
	assert.Equal(t, 1, d.starts)
}

func TestDownload_NotPresent(t *testing.T) {
	d := &scriptedDownloader{statuses: []Status{StatusNotPresent}}

	synced, err := Download(context.Background(), d, "/x", time.Millisecond)
	require.NoError(t, err)
	assert.False(t, synced)
	assert.Zero(t, d.starts)
}

func TestDownload_StartFailureAborts(t *testing.T) {
	boom := errors.New("quota exceeded")
	d := &scriptedDownloader{statuses: []Status{StatusNotDownloaded}, startErr: boom}

	synced, err := Download(context.Background(), d, "/x", time.Millisecond)
	assert.False(t, synced)
	assert.ErrorIs(t, err, boom)
}

func TestDownload_ContextCancel(t *testing.T) {
	d := &scriptedDownloader{statuses: []Status{StatusDownloading}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Download(ctx, d, "/x", 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
