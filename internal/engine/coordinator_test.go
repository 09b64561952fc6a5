// ABOUTME: Tests for coordinator attach, detach, migration, backup, and change detection
// ABOUTME: Uses real SQLite store files in temp directories

package engine

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{})
	require.NoError(t, err)
	return e
}

// seedStore writes records into a new store file at path.
func seedStore(t *testing.T, e *Engine, path string, records map[string]string) {
	t.Helper()
	ctx := context.Background()

	c := e.NewCoordinator("seed")
	_, err := c.Attach(ctx, AttachRequest{Backend: "seed", Path: path, JournalMode: JournalDelete})
	require.NoError(t, err)

	s := NewRootSession(c, StoreTrumps)
	for id, title := range records {
		s.Update(&Record{Entity: "Note", ID: id, Fields: map[string]any{"title": title}})
	}
	require.NoError(t, s.Save(ctx))
	require.NoError(t, c.Close())
}

// readTitles returns id -> title for every Note in the store at path.
func readTitles(t *testing.T, e *Engine, path string) map[string]string {
	t.Helper()
	ctx := context.Background()

	c := e.NewCoordinator("reader")
	_, err := c.Attach(ctx, AttachRequest{Backend: "reader", Path: path, Mode: AttachExisting})
	require.NoError(t, err)
	defer c.Close()

	recs, err := NewRootSession(c, StoreTrumps).Query(ctx, From("Note"))
	require.NoError(t, err)

	out := make(map[string]string, len(recs))
	for _, r := range recs {
		out[r.ID], _ = r.Fields["title"].(string)
	}
	return out
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New(Config{Driver: "postgres"})
	assert.Error(t, err)

	e, err := New(Config{Driver: DriverCGo})
	require.NoError(t, err)
	assert.Equal(t, DriverCGo, e.Driver())
}

func TestAttach_CreatesStore(t *testing.T) {
	e := newTestEngine(t)
	path := filepath.Join(t.TempDir(), "nested", "Notes.sqlite")

	c := e.NewCoordinator("live")
	defer c.Close()

	st, err := c.Attach(context.Background(), AttachRequest{Backend: "local", Path: path})
	require.NoError(t, err)
	assert.Equal(t, "local", st.Backend)
	assert.NotEmpty(t, st.ID)
	assert.Same(t, st, c.Store())

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestAttach_ExistingMissing(t *testing.T) {
	e := newTestEngine(t)
	c := e.NewCoordinator("live")

	_, err := c.Attach(context.Background(), AttachRequest{
		Path: filepath.Join(t.TempDir(), "absent.sqlite"),
		Mode: AttachExisting,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAttach))
	assert.True(t, errors.Is(err, ErrStoreMissing))
	assert.Nil(t, c.Store())
}

func TestAttach_CorruptFile(t *testing.T) {
	e := newTestEngine(t)
	path := filepath.Join(t.TempDir(), "corrupt.sqlite")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a sqlite database, just some bytes padding it out"), 0644))

	c := e.NewCoordinator("live")
	_, err := c.Attach(context.Background(), AttachRequest{Path: path, Mode: AttachExisting})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAttach))
}

func TestAttach_SingleActiveAttachment(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()
	ctx := context.Background()

	c := e.NewCoordinator("live")
	defer c.Close()

	_, err := c.Attach(ctx, AttachRequest{Path: filepath.Join(dir, "a.sqlite")})
	require.NoError(t, err)

	_, err = c.Attach(ctx, AttachRequest{Path: filepath.Join(dir, "b.sqlite")})
	assert.True(t, errors.Is(err, ErrAlreadyAttached))
	assert.True(t, errors.Is(err, ErrAttach))

	require.NoError(t, c.Detach(ctx))
	assert.Nil(t, c.Store())
	require.NoError(t, c.Detach(ctx))
}

func TestCoordinator_ObserverOrder(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	c := e.NewCoordinator("live")
	defer c.Close()

	var seen []NotificationKind
	record := func(n Notification) { seen = append(seen, n.Kind) }
	willID := c.AddObserver(WillChange, record)
	c.AddObserver(DidChange, record)
	assert.Equal(t, 2, c.ObserverCount())

	_, err := c.Attach(ctx, AttachRequest{Path: filepath.Join(t.TempDir(), "n.sqlite")})
	require.NoError(t, err)
	require.NoError(t, c.Detach(ctx))

	assert.Equal(t, []NotificationKind{WillChange, DidChange, WillChange, DidChange}, seen)

	c.RemoveObserver(willID)
	assert.Equal(t, 1, c.ObserverCount())
}

func TestMigrateInto_CopiesAndMerges(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "local", "Notes.sqlite")
	dst := filepath.Join(dir, "cloud", "Notes.sqlite")

	seedStore(t, e, dst, map[string]string{"b": "from cloud", "shared": "cloud copy"})
	seedStore(t, e, src, map[string]string{"a": "from local", "shared": "local copy"})

	c := e.NewCoordinator("migration")
	defer c.Close()

	source, err := c.Attach(ctx, AttachRequest{Backend: "local", Path: src, Mode: AttachExisting})
	require.NoError(t, err)

	migrated, err := c.MigrateInto(ctx, source, AttachRequest{Backend: "cloud", Path: dst, JournalMode: JournalDelete})
	require.NoError(t, err)
	assert.Equal(t, "cloud", migrated.Backend)
	assert.Same(t, migrated, c.Store())

	n, err := c.RecordCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, c.Close())

	titles := readTitles(t, e, dst)
	assert.Equal(t, "from local", titles["a"])
	assert.Equal(t, "from cloud", titles["b"])
	// The source was seeded last, so its copy is newer.
	assert.Equal(t, "local copy", titles["shared"])

	// Source file is untouched.
	assert.Len(t, readTitles(t, e, src), 2)

	leftovers, err := filepath.Glob(dst + ".migrating-*")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestMigrateInto_FailureLeavesDestinationUntouched(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.sqlite")
	dst := filepath.Join(dir, "dst.sqlite")

	seedStore(t, e, src, map[string]string{"a": "new"})
	seedStore(t, e, dst, map[string]string{"b": "old"})
	before, err := os.ReadFile(dst)
	require.NoError(t, err)

	c := e.NewCoordinator("migration")
	defer c.Close()
	source, err := c.Attach(context.Background(), AttachRequest{Path: src, Mode: AttachExisting})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.MigrateInto(ctx, source, AttachRequest{Path: dst})
	require.Error(t, err)

	after, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Same(t, source, c.Store())

	leftovers, err := filepath.Glob(dst + ".migrating-*")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestMigrateInto_AbortKeepsDestinationJournalMode(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "src.sqlite")
	dst := filepath.Join(dir, "dst.sqlite")

	seedStore(t, e, src, map[string]string{"a": "new"})
	seedStore(t, e, dst, map[string]string{"b": "old"})

	// A destination written by a newer layout cannot be carried over.
	db, err := sql.Open(DriverModernc, dst)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE store_meta SET value = '99' WHERE key = 'schema_version'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	before, err := os.ReadFile(dst)
	require.NoError(t, err)

	c := e.NewCoordinator("migration")
	defer c.Close()
	source, err := c.Attach(ctx, AttachRequest{Path: src, Mode: AttachExisting})
	require.NoError(t, err)

	_, err = c.MigrateInto(ctx, source, AttachRequest{Path: dst, JournalMode: JournalDelete})
	require.ErrorIs(t, err, ErrIncompatibleSchema)

	after, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_, err = os.Stat(dst + "-wal")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestMigrateInto_ReopenFailureAfterRename(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "src.sqlite")
	dst := filepath.Join(dir, "dst.sqlite")
	moved := filepath.Join(dir, "moved.sqlite")

	seedStore(t, e, src, map[string]string{"a": "kept"})

	c := e.NewCoordinator("migration")
	defer c.Close()
	source, err := c.Attach(ctx, AttachRequest{Path: src, Mode: AttachExisting})
	require.NoError(t, err)

	// Once the source is detached, swap the freshly renamed file for a
	// directory so the reopen fails.
	c.AddObserver(WillChange, func(n Notification) {
		if n.Store != nil {
			return
		}
		require.NoError(t, os.Rename(dst, moved))
		require.NoError(t, os.Mkdir(dst, 0755))
	})

	st, err := c.MigrateInto(ctx, source, AttachRequest{Path: dst, JournalMode: JournalDelete})
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Nil(t, c.Store())

	assert.Equal(t, map[string]string{"a": "kept"}, readTitles(t, e, moved))
}

func TestMigrateInto_RequiresAttachedSource(t *testing.T) {
	e := newTestEngine(t)
	c := e.NewCoordinator("migration")

	_, err := c.MigrateInto(context.Background(), &Store{}, AttachRequest{Path: filepath.Join(t.TempDir(), "x.sqlite")})
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestBackup_WritesSnapshot(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "Notes.sqlite")
	seedStore(t, e, src, map[string]string{"a": "one", "b": "two"})

	c := e.NewCoordinator("backup")
	_, err := c.Attach(ctx, AttachRequest{Path: src, Mode: AttachExisting})
	require.NoError(t, err)

	backup := filepath.Join(dir, "backups", "Notes-backup.sqlite")
	require.NoError(t, c.Backup(ctx, backup))
	require.NoError(t, c.Close())

	assert.Equal(t, map[string]string{"a": "one", "b": "two"}, readTitles(t, e, backup))

	assert.ErrorIs(t, e.NewCoordinator("empty").Backup(ctx, backup), ErrNotAttached)
}

func TestCheckExternalChanges(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.sqlite")

	live := e.NewCoordinator("live")
	defer live.Close()
	_, err := live.Attach(ctx, AttachRequest{Path: path, JournalMode: JournalDelete})
	require.NoError(t, err)

	imports := 0
	live.AddObserver(ContentImported, func(n Notification) {
		imports++
		assert.Nil(t, n.Changes)
	})

	// A local save is not an import.
	s := NewRootSession(live, StoreTrumps)
	s.Create("Note", map[string]any{"title": "mine"})
	require.NoError(t, s.Save(ctx))
	changed, err := live.CheckExternalChanges(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	// A write through another connection is.
	seedStore(t, e, path, map[string]string{"x": "theirs"})
	changed, err = live.CheckExternalChanges(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, imports)
}

func TestRemoveStore_IgnoresMissing(t *testing.T) {
	e := newTestEngine(t)
	path := filepath.Join(t.TempDir(), "gone.sqlite")
	seedStore(t, e, path, map[string]string{"a": "1"})

	require.NoError(t, RemoveStore(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, RemoveStore(path))
}
