// ABOUTME: Tests for chained sessions and record queries
// ABOUTME: Covers root-ward save propagation, reset, merge policies, and query filtering/sorting

package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAttachedCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	e := newTestEngine(t)
	c := e.NewCoordinator("live")
	_, err := c.Attach(context.Background(), AttachRequest{
		Backend: "local",
		Path:    filepath.Join(t.TempDir(), "Notes.sqlite"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSession_CreateSaveGet(t *testing.T) {
	c := newAttachedCoordinator(t)
	ctx := context.Background()

	s := NewRootSession(c, StoreTrumps)
	rec := s.Create("Note", map[string]any{"title": "hello", "rank": 3})
	assert.True(t, s.HasChanges())

	require.NoError(t, s.Save(ctx))
	assert.False(t, s.HasChanges())

	// A fresh session reads from the store.
	got, err := NewRootSession(c, StoreTrumps).Get(ctx, "Note", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Fields["title"])
	assert.Equal(t, float64(3), got.Fields["rank"])

	_, err = s.Get(ctx, "Note", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSession_ChildSavePropagatesToStore(t *testing.T) {
	c := newAttachedCoordinator(t)
	ctx := context.Background()

	root := NewRootSession(c, StoreTrumps)
	middle := root.NewChild()
	leaf := middle.NewChild()
	assert.Same(t, middle, leaf.Parent())

	rec := leaf.Create("Note", map[string]any{"title": "deep"})

	// Unsaved changes are invisible to ancestors.
	_, err := root.Get(ctx, "Note", rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, leaf.Save(ctx))
	assert.False(t, leaf.HasChanges())
	assert.False(t, middle.HasChanges())
	assert.False(t, root.HasChanges())

	n, err := c.RecordCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSession_DeleteAndReset(t *testing.T) {
	c := newAttachedCoordinator(t)
	ctx := context.Background()

	s := NewRootSession(c, StoreTrumps)
	keep := s.Create("Note", map[string]any{"title": "keep"})
	drop := s.Create("Note", map[string]any{"title": "drop"})
	require.NoError(t, s.Save(ctx))

	s.Delete("Note", drop.ID)
	_, err := s.Get(ctx, "Note", drop.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Save(ctx))

	recs, err := s.Query(ctx, From("Note"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, keep.ID, recs[0].ID)

	s.Create("Note", map[string]any{"title": "discarded"})
	s.Reset()
	assert.False(t, s.HasChanges())
	recs, err = s.Query(ctx, From("Note"))
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSession_SaveWithoutStoreKeepsChanges(t *testing.T) {
	e := newTestEngine(t)
	c := e.NewCoordinator("empty")

	s := NewRootSession(c, StoreTrumps)
	s.Create("Note", map[string]any{"title": "pending"})

	err := s.Save(context.Background())
	assert.ErrorIs(t, err, ErrNoStore)
	assert.True(t, s.HasChanges())
}

func TestSession_ReturnedRecordsAreCopies(t *testing.T) {
	c := newAttachedCoordinator(t)
	ctx := context.Background()

	s := NewRootSession(c, StoreTrumps)
	rec := s.Create("Note", map[string]any{"title": "original"})
	rec.Fields["title"] = "mutated outside"

	got, err := s.Get(ctx, "Note", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.Fields["title"])
}

func TestSession_MergeImported(t *testing.T) {
	c := newAttachedCoordinator(t)
	ctx := context.Background()

	storeTrumps := NewRootSession(c, StoreTrumps)
	rec := storeTrumps.Create("Note", map[string]any{"title": "local edit"})
	storeTrumps.MergeImported([]RecordKey{rec.Key()})
	assert.False(t, storeTrumps.HasChanges())

	inMemory := NewRootSession(c, InMemoryTrumps)
	rec = inMemory.Create("Note", map[string]any{"title": "local edit"})
	inMemory.MergeImported([]RecordKey{rec.Key()})
	assert.True(t, inMemory.HasChanges())

	// Unknown change sets only clear the cache.
	storeTrumps.Create("Note", map[string]any{"title": "kept"})
	storeTrumps.MergeImported(nil)
	assert.True(t, storeTrumps.HasChanges())
	require.NoError(t, storeTrumps.Save(ctx))
}

func TestParseMergePolicy(t *testing.T) {
	p, err := ParseMergePolicy("")
	require.NoError(t, err)
	assert.Equal(t, StoreTrumps, p)

	p, err = ParseMergePolicy("in_memory_trumps")
	require.NoError(t, err)
	assert.Equal(t, InMemoryTrumps, p)

	_, err = ParseMergePolicy("last_writer")
	assert.Error(t, err)
}

func TestQuery_FilterSortLimit(t *testing.T) {
	c := newAttachedCoordinator(t)
	ctx := context.Background()

	s := NewRootSession(c, StoreTrumps)
	s.Create("Note", map[string]any{"title": "b", "rank": 2, "tag": "work"})
	s.Create("Note", map[string]any{"title": "a", "rank": 10, "tag": "work"})
	s.Create("Note", map[string]any{"title": "c", "rank": 1, "tag": "home"})
	s.Create("Task", map[string]any{"title": "other entity"})
	require.NoError(t, s.Save(ctx))

	// Pending records are layered over stored ones.
	s.Create("Note", map[string]any{"title": "d", "rank": 5, "tag": "work"})

	recs, err := s.Query(ctx, From("Note").Condition("tag", "work").Sort("rank", true))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "b", recs[0].Fields["title"])
	assert.Equal(t, "d", recs[1].Fields["title"])
	assert.Equal(t, "a", recs[2].Fields["title"])

	recs, err = s.Query(ctx, From("Note").Sort("title", false).Take(2))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "d", recs[0].Fields["title"])
	assert.Equal(t, "c", recs[1].Fields["title"])
}
