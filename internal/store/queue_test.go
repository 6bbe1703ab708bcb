package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testItem struct {
	Path  string
	Event int
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "fileconveyor.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestQueuePutGetFIFO(t *testing.T) {
	db := newTestDB(t)
	q, err := NewQueue[testItem](db, "pipeline")
	require.NoError(t, err)

	require.NoError(t, q.Put(testItem{Path: "/a"}, "/a"))
	require.NoError(t, q.Put(testItem{Path: "/b"}, "/b"))
	require.NoError(t, q.Put(testItem{Path: "/c"}, "/c"))
	assert.Equal(t, 3, q.Qsize())

	got, err := q.Get()
	require.NoError(t, err)
	assert.Equal(t, "/a", got.Path)

	got, err = q.Get()
	require.NoError(t, err)
	assert.Equal(t, "/b", got.Path)

	assert.Equal(t, 1, q.Qsize())
}

func TestQueuePutDuplicateKeyFails(t *testing.T) {
	db := newTestDB(t)
	q, err := NewQueue[testItem](db, "pipeline")
	require.NoError(t, err)

	require.NoError(t, q.Put(testItem{Path: "/a"}, "/a"))
	err = q.Put(testItem{Path: "/a"}, "/a")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestQueuePeekDoesNotRemove(t *testing.T) {
	db := newTestDB(t)
	q, err := NewQueue[testItem](db, "pipeline")
	require.NoError(t, err)
	require.NoError(t, q.Put(testItem{Path: "/a"}, "/a"))

	got, err := q.Peek()
	require.NoError(t, err)
	assert.Equal(t, "/a", got.Path)
	assert.Equal(t, 1, q.Qsize())
}

func TestQueueEmptyErrors(t *testing.T) {
	db := newTestDB(t)
	q, err := NewQueue[testItem](db, "pipeline")
	require.NoError(t, err)

	_, err = q.Peek()
	assert.ErrorIs(t, err, ErrEmpty)
	_, err = q.Get()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestQueueUpdatePreservesPosition(t *testing.T) {
	db := newTestDB(t)
	q, err := NewQueue[testItem](db, "pipeline")
	require.NoError(t, err)

	require.NoError(t, q.Put(testItem{Path: "/a", Event: 1}, "/a"))
	require.NoError(t, q.Put(testItem{Path: "/b", Event: 1}, "/b"))
	require.NoError(t, q.Update(testItem{Path: "/a", Event: 2}, "/a"))

	got, err := q.Get()
	require.NoError(t, err)
	assert.Equal(t, "/a", got.Path)
	assert.Equal(t, 2, got.Event)
}

func TestQueueUpdateNonExisting(t *testing.T) {
	db := newTestDB(t)
	q, err := NewQueue[testItem](db, "pipeline")
	require.NoError(t, err)

	err = q.Update(testItem{Path: "/a"}, "/a")
	assert.ErrorIs(t, err, ErrUpdateForNonExistingKey)
}

func TestQueueJumpGoesToFront(t *testing.T) {
	db := newTestDB(t)
	q, err := NewQueue[testItem](db, "transport_server1")
	require.NoError(t, err)

	require.NoError(t, q.Put(testItem{Path: "/logo.gif"}, "/logo.gif"))
	require.NoError(t, q.Jump(testItem{Path: "/logo_old.gif"}, "/logo_old.gif"))

	got, err := q.Get()
	require.NoError(t, err)
	assert.Equal(t, "/logo_old.gif", got.Path)

	got, err = q.Get()
	require.NoError(t, err)
	assert.Equal(t, "/logo.gif", got.Path)
}

func TestQueueGetItemAndRemoveForKey(t *testing.T) {
	db := newTestDB(t)
	q, err := NewQueue[testItem](db, "pipeline")
	require.NoError(t, err)

	require.NoError(t, q.Put(testItem{Path: "/a"}, "/a"))
	require.NoError(t, q.Put(testItem{Path: "/b"}, "/b"))

	item, ok, err := q.GetItemForKey("/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/a", item.Path)

	require.NoError(t, q.RemoveItemForKey("/a"))
	assert.Equal(t, 1, q.Qsize())
	_, ok, err = q.GetItemForKey("/a")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := q.Get()
	require.NoError(t, err)
	assert.Equal(t, "/b", got.Path)
}

func TestQueueSurvivesReopenAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fileconveyor.db")

	db, err := Open(path, time.Second)
	require.NoError(t, err)
	q, err := NewQueue[testItem](db, "pipeline")
	require.NoError(t, err)
	require.NoError(t, q.Put(testItem{Path: "/a"}, "/a"))
	require.NoError(t, q.Put(testItem{Path: "/b"}, "/b"))
	require.NoError(t, db.Close())

	db2, err := Open(path, time.Second)
	require.NoError(t, err)
	defer db2.Close()
	q2, err := NewQueue[testItem](db2, "pipeline")
	require.NoError(t, err)
	assert.Equal(t, 2, q2.Qsize())

	got, err := q2.Get()
	require.NoError(t, err)
	assert.Equal(t, "/a", got.Path)
}

func TestQueueRefillAcrossWindowBoundary(t *testing.T) {
	db := newTestDB(t)
	q, err := NewQueue[testItem](db, "pipeline")
	require.NoError(t, err)
	q.minInMemory = 2
	q.maxInMemory = 3

	for i := 0; i < 10; i++ {
		key := string(rune('a' + i))
		require.NoError(t, q.Put(testItem{Path: key}, key))
	}

	var seen []string
	for i := 0; i < 10; i++ {
		got, err := q.Get()
		require.NoError(t, err)
		seen = append(seen, got.Path)
	}
	expected := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	assert.Equal(t, expected, seen)
}
