package pathscanner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestScanner(t *testing.T, ignoredDirs ...string) (*Scanner, string) {
	t.Helper()
	dbDir := t.TempDir()
	db, err := bolt.Open(filepath.Join(dbDir, "scan.db"), 0644, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(db, ignoredDirs)
	require.NoError(t, err)

	root := t.TempDir()
	return s, root
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
}

func TestInitialScanIsIdempotent(t *testing.T) {
	s, root := newTestScanner(t)
	touch(t, filepath.Join(root, "a.txt"))

	require.NoError(t, s.InitialScan(root))
	// A second call must not error and must not duplicate anything; the
	// original implementation treats this as a no-op (spec.md §4.3).
	require.NoError(t, s.InitialScan(root))

	res, err := s.Scan(root)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
}

func TestScanDetectsCreatedModifiedDeleted(t *testing.T) {
	s, root := newTestScanner(t)
	touch(t, filepath.Join(root, "a.txt"))
	touch(t, filepath.Join(root, "b.txt"))
	require.NoError(t, s.InitialScan(root))

	// No changes yet.
	res, err := s.Scan(root)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Empty(t, res.Modified)
	assert.Empty(t, res.Deleted)

	// Create a new file, delete an old one, and touch a third to bump its
	// mtime forward.
	touch(t, filepath.Join(root, "c.txt"))
	require.NoError(t, os.Remove(filepath.Join(root, "b.txt")))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.txt"), future, future))

	res, err = s.Scan(root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c.txt"}, res.Created)
	assert.ElementsMatch(t, []string{"a.txt"}, res.Modified)
	assert.ElementsMatch(t, []string{"b.txt"}, res.Deleted)

	// Re-scanning immediately afterward should show no further changes.
	res, err = s.Scan(root)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Empty(t, res.Modified)
	assert.Empty(t, res.Deleted)
}

func TestScanIgnoresConfiguredDirNames(t *testing.T) {
	s, root := newTestScanner(t, "CVS", ".svn")
	require.NoError(t, os.Mkdir(filepath.Join(root, "CVS"), 0755))
	touch(t, filepath.Join(root, "CVS", "ignored.txt"))
	touch(t, filepath.Join(root, "keep.txt"))

	require.NoError(t, s.InitialScan(root))

	res, err := s.Scan(root)
	require.NoError(t, err)
	assert.Empty(t, res.Created)

	// The ignored subdirectory was never snapshotted at all.
	subs, err := s.ScanTree(root)
	require.NoError(t, err)
	for _, sub := range subs {
		assert.NotContains(t, sub.Dir, "CVS")
	}
}

func TestScanCascadesDirectoryDeletionToDescendants(t *testing.T) {
	s, root := newTestScanner(t)
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	touch(t, filepath.Join(sub, "inner.txt"))
	require.NoError(t, s.InitialScan(root))

	require.NoError(t, os.RemoveAll(sub))

	res, err := s.Scan(root)
	require.NoError(t, err)
	assert.Contains(t, res.Deleted, "sub")
	assert.Contains(t, res.Deleted, filepath.Join("sub", "inner.txt"))
}

func TestScanTreeRecursesIntoSubdirectories(t *testing.T) {
	s, root := newTestScanner(t)
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	touch(t, filepath.Join(root, "top.txt"))
	touch(t, filepath.Join(sub, "inner.txt"))
	require.NoError(t, s.InitialScan(root))

	// Remove inner.txt and add a new file at top level; ScanTree should
	// surface the change at the right subdirectory.
	require.NoError(t, os.Remove(filepath.Join(sub, "inner.txt")))
	touch(t, filepath.Join(root, "top2.txt"))

	results, err := s.ScanTree(root)
	require.NoError(t, err)
	require.Len(t, results, 2)

	var rootResult, subResult Result
	for _, r := range results {
		switch r.Dir {
		case root:
			rootResult = r.Result
		case sub:
			subResult = r.Result
		}
	}
	assert.Contains(t, rootResult.Created, "top2.txt")
	assert.Contains(t, subResult.Deleted, "inner.txt")
}

func TestPurgeRemovesAllSnapshotRows(t *testing.T) {
	s, root := newTestScanner(t)
	touch(t, filepath.Join(root, "a.txt"))
	require.NoError(t, s.InitialScan(root))

	require.NoError(t, s.Purge(root))

	// After purging, scanning again should treat every entry as newly
	// created (the snapshot has forgotten it ever saw them).
	res, err := s.Scan(root)
	require.NoError(t, err)
	assert.Contains(t, res.Created, "a.txt")
}

func TestSymlinksAreTreatedAsFiles(t *testing.T) {
	s, root := newTestScanner(t)
	target := filepath.Join(root, "target")
	require.NoError(t, os.Mkdir(target, 0755))
	touch(t, filepath.Join(target, "inside.txt"))

	link := filepath.Join(root, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported in this environment: %v", err)
	}

	require.NoError(t, s.InitialScan(root))

	// The symlink itself is a snapshot row, but nothing beneath the
	// linked-to directory was ever descended into.
	subs, err := s.ScanTree(root)
	require.NoError(t, err)
	for _, sub := range subs {
		assert.NotEqual(t, link, sub.Dir)
	}
}
