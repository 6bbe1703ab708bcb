// Package pathscanner implements the directory-tree scanner of
// spec.md §4.3, grounded on the original Python implementation's
// pathscanner.py: a persistent (path, filename) -> mtime snapshot table
// that lets scan() diff the current directory listing against what was
// last seen, without depending on any OS-level filesystem notification
// mechanism.
package pathscanner

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/wimleers/fileconveyor/internal/fclog"
)

// DirMtime is the sentinel mtime recorded for directory rows
// (spec.md §4.3, §6).
const DirMtime = int64(-1)

var snapshotBucket = []byte("pathscanner_snapshot")

const keySep = "\x00"

// Scanner maintains the persistent snapshot and answers scan requests.
// Symlinks are treated as files (never descended into); the configured
// ignoredDirs are never descended into; listing errors on a subpath are
// skipped silently, matching spec.md §4.3's stated policies.
type Scanner struct {
	db          *bolt.DB
	ignoredDirs map[string]bool
	batchSize   int
	log         *fclog.Logger
}

// New creates a Scanner backed by db (the same bbolt handle the rest of
// the Arbitrator's durable state lives in) and a raw directory-name
// ignore list (spec.md §4.3 policies).
func New(db *bolt.DB, ignoredDirs []string) (*Scanner, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	ignored := make(map[string]bool, len(ignoredDirs))
	for _, d := range ignoredDirs {
		ignored[d] = true
	}
	return &Scanner{db: db, ignoredDirs: ignored, batchSize: 50, log: fclog.For("pathscanner")}, nil
}

// Result is the set of created/modified/deleted filenames produced by
// Scan, relative to the directory that was scanned.
type Result struct {
	Created  []string
	Modified []string
	Deleted  []string
}

func (r *Result) empty() bool {
	return len(r.Created) == 0 && len(r.Modified) == 0 && len(r.Deleted) == 0
}

type dirEntry struct {
	name  string
	mtime int64
	isDir bool
}

func snapKey(dir, filename string) []byte {
	return []byte(dir + keySep + filename)
}

// listDir lists the immediate children of dir, classifying symlinks as
// plain files and skipping entries that error on stat (spec.md §4.3).
func (s *Scanner) listDir(dir string) []dirEntry {
	names, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var entries []dirEntry
	for _, de := range names {
		full := filepath.Join(dir, de.Name())
		info, err := os.Lstat(full)
		if err != nil {
			continue
		}
		isDir := info.IsDir()
		if isDir {
			if s.ignoredDirs[de.Name()] {
				continue
			}
		}
		if info.Mode()&os.ModeSymlink != 0 {
			// Never descend into symlinks; treat as a file.
			isDir = false
			st, err := os.Stat(full)
			if err != nil {
				continue
			}
			entries = append(entries, dirEntry{name: de.Name(), mtime: st.ModTime().Unix(), isDir: false})
			continue
		}
		mtime := info.ModTime().Unix()
		if isDir {
			mtime = DirMtime
		}
		entries = append(entries, dirEntry{name: de.Name(), mtime: mtime, isDir: isDir})
	}
	return entries
}

// InitialScan walks root recursively and inserts every row in batched
// commits (batch size ~50). Idempotent: returns immediately if rows for
// root already exist (spec.md §4.3).
func (s *Scanner) InitialScan(root string) error {
	root = filepath.Clean(root)
	exists, err := s.hasAnyRowUnder(root)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.walkAndInsert(root)
}

// HasSnapshot reports whether root has ever been scanned (used by the
// Filesystem Monitor to decide between silent initial scan and replay
// diffing; spec.md §4.4).
func (s *Scanner) HasSnapshot(root string) bool {
	exists, err := s.hasAnyRowUnder(filepath.Clean(root))
	if err != nil {
		return false
	}
	return exists
}

func (s *Scanner) hasAnyRowUnder(root string) (bool, error) {
	var found bool
	prefix := []byte(root + keySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(snapshotBucket).Cursor()
		k, _ := c.Seek(prefix)
		found = k != nil && bytes.HasPrefix(k, prefix)
		return nil
	})
	return found, err
}

func (s *Scanner) walkAndInsert(dir string) error {
	type row struct {
		dir, name string
		mtime     int64
	}
	var batch []row
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(snapshotBucket)
			for _, r := range batch {
				if err := putMtime(b, r.dir, r.name, r.mtime); err != nil {
					return err
				}
			}
			return nil
		})
		batch = batch[:0]
		return err
	}

	var walk func(d string) error
	walk = func(d string) error {
		for _, e := range s.listDir(d) {
			batch = append(batch, row{dir: d, name: e.name, mtime: e.mtime})
			if len(batch) >= s.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
			if e.isDir {
				if err := walk(filepath.Join(d, e.name)); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(dir); err != nil {
		return err
	}
	return flush()
}

func putMtime(b *bolt.Bucket, dir, name string, mtime int64) error {
	return b.Put(snapKey(dir, name), encodeMtime(mtime))
}

func encodeMtime(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeMtime(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// Scan performs a non-recursive diff of dir against the snapshot,
// committing the snapshot updates atomically per category and expanding
// deleted directories into every snapshot row beneath them
// (spec.md §4.3).
func (s *Scanner) Scan(dir string) (Result, error) {
	dir = filepath.Clean(dir)
	old := make(map[string]int64)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(snapshotBucket).Cursor()
		prefix := []byte(dir + keySep)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			name := strings.TrimPrefix(string(k), string(prefix))
			if strings.Contains(name, keySep) {
				continue // safety: only direct children of dir
			}
			old[name] = decodeMtime(v)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	current := s.listDir(dir)
	newMtimes := make(map[string]int64, len(current))
	for _, e := range current {
		newMtimes[e.name] = e.mtime
	}

	var result Result
	for name := range newMtimes {
		if _, existed := old[name]; !existed {
			result.Created = append(result.Created, name)
		}
	}
	for name, oldMtime := range old {
		if newMtime, stillPresent := newMtimes[name]; stillPresent {
			if newMtime != oldMtime {
				result.Modified = append(result.Modified, name)
			}
		} else {
			result.Deleted = append(result.Deleted, name)
		}
	}

	// Expand deleted directories: every snapshot row beneath a deleted
	// directory row is also reported as deleted, with paths relative to
	// dir (spec.md §4.3).
	var deletedTree []string
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		for _, name := range result.Deleted {
			if old[name] != DirMtime {
				continue
			}
			// Rows directly inside the deleted directory, then rows in
			// any of its subdirectories.
			deletedDir := filepath.Join(dir, name)
			for _, subPrefix := range [][]byte{[]byte(deletedDir + keySep), []byte(deletedDir + string(filepath.Separator))} {
				c := b.Cursor()
				for k, _ := c.Seek(subPrefix); k != nil && bytes.HasPrefix(k, subPrefix); k, _ = c.Next() {
					rel, err := filepath.Rel(dir, strings.TrimSuffix(string(k), keySep+lastSegment(string(k))))
					if err != nil {
						continue
					}
					file := lastSegment(string(k))
					if rel == "." {
						deletedTree = append(deletedTree, file)
					} else {
						deletedTree = append(deletedTree, filepath.Join(rel, file))
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	result.Deleted = append(result.Deleted, deletedTree...)

	if err := s.commit(dir, result, newMtimes); err != nil {
		return Result{}, err
	}
	return result, nil
}

func lastSegment(key string) string {
	idx := strings.LastIndex(key, keySep)
	if idx < 0 {
		return key
	}
	return key[idx+len(keySep):]
}

func (s *Scanner) commit(dir string, result Result, newMtimes map[string]int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		for _, name := range result.Created {
			if err := putMtime(b, dir, name, newMtimes[name]); err != nil {
				return err
			}
		}
		for _, name := range result.Modified {
			if err := putMtime(b, dir, name, newMtimes[name]); err != nil {
				return err
			}
		}
		for _, relName := range result.Deleted {
			d, name := splitRelative(dir, relName)
			if err := b.Delete(snapKey(d, name)); err != nil {
				return err
			}
		}
		return nil
	})
}

func splitRelative(dir, relName string) (string, string) {
	if strings.ContainsRune(relName, filepath.Separator) || strings.Contains(relName, "/") {
		full := filepath.Join(dir, relName)
		return filepath.Dir(full), filepath.Base(full)
	}
	return dir, relName
}

// SubdirResult pairs a subdirectory with its own Scan result, yielded by
// ScanTree.
type SubdirResult struct {
	Dir    string
	Result Result
}

// ScanTree scans root and every snapshot-known descendant, depth-first,
// root first (spec.md §4.3).
func (s *Scanner) ScanTree(root string) ([]SubdirResult, error) {
	root = filepath.Clean(root)
	var out []SubdirResult

	var walk func(dir string) error
	walk = func(dir string) error {
		res, err := s.Scan(dir)
		if err != nil {
			return err
		}
		out = append(out, SubdirResult{Dir: dir, Result: res})
		for _, e := range s.listDir(dir) {
			if e.isDir {
				if err := walk(filepath.Join(dir, e.name)); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}

// Purge deletes every snapshot row under root.
func (s *Scanner) Purge(root string) error {
	root = filepath.Clean(root)
	prefixes := [][]byte{[]byte(root + keySep), []byte(root + string(filepath.Separator))}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		var toDelete [][]byte
		// Rows directly inside root, then rows in any of its
		// subdirectories.
		for _, prefix := range prefixes {
			c := b.Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		// Also remove the root row itself, stored under its parent.
		parent, name := filepath.Dir(root), filepath.Base(root)
		if v := b.Get(snapKey(parent, name)); v != nil {
			toDelete = append(toDelete, snapKey(parent, name))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
