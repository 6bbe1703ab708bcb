package store

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/wimleers/fileconveyor/internal/model"
)

// indexBucket is the single bucket backing the Synced-Files Index
// (spec.md §3 SyncedFile, §6 Persistent state layout). Rows are keyed by
// "<input_file>\x00<server>" so a prefix scan over "<input_file>\x00"
// answers "which servers have an artifact for this input" in the filter
// stage's DELETED lookup (spec.md §4.8).
var indexBucket = []byte("synced_files")

const indexKeySep = "\x00"

// Index is the durable key/value table mapping (input path, destination)
// to (transported basename, URL) described in spec.md §3.
type Index struct {
	db *DB
	mu sync.Mutex
}

// NewIndex opens (creating if necessary) the synced-files index.
func NewIndex(db *DB) (*Index, error) {
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Index{db: db}, nil
}

func indexKey(input, server string) []byte {
	return []byte(input + indexKeySep + server)
}

// Get returns the row for (input, server), if any.
func (ix *Index) Get(input, server string) (model.SyncedFile, bool, error) {
	var row model.SyncedFile
	var ok bool
	err := ix.db.bolt.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(indexBucket).Get(indexKey(input, server))
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &row)
	})
	if err != nil {
		return model.SyncedFile{}, false, err
	}
	return row, ok, nil
}

// GetAny returns one row for input regardless of server — used by the
// filter stage to recover the transported basename for a DELETE when the
// triggering rule's filter no longer has a chain to rerun (spec.md §4.8
// filter stage, DELETED handling: "look up the transported_basename for
// (input, any-server) in the Index").
func (ix *Index) GetAny(input string) (model.SyncedFile, bool, error) {
	var row model.SyncedFile
	var ok bool
	prefix := []byte(input + indexKeySep)
	err := ix.db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(indexBucket).Cursor()
		k, v := c.Seek(prefix)
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &row)
	})
	if err != nil {
		return model.SyncedFile{}, false, err
	}
	return row, ok, nil
}

// ErrDuplicateRow is returned by Insert when a row for (input, server)
// already exists — the spec.md §7 "duplicate bookkeeping error" case,
// logged and ignored by the caller rather than treated as fatal.
var ErrDuplicateRow = ErrAlreadyExists

// Insert creates a new row, failing with ErrDuplicateRow if one already
// exists for (input, server) — spec.md §3 SyncedFile invariant: at most
// one row per (input_path, server).
func (ix *Index) Insert(row model.SyncedFile) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	return ix.db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)
		key := indexKey(row.InputPath, row.Server)
		if b.Get(key) != nil {
			return ErrDuplicateRow
		}
		enc, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put(key, enc)
	})
}

// Update overwrites the row for (input, server), inserting it if absent.
func (ix *Index) Update(row model.SyncedFile) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	return ix.db.bolt.Update(func(tx *bolt.Tx) error {
		enc, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return tx.Bucket(indexBucket).Put(indexKey(row.InputPath, row.Server), enc)
	})
}

// Delete removes the row for (input, server), if present.
func (ix *Index) Delete(input, server string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	return ix.db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Delete(indexKey(input, server))
	})
}

// DeleteAllForInput removes every row for input, across all servers. Not
// used by the core pipeline (deletions are per-server) but kept as a
// maintenance operation for operators cleaning up after a source is
// retired entirely.
func (ix *Index) DeleteAllForInput(input string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	prefix := input + indexKeySep
	return ix.db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
