// Package store implements the durable structures File Conveyor's
// Arbitrator is built on: a keyed, peekable, updatable, jumpable
// persistent queue (spec.md §4.1), a durable set-with-order persistent
// list (spec.md §4.2), and the Synced-Files Index (spec.md §3). All three
// share one embedded go.etcd.io/bbolt database file, grounded on the
// teacher's backend/cache/storage_persistent.go, which wraps a bolt.DB
// the same way: one bucket hierarchy per logical structure, every
// mutation committed inside an Update transaction before returning.
package store

import (
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Sentinel errors mirroring the PersistentQueue/PersistentList contract
// of spec.md §4.1/§4.2.
var (
	ErrAlreadyExists           = errors.New("store: key already exists")
	ErrEmpty                   = errors.New("store: queue is empty")
	ErrUpdateForNonExistingKey = errors.New("store: update for non-existing key")
	ErrNotFound                = errors.New("store: key not found")
)

// DB is the single embedded database backing every durable structure the
// Arbitrator owns. The Arbitrator goroutine uses the queues, lists and
// index built on it; the Path Scanner, driven from the Filesystem
// Monitor's goroutine, works on the same file through Bolt(), relying on
// bbolt's own transaction locking.
type DB struct {
	bolt *bolt.DB
	path string
}

// Open opens (creating if necessary) the bbolt file at path.
func Open(path string, timeout time.Duration) (*DB, error) {
	b, err := bolt.Open(path, 0644, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open persistent store %q", path)
	}
	return &DB{bolt: b, path: path}, nil
}

// Close closes the underlying database file.
func (d *DB) Close() error {
	return d.bolt.Close()
}

// Bolt returns the underlying bbolt handle, for collaborating packages
// (pathscanner) that maintain their own bucket directly on the same
// embedded database file rather than going through Queue/List/Index.
func (d *DB) Bolt() *bolt.DB {
	return d.bolt
}

func (d *DB) String() string { return "<fileconveyor store> " + d.path }
