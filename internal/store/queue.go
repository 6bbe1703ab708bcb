package store

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Sequence space: normal appends count up from appendFloor; jump()
// inserts count down from just below appendFloor, so every jumped item
// sorts before every appended item, and repeated jumps stack most-recent
// first. This mirrors the single requirement spec.md §4.1 places on
// jump(): "insert at front (bypassing FIFO)", used only for the
// DELETE_OLD_FILE retrofit (spec.md §4.8 DB stage).
const appendFloor = uint64(1) << 62

// defaultMinInMemory/defaultMaxInMemory are the refill watermarks for the
// in-memory front window described in spec.md §4.1.
const (
	defaultMinInMemory = 8
	defaultMaxInMemory = 64
)

type queueEnvelope struct {
	Seq  uint64          `json:"seq"`
	Item json.RawMessage `json:"item"`
}

type cachedEntry[T any] struct {
	seq  uint64
	key  string
	item T
}

// Queue is a durable, keyed, peekable, updatable, jumpable FIFO backed by
// a bbolt database (spec.md §4.1). It holds at most one item per key.
type Queue[T any] struct {
	db            *DB
	name          string
	orderBucket   []byte
	itemsBucket   []byte
	counterBucket []byte

	mu                       sync.Mutex
	cache                    []cachedEntry[T]
	minInMemory, maxInMemory int
}

// NewQueue opens (creating if necessary) the named queue within db.
func NewQueue[T any](db *DB, name string) (*Queue[T], error) {
	q := &Queue[T]{
		db:            db,
		name:          name,
		orderBucket:   []byte(name + "#order"),
		itemsBucket:   []byte(name + "#items"),
		counterBucket: []byte(name + "#counters"),
		minInMemory:   defaultMinInMemory,
		maxInMemory:   defaultMaxInMemory,
	}
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{q.orderBucket, q.itemsBucket, q.counterBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "queue %q: failed to initialize buckets", name)
	}
	return q, nil
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func seqFromKey(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// nextAppendSeq/nextJumpSeq allocate monotonically increasing/decreasing
// sequence numbers persisted in the counters bucket, so restart does not
// reorder anything already durable.
func (q *Queue[T]) nextAppendSeq(tx *bolt.Tx) uint64 {
	b := tx.Bucket(q.counterBucket)
	raw := b.Get([]byte("append"))
	var seq uint64
	if raw == nil {
		seq = appendFloor
	} else {
		seq = seqFromKey(raw) + 1
	}
	_ = b.Put([]byte("append"), seqKey(seq))
	return seq
}

func (q *Queue[T]) nextJumpSeq(tx *bolt.Tx) uint64 {
	b := tx.Bucket(q.counterBucket)
	raw := b.Get([]byte("jump"))
	var seq uint64
	if raw == nil {
		seq = appendFloor - 1
	} else {
		seq = seqFromKey(raw) - 1
	}
	_ = b.Put([]byte("jump"), seqKey(seq))
	return seq
}

// Qsize returns the exact number of items currently in the queue.
func (q *Queue[T]) Qsize() int {
	var n int
	_ = q.db.bolt.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(q.itemsBucket).Stats().KeyN
		return nil
	})
	return n
}

func decodeEnvelope[T any](raw []byte) (T, uint64, error) {
	var zero T
	var env queueEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, 0, err
	}
	var item T
	if err := json.Unmarshal(env.Item, &item); err != nil {
		return zero, 0, err
	}
	return item, env.Seq, nil
}

func encodeEnvelope[T any](item T, seq uint64) ([]byte, error) {
	itemJSON, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	return json.Marshal(queueEnvelope{Seq: seq, Item: itemJSON})
}

// Put appends item to the back of the queue under key. It fails with
// ErrAlreadyExists if key is already present.
func (q *Queue[T]) Put(item T, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.db.bolt.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(q.itemsBucket)
		if items.Get([]byte(key)) != nil {
			return ErrAlreadyExists
		}
		seq := q.nextAppendSeq(tx)
		enc, err := encodeEnvelope(item, seq)
		if err != nil {
			return err
		}
		if err := items.Put([]byte(key), enc); err != nil {
			return err
		}
		return tx.Bucket(q.orderBucket).Put(seqKey(seq), []byte(key))
	})
	if err != nil {
		return err
	}
	// The new item goes to the back; only invalidate the cache if it was
	// short enough that the tail might now be visible (keeps the window
	// logic simple and always correct).
	if len(q.cache) > 0 && len(q.cache) < q.maxInMemory {
		q.cache = nil
	}
	return nil
}

// Jump inserts item at the front of the queue, bypassing FIFO order. Used
// only for the DELETE_OLD_FILE retrofit (spec.md §4.8).
func (q *Queue[T]) Jump(item T, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.db.bolt.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(q.itemsBucket)
		if items.Get([]byte(key)) != nil {
			return ErrAlreadyExists
		}
		seq := q.nextJumpSeq(tx)
		enc, err := encodeEnvelope(item, seq)
		if err != nil {
			return err
		}
		if err := items.Put([]byte(key), enc); err != nil {
			return err
		}
		return tx.Bucket(q.orderBucket).Put(seqKey(seq), []byte(key))
	})
	if err != nil {
		return err
	}
	q.cache = nil // the new front invalidates any cached window
	return nil
}

func (q *Queue[T]) refill(tx *bolt.Tx) error {
	if len(q.cache) >= q.minInMemory {
		return nil
	}
	order := tx.Bucket(q.orderBucket)
	items := tx.Bucket(q.itemsBucket)
	c := order.Cursor()

	// Resume scanning right after the last cached entry, if any.
	var startKey []byte
	if len(q.cache) > 0 {
		startKey = seqKey(q.cache[len(q.cache)-1].seq + 1)
	}

	var k, v []byte
	if startKey != nil {
		k, v = c.Seek(startKey)
	} else {
		k, v = c.First()
	}
	for ; k != nil && len(q.cache) < q.maxInMemory; k, v = c.Next() {
		seq := seqFromKey(k)
		key := string(v)
		raw := items.Get(v)
		if raw == nil {
			continue // stale order entry (shouldn't normally happen)
		}
		item, _, err := decodeEnvelope[T](raw)
		if err != nil {
			return err
		}
		q.cache = append(q.cache, cachedEntry[T]{seq: seq, key: key, item: item})
	}
	return nil
}

// Peek returns the front item without removing it. Fails with ErrEmpty if
// the queue is empty.
func (q *Queue[T]) Peek() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peekLocked()
}

func (q *Queue[T]) peekLocked() (T, error) {
	var zero T
	if len(q.cache) < q.minInMemory {
		err := q.db.bolt.View(func(tx *bolt.Tx) error { return q.refill(tx) })
		if err != nil {
			return zero, err
		}
	}
	if len(q.cache) == 0 {
		return zero, ErrEmpty
	}
	return q.cache[0].item, nil
}

// Get removes and returns the front item. Fails with ErrEmpty if empty.
func (q *Queue[T]) Get() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.peekLocked(); err != nil {
		var zero T
		return zero, err
	}
	front := q.cache[0]
	err := q.db.bolt.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(q.orderBucket).Delete(seqKey(front.seq)); err != nil {
			return err
		}
		return tx.Bucket(q.itemsBucket).Delete([]byte(front.key))
	})
	if err != nil {
		var zero T
		return zero, err
	}
	q.cache = q.cache[1:]
	return front.item, nil
}

// Update replaces the item stored for an existing key, preserving its
// FIFO position. Fails with ErrUpdateForNonExistingKey if key is absent.
func (q *Queue[T]) Update(item T, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.db.bolt.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(q.itemsBucket)
		raw := items.Get([]byte(key))
		if raw == nil {
			return ErrUpdateForNonExistingKey
		}
		_, seq, err := decodeEnvelope[T](raw)
		if err != nil {
			return err
		}
		enc, err := encodeEnvelope(item, seq)
		if err != nil {
			return err
		}
		return items.Put([]byte(key), enc)
	})
	if err != nil {
		return err
	}
	for i := range q.cache {
		if q.cache[i].key == key {
			q.cache[i].item = item
			break
		}
	}
	return nil
}

// GetItemForKey returns the item stored for key, if any, by direct
// lookup (O(1) — no scan of the FIFO order).
func (q *Queue[T]) GetItemForKey(key string) (T, bool, error) {
	var zero T
	var found T
	var ok bool
	err := q.db.bolt.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(q.itemsBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		item, _, err := decodeEnvelope[T](raw)
		if err != nil {
			return err
		}
		found, ok = item, true
		return nil
	})
	if err != nil {
		return zero, false, err
	}
	return found, ok, nil
}

// RemoveItemForKey removes the item for key from anywhere in the queue
// (O(1) by key); it returns ErrNotFound if key is not queued.
func (q *Queue[T]) RemoveItemForKey(key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.db.bolt.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(q.itemsBucket)
		raw := items.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		_, seq, err := decodeEnvelope[T](raw)
		if err != nil {
			return err
		}
		if err := tx.Bucket(q.orderBucket).Delete(seqKey(seq)); err != nil {
			return err
		}
		return items.Delete([]byte(key))
	})
	if err != nil {
		return err
	}
	for i := range q.cache {
		if q.cache[i].key == key {
			q.cache = append(q.cache[:i], q.cache[i+1:]...)
			break
		}
	}
	return nil
}
