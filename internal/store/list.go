package store

import (
	"sync"

	bolt "go.etcd.io/bbolt"
)

// List is a durable set-with-order (spec.md §4.2): appending an
// already-present item is a no-op, membership and length are O(1)/exact,
// and Iterate walks items in append order. Backed by the same bbolt
// database as Queue.
//
// Items must be stable-keyed: callers pass the item's identity key
// explicitly, the same convention as Queue, so one list can hold
// heterogeneous record shapes (PipelineItem, ScheduledDeletion, ...) as
// long as each has a sensible string key.
type List[T any] struct {
	db            *DB
	orderBucket   []byte
	itemsBucket   []byte
	counterBucket []byte

	mu sync.Mutex
}

// NewList opens (creating if necessary) the named list within db.
func NewList[T any](db *DB, name string) (*List[T], error) {
	l := &List[T]{
		db:            db,
		orderBucket:   []byte(name + "#list_order"),
		itemsBucket:   []byte(name + "#list_items"),
		counterBucket: []byte(name + "#list_counters"),
	}
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{l.orderBucket, l.itemsBucket, l.counterBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Append adds item under key at the end of the list. A no-op if key is
// already present, per spec.md §4.2.
func (l *List[T]) Append(item T, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.bolt.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(l.itemsBucket)
		if items.Get([]byte(key)) != nil {
			return nil // already present: no-op
		}
		seq := l.nextSeq(tx)
		enc, err := encodeEnvelope(item, seq)
		if err != nil {
			return err
		}
		if err := items.Put([]byte(key), enc); err != nil {
			return err
		}
		return tx.Bucket(l.orderBucket).Put(seqKey(seq), []byte(key))
	})
}

func (l *List[T]) nextSeq(tx *bolt.Tx) uint64 {
	b := tx.Bucket(l.counterBucket)
	raw := b.Get([]byte("seq"))
	var seq uint64
	if raw != nil {
		seq = seqFromKey(raw) + 1
	}
	_ = b.Put([]byte("seq"), seqKey(seq))
	return seq
}

// Remove deletes the entry for key, if present.
func (l *List[T]) Remove(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.bolt.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(l.itemsBucket)
		raw := items.Get([]byte(key))
		if raw == nil {
			return nil
		}
		_, seq, err := decodeEnvelope[T](raw)
		if err != nil {
			return err
		}
		if err := tx.Bucket(l.orderBucket).Delete(seqKey(seq)); err != nil {
			return err
		}
		return items.Delete([]byte(key))
	})
}

// Contains reports whether key is present in the list.
func (l *List[T]) Contains(key string) bool {
	var found bool
	_ = l.db.bolt.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(l.itemsBucket).Get([]byte(key)) != nil
		return nil
	})
	return found
}

// Get returns the item stored for key, if present.
func (l *List[T]) Get(key string) (T, bool) {
	var zero T
	var item T
	var ok bool
	_ = l.db.bolt.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(l.itemsBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var err error
		item, _, err = decodeEnvelope[T](raw)
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	if !ok {
		return zero, false
	}
	return item, true
}

// Len returns the exact number of items in the list.
func (l *List[T]) Len() int {
	var n int
	_ = l.db.bolt.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(l.itemsBucket).Stats().KeyN
		return nil
	})
	return n
}

// Entry pairs a list item with the key it was stored under, for Iterate.
type Entry[T any] struct {
	Key  string
	Item T
}

// Iterate walks the list in append order (oldest first).
func (l *List[T]) Iterate() ([]Entry[T], error) {
	var out []Entry[T]
	err := l.db.bolt.View(func(tx *bolt.Tx) error {
		order := tx.Bucket(l.orderBucket)
		items := tx.Bucket(l.itemsBucket)
		c := order.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			raw := items.Get(v)
			if raw == nil {
				continue
			}
			item, _, err := decodeEnvelope[T](raw)
			if err != nil {
				return err
			}
			out = append(out, Entry[T]{Key: string(v), Item: item})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DrainBatch removes and returns up to n items from the front of the
// list, in append order. Used by the retry policy (spec.md §4.8) to move
// failed_files back into the pipeline queue in bounded batches.
func (l *List[T]) DrainBatch(n int) ([]Entry[T], error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry[T]
	err := l.db.bolt.Update(func(tx *bolt.Tx) error {
		order := tx.Bucket(l.orderBucket)
		items := tx.Bucket(l.itemsBucket)
		c := order.Cursor()
		k, v := c.First()
		for ; k != nil && len(out) < n; k, v = c.Next() {
			raw := items.Get(v)
			if raw == nil {
				continue
			}
			item, _, err := decodeEnvelope[T](raw)
			if err != nil {
				return err
			}
			out = append(out, Entry[T]{Key: string(v), Item: item})
		}
		for _, e := range out {
			seqRaw := items.Get([]byte(e.Key))
			if seqRaw == nil {
				continue
			}
			_, seq, err := decodeEnvelope[T](seqRaw)
			if err != nil {
				return err
			}
			if err := order.Delete(seqKey(seq)); err != nil {
				return err
			}
			if err := items.Delete([]byte(e.Key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
