package storage

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var freeListBucket = []byte("free_extents")

// MetaStore persists the FileAdapter free list across backup restarts using
// bbolt, mirroring the role types.MetaStore plays for the teacher's segment
// metadata: without it, extents belonging to segments that were freed while
// the backup process was down would never be reclaimed, and a crash right
// after a Free() but before metadata commit would otherwise leak an extent
// forever.
type MetaStore struct {
	db *bolt.DB
}

// OpenMetaStore opens (creating if necessary) the bbolt database at path.
func OpenMetaStore(path string) (*MetaStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open meta store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(freeListBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &MetaStore{db: db}, nil
}

// LoadFreeOffsets returns the persisted free-extent offsets, or nil if none
// have ever been committed (fresh backup: FileAdapter should treat every
// extent as free).
func (m *MetaStore) LoadFreeOffsets() ([]int64, error) {
	var offsets []int64
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(freeListBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) != 8 {
				continue
			}
			offsets = append(offsets, int64(binary.BigEndian.Uint64(v)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return offsets, nil
}

// CommitFreeOffsets atomically replaces the persisted free list. Called on
// shutdown, once every in-flight Segment.Free() has returned and the
// FileAdapter's free list reflects every released extent.
func (m *MetaStore) CommitFreeOffsets(offsets []int64) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(freeListBucket)
		if err := b.ForEach(func(k, _ []byte) error {
			return nil
		}); err != nil {
			return err
		}
		// Recreate the bucket so stale keys from a larger previous free list
		// don't linger.
		if err := tx.DeleteBucket(freeListBucket); err != nil {
			return err
		}
		nb, err := tx.CreateBucket(freeListBucket)
		if err != nil {
			return err
		}
		for i, off := range offsets {
			k := make([]byte, 8)
			binary.BigEndian.PutUint64(k, uint64(i))
			v := make([]byte, 8)
			binary.BigEndian.PutUint64(v, uint64(off))
			if err := nb.Put(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying bbolt database.
func (m *MetaStore) Close() error {
	return m.db.Close()
}
