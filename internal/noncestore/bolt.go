package noncestore

import (
	"context"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var noncesBucket = []byte("nonces")

// Bolt is the file-backed store. Writes append into a single bucket; Cleanup
// doubles as compaction by deleting every entry older than the cutoff.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the nonce database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open nonce store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(noncesBucket)
		return err
	})
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("init nonce store: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Has(_ context.Context, nonce string) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(noncesBucket).Get([]byte(nonce)) != nil
		return nil
	})
	return found, err
}

func (b *Bolt) Add(_ context.Context, nonce string, ts int64) error {
	var val [8]byte
	binary.BigEndian.PutUint64(val[:], uint64(ts))
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(noncesBucket).Put([]byte(nonce), val[:])
	})
}

func (b *Bolt) Cleanup(_ context.Context, cutoff int64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(noncesBucket)
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) == 8 && int64(binary.BigEndian.Uint64(v)) < cutoff {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
