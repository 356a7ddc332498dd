// Package boltkvs is a durable, ordered KVS backend implementing
// mvcc.KVS over a single bbolt bucket, grounded on cuemby-warren's
// pkg/storage/boltdb.go bucket/Update/View pattern.
//
// Unlike BoltStore's per-entity-type buckets, this backend has exactly
// one bucket: the façade's KVS contract is a flat key/value space, and
// bucket partitioning is a concern for the caller's DataConfig-driven key
// scheme, not this backend.
package boltkvs

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"tictockv/mvcc"
)

var bucketName = []byte("tictockv")

// BoltKVS wraps a single bbolt database file.
type BoltKVS struct {
	db  *bolt.DB
	cfg mvcc.DataConfig
}

// Create opens (creating if necessary) a bbolt database at path and
// ensures the single data bucket exists, mirroring
// cuemby-warren's NewBoltStore.
func Create(path string, cfg mvcc.DataConfig) (*BoltKVS, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltkvs: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltkvs: create bucket: %w", err)
	}

	return &BoltKVS{db: db, cfg: cfg}, nil
}

// Open is an alias for Create: bbolt's own Open call is idempotent over
// an existing file, so there is no separate "must already exist" mode to
// distinguish here.
func Open(path string, cfg mvcc.DataConfig) (*BoltKVS, error) {
	return Create(path, cfg)
}

// Close releases the underlying bbolt database file.
func (k *BoltKVS) Close() error {
	return k.db.Close()
}

func (k *BoltKVS) RegisterThread()   {}
func (k *BoltKVS) DeregisterThread() {}

// Insert installs value for key outright.
func (k *BoltKVS) Insert(key, value []byte) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	})
}

// Update folds delta into the currently stored value via
// DataConfig.MergeTuplesFinal, inside a single read-modify-write bbolt
// transaction so the merge is atomic with respect to other writers.
func (k *BoltKVS) Update(key, delta []byte) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		base := b.Get(key)
		merged, err := k.cfg.MergeTuplesFinal(key, base, mvcc.Message{Class: mvcc.MessageUpdate, Payload: delta})
		if err != nil {
			return err
		}
		return b.Put(key, merged)
	})
}

// Delete removes key, if present.
func (k *BoltKVS) Delete(key []byte) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
}

// Lookup returns the current value for key.
func (k *BoltKVS) Lookup(key []byte) (value []byte, found bool, err error) {
	err = k.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return nil
		}
		found = true
		value = append([]byte(nil), v...)
		return nil
	})
	return value, found, err
}

// All returns a snapshot copy of every stored key/value pair, outside the
// mvcc.KVS contract, the same way MemKVS.All is: a reporting convenience
// grounded on BoltStore.ListNodes' ForEach idiom.
func (k *BoltKVS) All() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := k.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(key, v []byte) error {
			out[string(key)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}
