// Package memkvs is an in-memory (unordered, map-based) KVS backend implementing
// mvcc.KVS, grounded on Jekaa-go-mvcc-map's original map-based storage
// idiom but dropping its generic key/value type parameters: the façade's
// contract is byte-oriented, so this backend stores plain []byte under a
// string-keyed map instead.
//
// Intended for tests and the in-memory TicTocMemory/Silo protocol
// variants where durability is not required.
package memkvs

import (
	"sync"

	"tictockv/mvcc"
)

// MemKVS is a sync.RWMutex-guarded map[string][]byte. RegisterThread and
// DeregisterThread are no-ops: a pure Go map has no thread-local state to
// set up, unlike the reference's SplinterDB (mvcc.KVS's doc comment).
type MemKVS struct {
	mu   sync.RWMutex
	data map[string][]byte

	// cfg supplies the merge logic Update needs to fold a delta into
	// whatever is currently stored, the same way the reference's
	// SplinterDB applies merge_tuples internally at compaction/read
	// time rather than leaving it to the caller (mvcc.KVS.Update).
	cfg mvcc.DataConfig
}

// New builds an empty MemKVS. cfg supplies the merge semantics Update
// needs; pass the same DataConfig given to mvcc.Create/Open.
func New(cfg mvcc.DataConfig) *MemKVS {
	return &MemKVS{data: make(map[string][]byte), cfg: cfg}
}

func (k *MemKVS) RegisterThread()   {}
func (k *MemKVS) DeregisterThread() {}

// Insert installs value for key outright.
func (k *MemKVS) Insert(key, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data[string(key)] = append([]byte(nil), value...)
	return nil
}

// Update folds delta into whatever is currently stored for key via the
// configured DataConfig.MergeTuplesFinal, treating an absent key the same
// way the façade's own read-own-write path does: as a nil base.
func (k *MemKVS) Update(key, delta []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	base, ok := k.data[string(key)]
	if !ok {
		base = nil
	}
	merged, err := k.cfg.MergeTuplesFinal(key, base, mvcc.Message{Class: mvcc.MessageUpdate, Payload: delta})
	if err != nil {
		return err
	}
	k.data[string(key)] = merged
	return nil
}

// Delete removes key, if present.
func (k *MemKVS) Delete(key []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, string(key))
	return nil
}

// Lookup returns the current value for key.
func (k *MemKVS) Lookup(key []byte) ([]byte, bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Len reports the number of live keys, for tests and diagnostics.
func (k *MemKVS) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.data)
}

// All returns a snapshot copy of every stored key/value pair. Outside the
// mvcc.KVS contract: a reporting convenience for callers holding the
// concrete *MemKVS, not something a transaction ever calls.
func (k *MemKVS) All() map[string][]byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string][]byte, len(k.data))
	for key, v := range k.data {
		out[key] = append([]byte(nil), v...)
	}
	return out
}
