package shared

import (
	"fmt"
	"hash/fnv"
	"sync"
)

// KeyedMutex provides sharded mutual exclusion keyed by an arbitrary string.
// Callers holding different shards proceed in parallel; callers hashing to
// the same shard are serialized. Used to serialize ledger mutation per
// (SKU, location) without a single global lock.
type KeyedMutex struct {
	shards []sync.Mutex
}

// NewKeyedMutex constructs a KeyedMutex with the given shard count. Counts
// below one fall back to 64 shards.
func NewKeyedMutex(shards int) *KeyedMutex {
	if shards < 1 {
		shards = 64
	}
	return &KeyedMutex{shards: make([]sync.Mutex, shards)}
}

// Lock acquires the shard for key and returns its unlock function.
func (m *KeyedMutex) Lock(key string) func() {
	shard := &m.shards[m.index(key)]
	shard.Lock()
	return shard.Unlock
}

func (m *KeyedMutex) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}

// StockKey builds the canonical lock key for a (SKU, location) pair.
func StockKey(sku, location string) string {
	return fmt.Sprintf("stock:%s:%s", sku, location)
}
