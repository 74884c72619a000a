package sync

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	id "beacon/pkg/domain"
)

const defaultShards = 32

// ShardedMutex serializes work per site without a global lock. Sites are
// spread over a fixed number of shards by a hash of their id, so two sites may
// share a shard but one site always maps to the same one.
type ShardedMutex struct {
	shards []sync.Mutex
}

// NewShardedMutex creates a ShardedMutex with n shards (32 when n < 1).
func NewShardedMutex(n int) *ShardedMutex {
	if n < 1 {
		n = defaultShards
	}
	return &ShardedMutex{shards: make([]sync.Mutex, n)}
}

func (m *ShardedMutex) Lock(key id.SiteID) {
	m.shards[m.shardFor(key)].Lock()
}

func (m *ShardedMutex) Unlock(key id.SiteID) {
	m.shards[m.shardFor(key)].Unlock()
}

// With runs fn holding the shard of key.
func (m *ShardedMutex) With(key id.SiteID, fn func()) {
	m.Lock(key)
	defer m.Unlock(key)
	fn()
}

func (m *ShardedMutex) shardFor(key id.SiteID) int {
	return int(xxhash.Sum64(key[:]) % uint64(len(m.shards)))
}
