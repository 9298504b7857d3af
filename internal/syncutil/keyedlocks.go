// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyedLocks is a fixed pool of mutexes addressed by key. Distinct keys may
// share a shard. Waiting honors context cancellation.
type KeyedLocks struct {
	shards [shardCount]chan struct{}
}

// NewKeyedLocks creates an unlocked pool.
func NewKeyedLocks() *KeyedLocks {
	k := &KeyedLocks{}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
	}
	return k
}

// Lock blocks until key's shard is free or ctx is done. The returned
// function releases the lock and must be called exactly once.
func (k *KeyedLocks) Lock(ctx context.Context, key string) (func(), error) {
	ch := k.shards[shardOf(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
