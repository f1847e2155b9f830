// Package syncutil holds key-sharded maps so unrelated keys never contend on one lock.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 64

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

type mapShard[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

// ShardedMap is a map whose entries are mutated under their shard's lock.
// The zero value is ready to use.
type ShardedMap[V any] struct {
	shards [shardCount]mapShard[V]
}

// Get returns the value stored for key.
func (s *ShardedMap[V]) Get(key string) (V, bool) {
	sh := &s.shards[shardOf(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[key]
	return v, ok
}

// Update runs fn with the current value while holding the key's shard lock.
// fn returns the next value and whether to keep it; keep=false deletes the key.
func (s *ShardedMap[V]) Update(key string, fn func(cur V, ok bool) (V, bool)) V {
	sh := &s.shards[shardOf(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.m == nil {
		sh.m = make(map[string]V)
	}
	m := sh.m
	cur, ok := m[key]
	next, keep := fn(cur, ok)
	if keep {
		m[key] = next
	} else {
		delete(m, key)
	}
	return next
}

// Range calls fn for every entry, one shard at a time. fn must not call back into s.
func (s *ShardedMap[V]) Range(fn func(key string, v V) bool) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if !fn(k, v) {
				sh.mu.Unlock()
				return
			}
		}
		sh.mu.Unlock()
	}
}

// DeleteFunc removes every entry for which del returns true and reports how many.
func (s *ShardedMap[V]) DeleteFunc(del func(key string, v V) bool) int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if del(k, v) {
				delete(sh.m, k)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// Len counts entries across shards.
func (s *ShardedMap[V]) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}
