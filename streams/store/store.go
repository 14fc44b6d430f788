// Package store provides the per-connection stream table: stream id to
// live stream record. Keys are unique, iteration order is unspecified.
package store

import (
	"sync"

	"github.com/h2wire/h2wire/streams"
)

type Store interface {
	Set(uint32, *streams.Stream)
	Get(uint32) *streams.Stream
	GetAndDelete(uint32) *streams.Stream
	Delete(uint32)
	Each(func(*streams.Stream))
}

type Noop struct{}

func NewNoop() Noop { return Noop{} }

func (Noop) Each(func(*streams.Stream))          {}
func (Noop) Set(uint32, *streams.Stream)         {}
func (Noop) Get(uint32) *streams.Stream          { return nil }
func (Noop) GetAndDelete(uint32) *streams.Stream { return nil }
func (Noop) Delete(uint32)                       {}

// MapUnlocked is the single-owner variant: the connection event loop is the
// only goroutine touching it.
type MapUnlocked map[uint32]*streams.Stream

func NewMapUnlocked(size int) MapUnlocked {
	return make(map[uint32]*streams.Stream, size)
}

func (m MapUnlocked) Each(fn func(*streams.Stream)) {
	for _, s := range m {
		fn(s)
	}
}

func (m MapUnlocked) Set(id uint32, s *streams.Stream) { m[id] = s }
func (m MapUnlocked) Get(id uint32) *streams.Stream    { return m[id] }

func (m MapUnlocked) GetAndDelete(id uint32) *streams.Stream {
	s := m.Get(id)
	if s != nil {
		m.Delete(id)
	}
	return s
}

func (m MapUnlocked) Delete(id uint32) { delete(m, id) }

// Map is the locked variant, for tables also read outside the owning loop.
type Map struct {
	m  MapUnlocked
	mu sync.RWMutex
}

func NewMap(size int) *Map {
	return &Map{m: NewMapUnlocked(size)}
}

func (s *Map) Each(fn func(*streams.Stream)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.m.Each(fn)
}

func (s *Map) Set(id uint32, stream *streams.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m.Set(id, stream)
}

func (s *Map) Get(id uint32) *streams.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.m.Get(id)
}

func (s *Map) GetAndDelete(id uint32) *streams.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.m.GetAndDelete(id)
}

func (s *Map) Delete(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m.Delete(id)
}

// Sharded spreads ids over size stores to cut lock contention. size must be
// a power of two.
type Sharded struct {
	shards []Store
	max    uint32
}

func NewSharded(size uint32, build func() Store) *Sharded {
	shards := make([]Store, size)
	for i := range shards {
		shards[i] = build()
	}
	return &Sharded{shards, size - 1}
}

func (s *Sharded) shard(id uint32) Store {
	return s.shards[id&s.max]
}

func (s *Sharded) Each(fn func(*streams.Stream)) {
	for _, shard := range s.shards {
		shard.Each(fn)
	}
}

func (s *Sharded) Set(id uint32, stream *streams.Stream) { s.shard(id).Set(id, stream) }
func (s *Sharded) Get(id uint32) *streams.Stream         { return s.shard(id).Get(id) }
func (s *Sharded) GetAndDelete(id uint32) *streams.Stream {
	return s.shard(id).GetAndDelete(id)
}
func (s *Sharded) Delete(id uint32) { s.shard(id).Delete(id) }
