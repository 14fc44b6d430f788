// Package buffers provides byte buffers with exclusive ownership. A Buf is
// owned by exactly one party at a time and is consumed by a single Release
// call; releasing twice panics instead of corrupting the free list.
package buffers

import (
	"github.com/h2wire/h2wire/utils/pool"
)

type Buf struct {
	pool *Pool
	b    []byte
}

func (b *Buf) Bytes() []byte { return b.b }
func (b *Buf) Len() int      { return len(b.b) }

// Release returns the backing array to the pool. The Buf must not be used
// afterwards.
func (b *Buf) Release() {
	if b.b == nil {
		panic("buffers: double release")
	}
	backing := b.b[:0]
	b.b = nil
	if b.pool != nil {
		b.pool.free.Release(backing)
	}
}

// Pool hands out Bufs, reusing backing arrays of sufficient capacity.
// Safe for concurrent use.
type Pool struct {
	free *pool.SlicePool[[]byte]
}

func NewPool() *Pool {
	return &Pool{free: pool.NewSlicePool[[]byte]()}
}

func (p *Pool) Acquire(size int) *Buf {
	backing, ok := p.free.Acquire()
	if !ok || cap(backing) < size {
		backing = make([]byte, size)
	}
	return &Buf{pool: p, b: backing[:size]}
}

// Copy acquires a Buf holding a copy of b.
func (p *Pool) Copy(b []byte) *Buf {
	buf := p.Acquire(len(b))
	copy(buf.b, b)
	return buf
}

// Wrap adopts an application-owned slice without pooling it. Release only
// marks the Buf consumed.
func Wrap(b []byte) *Buf {
	return &Buf{b: b}
}
