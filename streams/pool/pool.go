// Package pool recycles stream records and gates how many streams a
// connection may have open at once.
package pool

import (
	"math"
	"sync"

	"github.com/h2wire/h2wire/flowcontrol"
	"github.com/h2wire/h2wire/streams"
)

const defaultInitialWindowSize = 65_535

type entry struct {
	s  *streams.Stream
	fc *flowcontrol.Window
}

// Pool hands out stream records. Reserve blocks the calling application
// goroutine while the peer's MAX_CONCURRENT_STREAMS quota is exhausted;
// Acquire itself never blocks, so it is safe to call from the connection
// event loop.
type Pool struct {
	cond *sync.Cond
	free []entry

	inUse         uint32
	maxConcurrent uint32
	initialWindow int64
}

// New creates a pool. limit == 0 means no concurrency cap.
func New(initSize, limit uint32) *Pool {
	if limit == 0 {
		limit = math.MaxUint32
	}
	return &Pool{
		cond:          sync.NewCond(&sync.Mutex{}),
		free:          make([]entry, 0, initSize),
		maxConcurrent: limit,
		initialWindow: defaultInitialWindowSize,
	}
}

// Reserve claims one concurrency slot, blocking until the peer's quota
// allows another stream.
func (p *Pool) Reserve() {
	p.cond.L.Lock()
	defer p.cond.L.Unlock()

	for p.inUse >= p.maxConcurrent {
		p.cond.Wait()
	}
	p.inUse++
}

// Unreserve gives a slot back without a record attached, for reservations
// whose stream never opened.
func (p *Pool) Unreserve() {
	p.cond.L.Lock()
	defer p.cond.Broadcast()
	defer p.cond.L.Unlock()
	p.inUse--
}

// Acquire takes a record for streamID against a previously reserved slot.
func (p *Pool) Acquire(streamID uint32) *streams.Stream {
	p.cond.L.Lock()
	var e entry
	l := len(p.free)
	if l > 0 {
		e = p.free[l-1]
		p.free = p.free[:l-1]
		p.cond.L.Unlock()
		e.fc.Reset(p.initialWindow)
		e.s.Reset(streamID, e.fc)
	} else {
		p.cond.L.Unlock()
		e.fc = flowcontrol.NewWindow(p.initialWindow)
		e.s = streams.New(streamID, e.fc)
	}
	return e.s
}

// Release returns a record and its concurrency slot.
func (p *Pool) Release(s *streams.Stream) {
	fc, ok := s.FC().(*flowcontrol.Window)
	if !ok {
		return
	}

	p.cond.L.Lock()
	// Broadcast: both Reserve and WaitAllReleased waiters may be parked here
	defer p.cond.Broadcast()
	defer p.cond.L.Unlock()

	p.free = append(p.free, entry{s, fc})
	p.inUse--
}

func (p *Pool) InUse() uint32 {
	p.cond.L.Lock()
	defer p.cond.L.Unlock()
	return p.inUse
}

// SetInitialWindowSize changes the window granted to streams acquired from
// now on; live streams are adjusted by the caller via a window delta.
func (p *Pool) SetInitialWindowSize(size int64) {
	p.cond.L.Lock()
	defer p.cond.L.Unlock()
	p.initialWindow = size
}

func (p *Pool) SetLimit(limit uint32) {
	if limit == 0 {
		limit = math.MaxUint32
	}
	p.cond.L.Lock()
	p.maxConcurrent = limit
	p.cond.L.Unlock()
	p.cond.Broadcast()
}

// WaitAllReleased closes the returned channel once no stream is in use.
func (p *Pool) WaitAllReleased() <-chan struct{} {
	ch := make(chan struct{})

	go func() {
		p.cond.L.Lock()
		defer p.cond.L.Unlock()

		for p.inUse != 0 {
			p.cond.Wait()
		}

		close(ch)
	}()

	return ch
}
