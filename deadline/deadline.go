// Package deadline turns elapsed time into per-stream expiry events. One
// deadline per stream, set once when the stream opens; it is never renewed.
package deadline

import (
	"sync"
	"time"
)

type item struct {
	streamID uint32
	deadline time.Time
}

// Queue is a slice-backed expiry queue. Streams are appended with a fixed
// timeout, so the slice stays sorted by deadline and Next only ever has to
// look at the head.
type Queue struct {
	timeout time.Duration
	queue   []item
	cond    *sync.Cond

	done chan struct{}
	once sync.Once
}

func NewQueue(timeout time.Duration) *Queue {
	return &Queue{
		timeout: timeout,
		queue:   make([]item, 0, 16),
		cond:    sync.NewCond(&sync.Mutex{}),
		done:    make(chan struct{}),
	}
}

// Add schedules expiry for streamID one timeout from now.
func (q *Queue) Add(streamID uint32) {
	q.cond.L.Lock()
	q.queue = append(q.queue, item{
		streamID,
		time.Now().Add(q.timeout),
	})
	q.cond.L.Unlock()

	q.cond.Signal()
}

// Next blocks until the oldest deadline passes and returns its stream id.
// Returns false after Close. Whether the stream is still live is for the
// caller to decide; an already-finished stream makes the fire a no-op.
func (q *Queue) Next() (uint32, bool) {
	q.cond.L.Lock()
	for len(q.queue) == 0 {
		select {
		case <-q.done:
			q.cond.L.Unlock()
			return 0, false
		default:
			q.cond.Wait()
		}
	}
	next := q.queue[0]
	q.queue = q.queue[1:]
	q.cond.L.Unlock()

	t := time.NewTimer(time.Until(next.deadline))
	defer t.Stop()
	select {
	case <-q.done:
		return 0, false
	case <-t.C:
		return next.streamID, true
	}
}

func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
	})
	q.cond.Broadcast()
}
