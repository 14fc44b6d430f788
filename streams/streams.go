// Package streams holds the per-stream record: the protocol state machine,
// the send window, the queue of writes waiting for window, and the handle
// the application observes.
package streams

import (
	"bytes"

	"golang.org/x/net/http2/hpack"

	"github.com/h2wire/h2wire/types"
)

type State int32

const (
	Idle State = iota
	Reserved
	Open
	HalfClosedLocal
	HalfClosedRemote
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Reserved:
		return "reserved"
	case Open:
		return "open"
	case HalfClosedLocal:
		return "half-closed (local)"
	case HalfClosedRemote:
		return "half-closed (remote)"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// CanWrite reports whether the local side may still emit frames in this
// state. Everything else means the exchange has already ended.
func (s State) CanWrite() bool {
	switch s {
	case Reserved, Open, HalfClosedRemote:
		return true
	}
	return false
}

// PendingWrite is one data chunk accepted but not yet fully flushed.
// Offset counts the bytes of the chunk already handed to the frame writer.
type PendingWrite struct {
	Chunk      types.DataChunk
	Offset     int
	Completion *types.Completion
}

// Handle is the application-side view of a stream. It deliberately does not
// reference the pooled Stream record: the record is recycled once the stream
// ends, the handle lives on. Response fields and body are written by the
// connection loop strictly before Terminal settles; reading them after
// <-Terminal.Done() is race-free.
type Handle struct {
	Terminal *types.Completion

	RespFields []hpack.HeaderField
	RespBody   bytes.Buffer
}

// Stream is owned by exactly one connection event loop; none of its methods
// lock.
type Stream struct {
	id    uint32
	state State

	fc types.FlowControl

	pending []PendingWrite
	parked  bool

	SentBytes int64
	RecvBytes int64

	H *Handle
}

func New(id uint32, fc types.FlowControl) *Stream {
	s := &Stream{}
	s.Reset(id, fc)
	return s
}

func (s *Stream) ID() uint32            { return s.id }
func (s *Stream) State() State          { return s.state }
func (s *Stream) SetState(st State)     { s.state = st }
func (s *Stream) FC() types.FlowControl { return s.fc }

func (s *Stream) Parked() bool        { return s.parked }
func (s *Stream) SetParked(park bool) { s.parked = park }

func (s *Stream) PushPending(pw PendingWrite) { s.pending = append(s.pending, pw) }
func (s *Stream) PendingLen() int             { return len(s.pending) }

// FrontPending returns the oldest queued write, or nil. Intra-stream order
// is strictly FIFO: a later chunk never flushes before an earlier one.
func (s *Stream) FrontPending() *PendingWrite {
	if len(s.pending) == 0 {
		return nil
	}
	return &s.pending[0]
}

func (s *Stream) PopPending() (PendingWrite, bool) {
	if len(s.pending) == 0 {
		return PendingWrite{}, false
	}
	pw := s.pending[0]
	s.pending[0] = PendingWrite{}
	s.pending = s.pending[1:]
	return pw, true
}

// Reset prepares a recycled record for a new stream.
func (s *Stream) Reset(id uint32, fc types.FlowControl) {
	s.id = id
	s.state = Idle
	s.fc = fc
	s.pending = s.pending[:0]
	s.parked = false
	s.SentBytes = 0
	s.RecvBytes = 0
	s.H = &Handle{Terminal: types.NewCompletion()}
}
