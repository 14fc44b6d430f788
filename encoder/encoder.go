// Package encoder defines the protocol-agnostic object-encoder contract:
// per stream, one header block first, then data chunks, then at most one
// terminal write. Concrete wire encoders live in subpackages.
package encoder

import (
	"golang.org/x/net/http2"

	"github.com/h2wire/h2wire/streams"
	"github.com/h2wire/h2wire/types"
)

// ObjectEncoder sequences HTTP objects onto a wire protocol. All writes are
// asynchronous; the completion settles with the write's outcome. For a given
// stream, WriteHeaders must come first, and any write after an end-of-stream
// or a reset fails with ErrStreamClosed instead of being dropped.
type ObjectEncoder interface {
	WriteHeaders(streamID uint32, hb types.HeaderBlock) *types.Completion
	WriteData(streamID uint32, chunk types.DataChunk) *types.Completion
	WriteReset(streamID uint32, code http2.ErrCode) *types.Completion

	// Close is idempotent and releases every buffer still queued for any
	// stream.
	Close() error
}

// Registry is the stream table view a concrete encoder validates against.
type Registry interface {
	Lookup(streamID uint32) (*streams.Stream, bool)
	// MayHaveExisted reports whether streamID was ever allocated by either
	// endpoint. Distinguishes "existed and closed" from "never existed".
	MayHaveExisted(streamID uint32) bool
	Create(streamID uint32) (*streams.Stream, error)
}

type WriteKind int

const (
	KindHeaders WriteKind = iota
	KindData
	KindReset
)

// Lookup is what the stream table answered for one id.
type Lookup struct {
	Found          bool
	State          streams.State
	MayHaveExisted bool
}

type Outcome int

const (
	// Proceed: the write may go to the wire.
	Proceed Outcome = iota
	// FailClosed: the exchange already ended on one side; terminal,
	// non-retryable, expected in teardown races.
	FailClosed
	// FailIllegalStart: a body chunk cannot open a stream; a header block
	// must come first.
	FailIllegalStart
	// SkipReset: resetting a stream that never reached the wire; complete
	// successfully having sent nothing.
	SkipReset
)

// Validate maps a table lookup and a write kind to an outcome. Pure; the
// asynchronous peer-teardown race is handled here as data, not as an
// exception path.
func Validate(l Lookup, kind WriteKind) Outcome {
	if l.Found {
		if l.State.CanWrite() {
			return Proceed
		}
		return FailClosed
	}
	if l.MayHaveExisted {
		// torn down and fully removed already
		return FailClosed
	}
	switch kind {
	case KindReset:
		// the peer's teardown raced with a local cancel of a stream that
		// never opened; nothing to reset
		return SkipReset
	case KindData:
		return FailIllegalStart
	default:
		return Proceed
	}
}
