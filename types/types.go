// Package types holds the contracts shared between the connection loop, the
// object encoders and the flow-control coordinator.
package types

import (
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/h2wire/h2wire/buffers"
)

type Releaser interface {
	Release()
}

// FlowControl is a send-window ledger. The window is signed: a peer lowering
// SETTINGS_INITIAL_WINDOW_SIZE mid-connection may push it negative.
type FlowControl interface {
	Take(n int64) int64 // debit up to n, returns the grant (0 when exhausted or disabled)
	Add(n int64)        // replenish (or shrink, when n is negative)
	Available() int64
	Disable()
}

// HeaderBlock, DataChunk and Reset are the three HTTP object variants an
// application produces per stream: one header block, zero or more data
// chunks, then either an end-of-stream flag or a reset.
type HeaderBlock struct {
	Fields    []hpack.HeaderField
	EndStream bool
}

// DataChunk carries an owned buffer. Ownership transfers to the encoder on
// hand-off; the encoder releases it exactly once, after the wire write or on
// any failure path. Buf may be nil for an empty end-of-stream chunk.
type DataChunk struct {
	Buf       *buffers.Buf
	EndStream bool
}

func (c DataChunk) Len() int {
	if c.Buf == nil {
		return 0
	}
	return c.Buf.Len()
}

type Reset struct {
	Code http2.ErrCode
}

// FrameWriter serializes frames of one connection. Writes are asynchronous:
// done (when non-nil) settles after the bytes reached the wire or the
// connection failed. rel (when non-nil) is released at the same point.
// Implementations are only called from the connection's event loop.
type FrameWriter interface {
	WriteHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool, done *Completion)
	WriteData(streamID uint32, p []byte, endStream bool, rel Releaser, done *Completion)
	WriteRSTStream(streamID uint32, code http2.ErrCode, done *Completion)
	// Discard routes a releaser through the write queue so it fires only
	// after every frame queued before it has left.
	Discard(rel Releaser)
}
