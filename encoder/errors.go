package encoder

import (
	"errors"
	"fmt"

	"golang.org/x/net/http2"
)

// ErrStreamClosed reports a write to a stream already ended by either side.
// Non-retryable; showing up here is expected when a peer reset races with
// local writes.
var ErrStreamClosed = errors.New("stream closed")

// IllegalStreamStartError reports a data write on a stream id with no
// preceding header write. A programming error, fatal to the stream.
type IllegalStreamStartError struct {
	StreamID uint32
}

func (e IllegalStreamStartError) Error() string {
	return fmt.Sprintf("cannot start stream %d with a DATA frame", e.StreamID)
}

// ResourceExhaustedError reports an inbound message growing past the
// configured ceiling.
type ResourceExhaustedError struct {
	Size  int64
	Limit int64
}

func (e ResourceExhaustedError) Error() string {
	return fmt.Sprintf(
		"inbound message of %d bytes exceeds the configured max inbound message size of %d bytes",
		e.Size, e.Limit,
	)
}

// CancelledError reports a stream ended before completing: deadline expiry,
// an outbound size ceiling, or an explicit cancel.
type CancelledError struct {
	Reason string
}

func (e CancelledError) Error() string {
	return "cancelled: " + e.Reason
}

// ConnectionViolationError reports a peer breaking the connection-level
// contract. Fatal to every stream on the connection.
type ConnectionViolationError struct {
	Code   http2.ErrCode
	Reason string
}

func (e ConnectionViolationError) Error() string {
	return "connection violation (" + e.Code.String() + "): " + e.Reason
}
