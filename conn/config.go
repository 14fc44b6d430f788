package conn

import (
	"errors"
	"fmt"
	"time"
)

// ErrConnClosed reports an operation on a connection that has shut down.
var ErrConnClosed = errors.New("connection closed")

// Config is the per-connection configuration surface. Every field is
// optional; the zero value means "no ceiling" / "no timeout".
type Config struct {
	// MaxInboundMessageBytes caps the cumulative body bytes accepted per
	// stream. 0 = unlimited.
	MaxInboundMessageBytes int64
	// MaxOutboundMessageBytes caps the cumulative body bytes sent per
	// stream. 0 = unlimited.
	MaxOutboundMessageBytes int64
	// ResponseTimeout resets a stream that saw no terminal frame within the
	// given duration after it opened. One deadline per stream, set once.
	// 0 = no timeout.
	ResponseTimeout time.Duration
	// DisableWriteBatching flushes every frame immediately instead of
	// coalescing writes for up to consts.SendBatchTimeout.
	DisableWriteBatching bool
}

// validate rejects nonsensical configuration at construction time; a
// negative timeout is a setup error, not something to resolve at runtime.
func (c Config) validate() error {
	if c.ResponseTimeout < 0 {
		return fmt.Errorf("negative response timeout: %s", c.ResponseTimeout)
	}
	if c.MaxInboundMessageBytes < 0 {
		return fmt.Errorf("negative max inbound message size: %d", c.MaxInboundMessageBytes)
	}
	if c.MaxOutboundMessageBytes < 0 {
		return fmt.Errorf("negative max outbound message size: %d", c.MaxOutboundMessageBytes)
	}
	return nil
}
