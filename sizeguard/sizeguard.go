// Package sizeguard enforces the configured inbound and outbound message
// size ceilings. The two limits are independent; zero means no ceiling.
package sizeguard

import (
	"fmt"

	"github.com/h2wire/h2wire/encoder"
)

type Guard struct {
	maxInbound  int64
	maxOutbound int64
}

func New(maxInbound, maxOutbound int64) *Guard {
	return &Guard{maxInbound: maxInbound, maxOutbound: maxOutbound}
}

// CheckOutbound decides whether a chunk of n bytes may be sent on a stream
// that already sent `sent` bytes. An oversized message is never partially
// transmitted: the failure fires before the first byte of the chunk.
func (g *Guard) CheckOutbound(sent int64, n int) error {
	if g.maxOutbound == 0 {
		return nil
	}
	total := sent + int64(n)
	if total <= g.maxOutbound {
		return nil
	}
	return encoder.CancelledError{
		Reason: fmt.Sprintf(
			"outbound message of %d bytes exceeds the configured max outbound message size of %d bytes",
			total, g.maxOutbound,
		),
	}
}

// CheckInbound decides whether n more received bytes fit under the inbound
// ceiling.
func (g *Guard) CheckInbound(received int64, n int) error {
	if g.maxInbound == 0 {
		return nil
	}
	total := received + int64(n)
	if total <= g.maxInbound {
		return nil
	}
	return encoder.ResourceExhaustedError{Size: total, Limit: g.maxInbound}
}
