package sizeguard

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/h2wire/h2wire/encoder"
)

func TestOutboundCeiling(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	g := New(0, 100)
	a.NoError(g.CheckOutbound(0, 100), "hitting the ceiling exactly is fine")
	a.NoError(g.CheckOutbound(90, 10))

	err := g.CheckOutbound(90, 11)
	var ce encoder.CancelledError
	a.ErrorAs(err, &ce)
	a.Contains(ce.Reason, "101")
	a.Contains(ce.Reason, "100", "the error must name the configured limit")
}

func TestInboundCeiling(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	g := New(50, 0)
	a.NoError(g.CheckInbound(0, 50))

	err := g.CheckInbound(42, 9)
	var ree encoder.ResourceExhaustedError
	a.ErrorAs(err, &ree)
	a.Equal(int64(51), ree.Size)
	a.Equal(int64(50), ree.Limit)
}

func TestZeroMeansUnlimited(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	g := New(0, 0)
	a.NoError(g.CheckOutbound(1<<40, 1<<20))
	a.NoError(g.CheckInbound(1<<40, 1<<20))
}
