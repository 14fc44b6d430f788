package h2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/h2wire/h2wire/buffers"
	"github.com/h2wire/h2wire/encoder"
	"github.com/h2wire/h2wire/flowcontrol"
	"github.com/h2wire/h2wire/sizeguard"
	"github.com/h2wire/h2wire/streams"
	"github.com/h2wire/h2wire/types"
)

type wireOp struct {
	kind     string // "headers", "data", "rst"
	streamID uint32
	size     int
	end      bool
	code     http2.ErrCode
}

type fakeWriter struct {
	ops []wireOp
}

var _ types.FrameWriter = (*fakeWriter)(nil)

func (w *fakeWriter) WriteHeaders(streamID uint32, _ []hpack.HeaderField, endStream bool, done *types.Completion) {
	w.ops = append(w.ops, wireOp{kind: "headers", streamID: streamID, end: endStream})
	if done != nil {
		done.Settle(nil)
	}
}

func (w *fakeWriter) WriteData(streamID uint32, p []byte, endStream bool, rel types.Releaser, done *types.Completion) {
	w.ops = append(w.ops, wireOp{kind: "data", streamID: streamID, size: len(p), end: endStream})
	if rel != nil {
		rel.Release()
	}
	if done != nil {
		done.Settle(nil)
	}
}

func (w *fakeWriter) WriteRSTStream(streamID uint32, code http2.ErrCode, done *types.Completion) {
	w.ops = append(w.ops, wireOp{kind: "rst", streamID: streamID, code: code})
	if done != nil {
		done.Settle(nil)
	}
}

func (w *fakeWriter) Discard(rel types.Releaser) { rel.Release() }

func (w *fakeWriter) kinds() []string {
	kinds := make([]string, len(w.ops))
	for i, op := range w.ops {
		kinds[i] = op.kind
	}
	return kinds
}

type fakeRegistry struct {
	table   map[uint32]*streams.Stream
	existed map[uint32]bool
}

var _ encoder.Registry = (*fakeRegistry)(nil)

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		table:   map[uint32]*streams.Stream{},
		existed: map[uint32]bool{},
	}
}

func (r *fakeRegistry) Lookup(id uint32) (*streams.Stream, bool) {
	s, ok := r.table[id]
	return s, ok
}

func (r *fakeRegistry) MayHaveExisted(id uint32) bool { return r.existed[id] }

func (r *fakeRegistry) Create(id uint32) (*streams.Stream, error) {
	s := streams.New(id, flowcontrol.NewWindow(65_535))
	r.table[id] = s
	r.existed[id] = true
	return s, nil
}

// remove models teardown: the record is gone but the id was allocated.
func (r *fakeRegistry) remove(id uint32) { delete(r.table, id) }

func newTestEncoder(t *testing.T, maxOutbound int64) (*Encoder, *fakeRegistry, *fakeWriter) {
	t.Helper()
	fw := &fakeWriter{}
	reg := newFakeRegistry()
	coord := flowcontrol.NewCoordinator(flowcontrol.NewWindow(1<<20), fw, 16_384)
	enc := New(reg, fw, coord, sizeguard.New(0, maxOutbound), zaptest.NewLogger(t))
	return enc, reg, fw
}

func chunk(p []byte, end bool) types.DataChunk {
	return types.DataChunk{Buf: buffers.NewPool().Copy(p), EndStream: end}
}

func TestHeadersThenDataThenEnd(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	enc, reg, fw := newTestEncoder(t, 0)
	hc := enc.WriteHeaders(1, types.HeaderBlock{Fields: []hpack.HeaderField{{Name: ":method", Value: "GET"}}})
	a.NoError(hc.Err())

	s := reg.table[1]
	require.NotNil(t, s)
	a.Equal(streams.Open, s.State())

	dc := enc.WriteData(1, chunk([]byte("abc"), true))
	a.NoError(dc.Err())
	a.Equal(streams.HalfClosedLocal, s.State())
	a.Equal(int64(3), s.SentBytes)
	require.Equal(t, []string{"headers", "data"}, fw.kinds())
	a.True(fw.ops[1].end)
}

func TestWriteAfterEndOfStream(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	enc, _, fw := newTestEncoder(t, 0)
	enc.WriteHeaders(1, types.HeaderBlock{EndStream: true})

	buf := buffers.NewPool().Copy([]byte("late"))
	dc := enc.WriteData(1, types.DataChunk{Buf: buf})
	err, settled := dc.TryErr()
	require.True(t, settled)
	a.ErrorIs(err, encoder.ErrStreamClosed)
	a.Equal([]string{"headers"}, fw.kinds(), "nothing after the failure reaches the wire")
	a.Panics(func() { buf.Release() }, "the rejected chunk must be released")
}

func TestDataCannotOpenStream(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	enc, reg, fw := newTestEncoder(t, 0)
	buf := buffers.NewPool().Copy([]byte("body"))
	dc := enc.WriteData(5, types.DataChunk{Buf: buf})

	err, settled := dc.TryErr()
	require.True(t, settled)
	var ise encoder.IllegalStreamStartError
	a.ErrorAs(err, &ise)
	a.Equal(uint32(5), ise.StreamID)

	a.Empty(fw.ops)
	a.NotContains(reg.table, uint32(5), "the failed write must not leave a stream behind")
	a.Panics(func() { buf.Release() })
}

func TestResetOfStreamThatNeverExisted(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	enc, _, fw := newTestEncoder(t, 0)
	rc := enc.WriteReset(5, http2.ErrCodeCancel)

	err, settled := rc.TryErr()
	require.True(t, settled)
	a.NoError(err, "resetting a never-opened stream succeeds having sent nothing")
	a.Empty(fw.ops)
}

func TestResetOfTornDownStream(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	enc, reg, fw := newTestEncoder(t, 0)
	enc.WriteHeaders(1, types.HeaderBlock{})
	reg.remove(1)

	rc := enc.WriteReset(1, http2.ErrCodeCancel)
	err, settled := rc.TryErr()
	require.True(t, settled)
	a.ErrorIs(err, encoder.ErrStreamClosed)
	a.Equal([]string{"headers"}, fw.kinds())
}

func TestResetLiveStream(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	enc, reg, fw := newTestEncoder(t, 0)
	enc.WriteHeaders(1, types.HeaderBlock{})
	s := reg.table[1]

	// starve the stream window so the chunk stays queued
	s.FC().Take(s.FC().Available())
	pending := enc.WriteData(1, chunk([]byte("queued"), false))
	_, settled := pending.TryErr()
	require.False(t, settled)

	rc := enc.WriteReset(1, http2.ErrCodeCancel)
	a.NoError(rc.Err())
	a.Equal(streams.Closed, s.State())
	require.Equal(t, []string{"headers", "rst"}, fw.kinds())
	a.Equal(http2.ErrCodeCancel, fw.ops[1].code)

	err, settled := pending.TryErr()
	require.True(t, settled)
	a.ErrorIs(err, encoder.ErrStreamClosed, "queued writes fail when the stream resets")
}

func TestOutboundCeilingNeverPartiallySends(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	enc, reg, fw := newTestEncoder(t, 10)
	enc.WriteHeaders(1, types.HeaderBlock{})

	a.NoError(enc.WriteData(1, chunk(make([]byte, 6), false)).Err())

	buf := buffers.NewPool().Copy(make([]byte, 5))
	dc := enc.WriteData(1, types.DataChunk{Buf: buf})
	err, settled := dc.TryErr()
	require.True(t, settled)
	var ce encoder.CancelledError
	a.ErrorAs(err, &ce)

	a.Equal([]string{"headers", "data"}, fw.kinds(), "the oversized chunk never reaches the wire")
	a.Equal(int64(6), reg.table[1].SentBytes)
	a.Panics(func() { buf.Release() })

	// the stream itself is still usable under the ceiling
	a.NoError(enc.WriteData(1, chunk(make([]byte, 4), true)).Err())
}

func TestClosedEncoderRejectsEverything(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	enc, _, fw := newTestEncoder(t, 0)
	enc.WriteHeaders(1, types.HeaderBlock{})
	require.NoError(t, enc.Close())
	require.NoError(t, enc.Close(), "Close is idempotent")

	hc := enc.WriteHeaders(3, types.HeaderBlock{})
	err, settled := hc.TryErr()
	require.True(t, settled)
	a.ErrorIs(err, encoder.ErrStreamClosed)

	buf := buffers.NewPool().Copy([]byte("x"))
	dc := enc.WriteData(1, types.DataChunk{Buf: buf})
	err, settled = dc.TryErr()
	require.True(t, settled)
	a.ErrorIs(err, encoder.ErrStreamClosed)
	a.Panics(func() { buf.Release() })

	a.Equal([]string{"headers"}, fw.kinds())
}
