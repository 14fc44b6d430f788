// Package h2 translates object-encoder calls into multiplexed HTTP/2
// frames on one connection: one frame writer, one connection-level send
// window, shared by every stream. Must only be driven from the connection's
// event loop.
package h2

import (
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/h2wire/h2wire/encoder"
	"github.com/h2wire/h2wire/flowcontrol"
	"github.com/h2wire/h2wire/sizeguard"
	"github.com/h2wire/h2wire/streams"
	"github.com/h2wire/h2wire/types"
)

type Encoder struct {
	reg   encoder.Registry
	fw    types.FrameWriter
	coord *flowcontrol.Coordinator
	guard *sizeguard.Guard
	log   *zap.Logger

	closed bool
}

var _ encoder.ObjectEncoder = (*Encoder)(nil)

func New(
	reg encoder.Registry,
	fw types.FrameWriter,
	coord *flowcontrol.Coordinator,
	guard *sizeguard.Guard,
	log *zap.Logger,
) *Encoder {
	return &Encoder{
		reg:   reg,
		fw:    fw,
		coord: coord,
		guard: guard,
		log:   log.Named("encoder"),
	}
}

func (e *Encoder) lookup(streamID uint32) (*streams.Stream, encoder.Lookup) {
	s, ok := e.reg.Lookup(streamID)
	l := encoder.Lookup{
		Found:          ok,
		MayHaveExisted: e.reg.MayHaveExisted(streamID),
	}
	if ok {
		l.State = s.State()
	}
	return s, l
}

func (e *Encoder) WriteHeaders(streamID uint32, hb types.HeaderBlock) *types.Completion {
	if e.closed {
		return types.Settled(encoder.ErrStreamClosed)
	}

	s, l := e.lookup(streamID)
	switch encoder.Validate(l, encoder.KindHeaders) {
	case encoder.FailClosed:
		return types.Settled(encoder.ErrStreamClosed)
	}

	if s == nil {
		var err error
		s, err = e.reg.Create(streamID)
		if err != nil {
			return types.Settled(err)
		}
	}
	switch s.State() {
	case streams.Idle, streams.Reserved:
		s.SetState(streams.Open)
	}
	if hb.EndStream {
		e.closeLocal(s)
	}

	done := types.NewCompletion()
	e.fw.WriteHeaders(streamID, hb.Fields, hb.EndStream, done)
	return done
}

func (e *Encoder) WriteData(streamID uint32, chunk types.DataChunk) *types.Completion {
	if e.closed {
		return e.failData(chunk, encoder.ErrStreamClosed)
	}

	s, l := e.lookup(streamID)
	switch encoder.Validate(l, encoder.KindData) {
	case encoder.FailClosed:
		return e.failData(chunk, encoder.ErrStreamClosed)
	case encoder.FailIllegalStart:
		// a header block must open the stream; no stream is created here
		return e.failData(chunk, encoder.IllegalStreamStartError{StreamID: streamID})
	}

	n := chunk.Len()
	if err := e.guard.CheckOutbound(s.SentBytes, n); err != nil {
		// never partially sent: the chunk dies before the frame writer
		// sees it
		return e.failData(chunk, err)
	}
	s.SentBytes += int64(n)

	if chunk.EndStream {
		e.closeLocal(s)
	}
	return e.coord.Send(s, chunk)
}

func (e *Encoder) WriteReset(streamID uint32, code http2.ErrCode) *types.Completion {
	if e.closed {
		return types.Settled(encoder.ErrStreamClosed)
	}

	s, l := e.lookup(streamID)
	switch encoder.Validate(l, encoder.KindReset) {
	case encoder.FailClosed:
		return types.Settled(encoder.ErrStreamClosed)
	case encoder.SkipReset:
		// expected race: the stream never reached the wire, so there is
		// nothing to reset
		e.log.Debug("skipping reset of a stream that never existed",
			zap.Uint32("stream-id", streamID))
		return types.Settled(nil)
	}

	e.coord.FailStream(s, encoder.ErrStreamClosed)
	s.SetState(streams.Closed)

	done := types.NewCompletion()
	e.fw.WriteRSTStream(streamID, code, done)
	return done
}

// Close is idempotent. Everything still parked for any stream is failed and
// its buffers released.
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.coord.Close(encoder.ErrStreamClosed)
	return nil
}

// closeLocal records that the local side is done sending.
func (e *Encoder) closeLocal(s *streams.Stream) {
	if s.State() == streams.HalfClosedRemote {
		s.SetState(streams.Closed)
	} else {
		s.SetState(streams.HalfClosedLocal)
	}
}

// failData settles a rejected data write, releasing the chunk's buffer
// exactly once.
func (e *Encoder) failData(chunk types.DataChunk, err error) *types.Completion {
	if chunk.Buf != nil {
		chunk.Buf.Release()
	}
	return types.Settled(err)
}
