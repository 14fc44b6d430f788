// Package conn runs one HTTP/2 client connection. A single event loop
// goroutine owns the stream table, the send windows and frame assembly;
// application goroutines marshal their calls onto the loop and wait on
// completions. No stream state is ever touched off the loop.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/errgroup"

	"github.com/h2wire/h2wire/buffers"
	"github.com/h2wire/h2wire/consts"
	"github.com/h2wire/h2wire/deadline"
	"github.com/h2wire/h2wire/encoder"
	"github.com/h2wire/h2wire/encoder/h2"
	"github.com/h2wire/h2wire/flowcontrol"
	"github.com/h2wire/h2wire/sizeguard"
	"github.com/h2wire/h2wire/streams"
	streamspool "github.com/h2wire/h2wire/streams/pool"
	"github.com/h2wire/h2wire/streams/store"
	"github.com/h2wire/h2wire/types"
	"github.com/h2wire/h2wire/utils/hpackwrapper"
)

var connID atomic.Uint32

// Conn multiplexes streams over one transport connection. Construct with
// New, drive with Run, open streams from any goroutine.
type Conn struct {
	nc  net.Conn
	cfg Config
	log *zap.Logger

	bufs  *buffers.Pool
	pool  *streamspool.Pool
	store store.Store
	reg   *registry
	coord *flowcontrol.Coordinator
	enc   *h2.Encoder
	fw    *frameWriter
	guard *sizeguard.Guard
	recv  *receiver
	dq    *deadline.Queue

	cmdCh    chan func()
	events   chan any
	expireCh chan uint32
	loopDone chan struct{}

	closing   chan struct{}
	closeOnce sync.Once

	// loop-owned
	peerInitialWindow int64
	inWindow          int64
	inOutstanding     int64
	inAcc             int64
}

// New performs the HTTP/2 handshake on nc and assembles the connection.
// Run must be called before any stream is opened.
func New(nc net.Conn, cfg Config, log *zap.Logger) (*Conn, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("conn").With(zap.Uint32("conn-id", connID.Add(1)))

	ps, err := handshake(nc)
	if err != nil {
		return nil, err
	}
	log.Debug("handshake done",
		zap.Int64("initial-window", ps.initialWindow),
		zap.Uint32("max-concurrent", ps.maxConcurrent),
		zap.Int("max-frame-size", ps.maxFrameSize))

	var hpOpts []hpackwrapper.Opt
	if ps.hasHeaderTable {
		hpOpts = append(hpOpts, hpackwrapper.WithMaxDynamicTableSize(ps.headerTableSize))
	}

	st := store.NewSharded(16, func() store.Store { return store.NewMap(8) })
	pl := streamspool.New(16, ps.maxConcurrent)
	pl.SetInitialWindowSize(ps.initialWindow)

	c := &Conn{
		nc:  nc,
		cfg: cfg,
		log: log,

		bufs:  buffers.NewPool(),
		pool:  pl,
		store: st,
		reg:   newRegistry(st, pl),
		guard: sizeguard.New(cfg.MaxInboundMessageBytes, cfg.MaxOutboundMessageBytes),

		cmdCh:    make(chan func()),
		events:   make(chan any),
		expireCh: make(chan uint32),
		loopDone: make(chan struct{}),
		closing:  make(chan struct{}),

		peerInitialWindow: ps.initialWindow,
		inWindow:          consts.DefaultInitialWindowSize,
	}
	c.fw = newFrameWriter(nc, hpackwrapper.NewWrapper(hpOpts...), ps.maxFrameSize, !cfg.DisableWriteBatching, log)
	c.coord = flowcontrol.NewCoordinator(
		flowcontrol.NewWindow(consts.DefaultInitialWindowSize), c.fw, ps.maxFrameSize)
	c.enc = h2.New(c.reg, c.fw, c.coord, c.guard, log)
	c.recv = newReceiver(nc, c.emit)
	if cfg.ResponseTimeout > 0 {
		c.dq = deadline.NewQueue(cfg.ResponseTimeout)
	}
	return c, nil
}

type peerSettings struct {
	initialWindow   int64
	maxConcurrent   uint32
	maxFrameSize    int
	headerTableSize uint32
	hasHeaderTable  bool
}

// handshake writes the client preface and our SETTINGS, then waits for the
// peer's SETTINGS and acks it. Server push is switched off; every stream on
// this connection is locally initiated.
func handshake(nc net.Conn) (peerSettings, error) {
	ps := peerSettings{
		initialWindow: consts.DefaultInitialWindowSize,
		maxFrameSize:  consts.DefaultMaxFrameSize,
	}

	if _, err := nc.Write([]byte(http2.ClientPreface)); err != nil {
		return ps, fmt.Errorf("writing preface: %w", err)
	}
	fr := http2.NewFramer(nc, nc)
	if err := fr.WriteSettings(http2.Setting{ID: http2.SettingEnablePush, Val: 0}); err != nil {
		return ps, fmt.Errorf("writing settings: %w", err)
	}

	f, err := fr.ReadFrame()
	if err != nil {
		return ps, fmt.Errorf("reading server settings: %w", err)
	}
	sf, ok := f.(*http2.SettingsFrame)
	if !ok {
		return ps, fmt.Errorf("expected server settings, got %s", f.Header().Type)
	}
	//nolint:errcheck // the callback never fails
	sf.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingInitialWindowSize:
			ps.initialWindow = int64(s.Val)
		case http2.SettingMaxConcurrentStreams:
			ps.maxConcurrent = s.Val
		case http2.SettingMaxFrameSize:
			ps.maxFrameSize = int(s.Val)
		case http2.SettingHeaderTableSize:
			ps.headerTableSize = s.Val
			ps.hasHeaderTable = true
		}
		return nil
	})
	if err := fr.WriteSettingsAck(); err != nil {
		return ps, fmt.Errorf("acking server settings: %w", err)
	}
	return ps, nil
}

// Buffers exposes the connection's body buffer pool.
func (c *Conn) Buffers() *buffers.Pool { return c.bufs }

func (c *Conn) emit(ev any) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.loopDone:
		return ErrConnClosed
	}
}

// do runs fn on the event loop and waits for it.
func (c *Conn) do(fn func()) error {
	doneCh := make(chan struct{})
	select {
	case c.cmdCh <- func() { fn(); close(doneCh) }:
	case <-c.loopDone:
		return ErrConnClosed
	}
	select {
	case <-doneCh:
		return nil
	case <-c.loopDone:
		return ErrConnClosed
	}
}

// Run drives the connection until ctx is cancelled, Close is called, or the
// peer breaks the connection. Every stream still live at exit has its
// terminal completion settled.
func (c *Conn) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		//nolint:errcheck // unblocking the reader is best effort
		c.nc.SetDeadline(time.Now())
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-c.fw.Dead():
			return fmt.Errorf("writing connection: %w", c.fw.Err())
		}
	})
	g.Go(c.fw.Run)
	g.Go(func() error { return c.recv.Run(ctx) })
	g.Go(func() error { return c.eventLoop(ctx) })
	if c.dq != nil {
		g.Go(func() error {
			for {
				id, ok := c.dq.Next()
				if !ok {
					return nil
				}
				select {
				case c.expireCh <- id:
				case <-c.loopDone:
					return nil
				}
			}
		})
		g.Go(func() error {
			select {
			case <-ctx.Done():
			case <-c.loopDone:
			}
			c.dq.Close()
			return nil
		})
	}

	err := g.Wait()
	failErr := err
	if failErr == nil {
		failErr = ErrConnClosed
	}
	c.failAll(failErr)

	if err != nil && (ctx.Err() != nil || c.isClosing() ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)) {
		// orderly shutdown; the read unblocked by our own hand
		err = nil
	}
	return err
}

func (c *Conn) eventLoop(ctx context.Context) error {
	defer close(c.loopDone)
	defer c.fw.closeQueue()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closing:
			return nil
		case fn := <-c.cmdCh:
			fn()
		case ev := <-c.events:
			if err := c.handlePeer(ev); err != nil {
				return err
			}
		case id := <-c.expireCh:
			c.expireStream(id)
		}
	}
}

func (c *Conn) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// Close shuts the connection down. Safe to call from any goroutine, any
// number of times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		//nolint:errcheck // double close of the socket is fine
		c.nc.Close()
	})
	return nil
}

// OpenStream sends a header block on a fresh stream. Blocks while the
// peer's MAX_CONCURRENT_STREAMS quota is exhausted.
func (c *Conn) OpenStream(fields []hpack.HeaderField, endStream bool) (*StreamHandle, error) {
	c.pool.Reserve()

	var (
		h    *StreamHandle
		werr error
	)
	err := c.do(func() {
		id := c.reg.nextID()
		wc := c.enc.WriteHeaders(id, types.HeaderBlock{Fields: fields, EndStream: endStream})
		s, ok := c.reg.Lookup(id)
		if !ok {
			c.pool.Unreserve()
			if e, settled := wc.TryErr(); settled && e != nil {
				werr = e
			} else {
				werr = ErrConnClosed
			}
			return
		}
		if c.dq != nil {
			c.dq.Add(id)
		}
		h = &StreamHandle{id: id, h: s.H, c: c}
	})
	if err != nil {
		c.pool.Unreserve()
		return nil, err
	}
	if werr != nil {
		return nil, werr
	}
	return h, nil
}

// Send hands one body chunk to the stream. Ownership of buf transfers here:
// it is released exactly once, whether the chunk reaches the wire or not.
// The returned completion settles when the final byte of the chunk has been
// written out.
func (c *Conn) Send(h *StreamHandle, buf *buffers.Buf, endStream bool) *types.Completion {
	var wc *types.Completion
	err := c.do(func() {
		wc = c.enc.WriteData(h.id, types.DataChunk{Buf: buf, EndStream: endStream})
		if e, settled := wc.TryErr(); settled && e != nil {
			var ce encoder.CancelledError
			if errors.As(e, &ce) {
				// the outbound ceiling tripped: the message can never
				// complete, so the stream is reset rather than left dangling
				c.abortStream(h.id, http2.ErrCodeCancel, e)
			}
		}
	})
	if err != nil {
		if buf != nil {
			buf.Release()
		}
		return types.Settled(err)
	}
	return wc
}

// Cancel resets the stream with the given code and settles its terminal
// completion with a cancellation error.
func (c *Conn) Cancel(h *StreamHandle, code http2.ErrCode) error {
	return c.do(func() {
		c.abortStream(h.id, code, encoder.CancelledError{Reason: "cancelled by application"})
	})
}

// WaitResponses blocks until every opened stream has terminated.
func (c *Conn) WaitResponses(ctx context.Context) error {
	select {
	case <-c.pool.WaitAllReleased():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown waits until every opened stream terminated, then closes the
// connection. The wait error (if any) and the close error are combined.
func (c *Conn) Shutdown(ctx context.Context) error {
	err := c.WaitResponses(ctx)
	return multierr.Append(err, c.Close())
}

// abortStream resets a stream locally. Resetting an id that never existed
// writes nothing and is not an error.
func (c *Conn) abortStream(id uint32, code http2.ErrCode, cause error) {
	s, ok := c.reg.Lookup(id)
	c.enc.WriteReset(id, code)
	if ok {
		c.finishStream(s, cause)
	}
}

// finishStream is the single teardown path: every queued write fails, the
// table entry goes away, the terminal completion settles (nil cause means a
// normal end) and the record returns to the pool.
func (c *Conn) finishStream(s *streams.Stream, cause error) {
	failErr := cause
	if failErr == nil {
		failErr = encoder.ErrStreamClosed
	}
	c.coord.FailStream(s, failErr)
	s.SetState(streams.Closed)
	c.store.Delete(s.ID())
	s.H.Terminal.Settle(cause)
	c.pool.Release(s)
}

func (c *Conn) expireStream(id uint32) {
	s, ok := c.reg.Lookup(id)
	if !ok {
		// already finished; the deadline fired into the void
		return
	}
	c.enc.WriteReset(id, http2.ErrCodeCancel)
	c.finishStream(s, encoder.CancelledError{
		Reason: fmt.Sprintf("response timeout after %s", c.cfg.ResponseTimeout),
	})
}

func (c *Conn) failAll(err error) {
	//nolint:errcheck // Close never fails
	c.enc.Close()
	var all []*streams.Stream
	c.store.Each(func(s *streams.Stream) { all = append(all, s) })
	for _, s := range all {
		c.finishStream(s, err)
	}
}

// handlePeer applies one peer event. A non-nil error is fatal to the whole
// connection.
func (c *Conn) handlePeer(ev any) error {
	switch ev := ev.(type) {
	case evSettings:
		c.applySettings(ev.settings)
	case evPing:
		c.fw.WritePingAck(ev.payload)
	case evWindowUpdate:
		if ev.streamID == 0 {
			c.coord.WindowUpdate(nil, int64(ev.increment))
			return nil
		}
		if s, ok := c.reg.Lookup(ev.streamID); ok {
			c.coord.WindowUpdate(s, int64(ev.increment))
		}
	case evData:
		c.reg.observeRemote(ev.streamID)
		return c.handleData(ev)
	case evHeaders:
		c.reg.observeRemote(ev.streamID)
		s, ok := c.reg.Lookup(ev.streamID)
		if !ok {
			return nil
		}
		s.H.RespFields = append(s.H.RespFields, ev.fields...)
		if ev.endStream {
			c.finishStream(s, nil)
		}
	case evRST:
		c.reg.observeRemote(ev.streamID)
		if s, ok := c.reg.Lookup(ev.streamID); ok {
			c.finishStream(s, fmt.Errorf("%w: peer sent RST_STREAM (%s)",
				encoder.ErrStreamClosed, ev.code))
		}
	case evGoAway:
		c.log.Info("received goaway",
			zap.Uint32("last-stream-id", ev.lastStreamID),
			zap.Stringer("code", ev.code))
		var orphaned []*streams.Stream
		c.store.Each(func(s *streams.Stream) {
			if s.ID() > ev.lastStreamID {
				orphaned = append(orphaned, s)
			}
		})
		for _, s := range orphaned {
			c.finishStream(s, fmt.Errorf("%w: connection is going away", encoder.ErrStreamClosed))
		}
		if ev.code != http2.ErrCodeNo {
			return GoAwayError{Code: ev.code, LastStreamID: ev.lastStreamID, DebugData: ev.debugData}
		}
	}
	return nil
}

func (c *Conn) applySettings(settings []http2.Setting) {
	for _, s := range settings {
		switch s.ID {
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - c.peerInitialWindow
			if delta != 0 {
				// live streams shift by the delta, per RFC 7540 §6.9.2
				c.store.Each(func(s *streams.Stream) { s.FC().Add(delta) })
			}
			c.peerInitialWindow = int64(s.Val)
			c.pool.SetInitialWindowSize(int64(s.Val))
			c.coord.Kick()
		case http2.SettingMaxFrameSize:
			c.coord.SetMaxFrameSize(int(s.Val))
			c.fw.SetMaxFrameSize(int(s.Val))
		case http2.SettingMaxConcurrentStreams:
			c.pool.SetLimit(s.Val)
		}
	}
	c.fw.WriteSettingsAck()
}

// handleData accounts inbound flow control and appends the payload to the
// stream's response body. Data for an unknown stream only counts against the
// connection window.
func (c *Conn) handleData(ev evData) error {
	n := int64(ev.n)
	c.inOutstanding += n
	if c.inOutstanding > c.inWindow {
		return encoder.ConnectionViolationError{
			Code: http2.ErrCodeFlowControl,
			Reason: fmt.Sprintf("peer overran the connection receive window by %d bytes",
				c.inOutstanding-c.inWindow),
		}
	}
	c.inAcc += n
	if c.inAcc >= c.inWindow/4 {
		c.fw.WriteWindowUpdate(0, uint32(c.inAcc))
		c.inOutstanding -= c.inAcc
		c.inAcc = 0
	}

	s, ok := c.reg.Lookup(ev.streamID)
	if !ok {
		return nil
	}
	if err := c.guard.CheckInbound(s.RecvBytes, len(ev.payload)); err != nil {
		c.abortStream(ev.streamID, http2.ErrCodeEnhanceYourCalm, err)
		return nil
	}
	s.RecvBytes += int64(len(ev.payload))
	s.H.RespBody.Write(ev.payload)
	if ev.n > 0 && !ev.end {
		c.fw.WriteWindowUpdate(ev.streamID, uint32(ev.n))
	}
	if ev.end {
		c.finishStream(s, nil)
	}
	return nil
}

// StreamHandle is the application's view of one stream. The response fields
// and body are valid once Done is closed.
type StreamHandle struct {
	id uint32
	h  *streams.Handle
	c  *Conn
}

func (h *StreamHandle) ID() uint32 { return h.id }

// Cancel resets the stream with the given code.
func (h *StreamHandle) Cancel(code http2.ErrCode) error { return h.c.Cancel(h, code) }

// Done closes when the stream terminates, normally or not.
func (h *StreamHandle) Done() <-chan struct{} { return h.h.Terminal.Done() }

// Err reports how the stream ended. Only valid once Done is closed; nil
// means the peer finished the response normally.
func (h *StreamHandle) Err() error { return h.h.Terminal.Err() }

func (h *StreamHandle) Wait(ctx context.Context) error { return h.h.Terminal.Wait(ctx) }

func (h *StreamHandle) ResponseFields() []hpack.HeaderField { return h.h.RespFields }

func (h *StreamHandle) ResponseBody() []byte { return h.h.RespBody.Bytes() }
