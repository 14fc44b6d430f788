package conn

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/errgroup"

	"github.com/h2wire/h2wire/consts"
	"github.com/h2wire/h2wire/frameheader"
)

// GoAwayError reports the peer shutting the connection down with a GOAWAY
// carrying a non-NO error code.
type GoAwayError struct {
	Code         http2.ErrCode
	LastStreamID uint32
	DebugData    []byte
}

func (e GoAwayError) Error() string {
	return "go away (" + e.Code.String() + "): " + string(e.DebugData)
}

// peer events, produced by the receiver goroutine and applied on the
// connection's event loop. The receiver never touches the stream table;
// emit fails once the loop is gone, which unwinds the receiver.
type (
	evHeaders struct {
		streamID  uint32
		fields    []hpack.HeaderField
		endStream bool
	}
	evData struct {
		streamID uint32
		payload  []byte
		n        int // flow-controlled frame length
		end      bool
	}
	evRST struct {
		streamID uint32
		code     http2.ErrCode
	}
	evWindowUpdate struct {
		streamID  uint32
		increment uint32
	}
	evSettings struct {
		settings []http2.Setting
	}
	evPing struct {
		payload [8]byte
	}
	evGoAway struct {
		lastStreamID uint32
		code         http2.ErrCode
		debugData    []byte
	}
)

type emitFunc func(ev any) error

type frameTypeProcessor interface {
	process(header frameheader.FrameHeader, payload []byte, incomplete bool) error
}

// receiver reads the connection and pipelines raw buffers into the frame
// processor: one goroutine reads, alternating two buffers, while the other
// carves frames and emits events.
type receiver struct {
	nc         net.Conn
	buf1, buf2 []byte
	proc       *processor
}

func newReceiver(nc net.Conn, emit emitFunc) *receiver {
	return &receiver{
		nc:   nc,
		buf1: make([]byte, consts.ReceiveBufferSize),
		buf2: make([]byte, consts.ReceiveBufferSize),
		proc: newProcessor(emit),
	}
}

func (r *receiver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	ch := make(chan []byte)
	g.Go(func() error {
		return r.proc.run(ctx, ch)
	})
	g.Go(func() error {
		defer close(ch)
		for ctx.Err() == nil {
			if err := r.read(ctx, ch, r.buf1); err != nil {
				return err
			}
			if err := r.read(ctx, ch, r.buf2); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

func (r *receiver) read(ctx context.Context, ch chan<- []byte, b []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	n, err := r.nc.Read(b)
	if err != nil {
		return fmt.Errorf("reading connection: %w", err)
	}
	b = b[:n]

	select {
	case ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type processor struct {
	sc   *scanner
	subs []frameTypeProcessor
}

func newProcessor(emit emitFunc) *processor {
	headers := newHeadersProcessor(emit)
	return &processor{
		sc: new(scanner),
		subs: []frameTypeProcessor{
			http2.FrameData:         newDataProcessor(emit),
			http2.FrameHeaders:      headers,
			http2.FrameContinuation: headers,
			http2.FrameRSTStream:    newCodeProcessor(emit, false),
			http2.FrameSettings:     newSettingsProcessor(emit),
			http2.FramePing:         newPingProcessor(emit),
			http2.FrameGoAway:       newGoAwayProcessor(emit),
			http2.FrameWindowUpdate: newCodeProcessor(emit, true),
		},
	}
}

func (p *processor) run(ctx context.Context, ch <-chan []byte) error {
	for b := range ch {
		if err := p.process(b); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (p *processor) process(buf []byte) error {
	p.sc.Fill(buf)
	for {
		b, status := p.sc.Next()
		if status == scanHeaderIncomplete {
			return nil
		}

		header := p.sc.Header()
		var sp frameTypeProcessor
		if int(header.Type()) < len(p.subs) {
			sp = p.subs[header.Type()]
		}
		if sp != nil {
			if err := sp.process(header, b, status == scanPayloadIncomplete); err != nil {
				return err
			}
		}

		if status == scanFrameDone {
			continue
		}
		return nil
	}
}

type dataProcessor struct {
	emit    emitFunc
	payload []byte
}

func newDataProcessor(emit emitFunc) *dataProcessor {
	return &dataProcessor{emit: emit}
}

func (p *dataProcessor) process(header frameheader.FrameHeader, payload []byte, incomplete bool) error {
	p.payload = append(p.payload, payload...)
	if incomplete {
		return nil
	}
	ev := evData{
		streamID: header.StreamID(),
		payload:  bytes.Clone(p.payload),
		n:        header.Length(),
		end:      header.Flags().Has(http2.FlagDataEndStream),
	}
	p.payload = p.payload[:0]
	return p.emit(ev)
}

type headersProcessor struct {
	emit    emitFunc
	dec     *hpack.Decoder
	fields  []hpack.HeaderField
	pending struct {
		streamID  uint32
		endStream bool
	}
}

func newHeadersProcessor(emit emitFunc) *headersProcessor {
	p := &headersProcessor{emit: emit}
	p.dec = hpack.NewDecoder(4096, func(f hpack.HeaderField) {
		p.fields = append(p.fields, f)
	})
	return p
}

func (p *headersProcessor) process(header frameheader.FrameHeader, payload []byte, incomplete bool) error {
	if header.Type() == http2.FrameHeaders {
		p.pending.streamID = header.StreamID()
		p.pending.endStream = header.Flags().Has(http2.FlagHeadersEndStream)
	}

	if _, err := p.dec.Write(payload); err != nil {
		return fmt.Errorf("hpack decoding: %w", err)
	}
	if incomplete || !header.Flags().Has(http2.FlagHeadersEndHeaders) {
		return nil
	}

	ev := evHeaders{
		streamID:  p.pending.streamID,
		fields:    p.fields,
		endStream: p.pending.endStream,
	}
	p.fields = nil
	return p.emit(ev)
}

// codeProcessor accumulates the single big-endian uint32 payload shared by
// RST_STREAM and WINDOW_UPDATE frames.
type codeProcessor struct {
	emit         emitFunc
	windowUpdate bool
	acc          uint32
}

func newCodeProcessor(emit emitFunc, windowUpdate bool) *codeProcessor {
	return &codeProcessor{emit: emit, windowUpdate: windowUpdate}
}

func (p *codeProcessor) process(header frameheader.FrameHeader, payload []byte, incomplete bool) error {
	for _, b := range payload {
		p.acc = p.acc<<8 | uint32(b)
	}
	if incomplete {
		return nil
	}

	acc := p.acc
	p.acc = 0
	if p.windowUpdate {
		return p.emit(evWindowUpdate{
			streamID:  header.StreamID(),
			increment: acc & 0x7fffffff,
		})
	}
	return p.emit(evRST{
		streamID: header.StreamID(),
		code:     http2.ErrCode(acc),
	})
}

type settingsProcessor struct {
	emit    emitFunc
	payload []byte
}

func newSettingsProcessor(emit emitFunc) *settingsProcessor {
	return &settingsProcessor{emit: emit}
}

func (p *settingsProcessor) process(header frameheader.FrameHeader, payload []byte, incomplete bool) error {
	p.payload = append(p.payload, payload...)
	if incomplete {
		return nil
	}

	if header.Flags().Has(http2.FlagSettingsAck) {
		p.payload = p.payload[:0]
		return nil
	}
	settings := make([]http2.Setting, 0, len(p.payload)/6)
	for b := p.payload; len(b) >= 6; b = b[6:] {
		settings = append(settings, http2.Setting{
			ID:  http2.SettingID(uint16(b[0])<<8 | uint16(b[1])),
			Val: uint32(b[2])<<24 | uint32(b[3])<<16 | uint32(b[4])<<8 | uint32(b[5]),
		})
	}
	p.payload = p.payload[:0]
	return p.emit(evSettings{settings: settings})
}

type pingProcessor struct {
	emit    emitFunc
	payload []byte
}

func newPingProcessor(emit emitFunc) *pingProcessor {
	return &pingProcessor{emit: emit}
}

func (p *pingProcessor) process(header frameheader.FrameHeader, payload []byte, incomplete bool) error {
	p.payload = append(p.payload, payload...)
	if incomplete {
		return nil
	}
	ack := header.Flags().Has(http2.FlagPingAck)
	var ev evPing
	copy(ev.payload[:], p.payload)
	p.payload = p.payload[:0]
	if ack || len(ev.payload) != 8 {
		return nil
	}
	return p.emit(ev)
}

type goAwayProcessor struct {
	emit    emitFunc
	payload []byte
}

func newGoAwayProcessor(emit emitFunc) *goAwayProcessor {
	return &goAwayProcessor{emit: emit}
}

func (p *goAwayProcessor) process(_ frameheader.FrameHeader, payload []byte, incomplete bool) error {
	p.payload = append(p.payload, payload...)
	if incomplete {
		return nil
	}
	if len(p.payload) < 8 {
		return fmt.Errorf("short goaway frame: %d bytes", len(p.payload))
	}
	b := p.payload
	ev := evGoAway{
		lastStreamID: (uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])) & 0x7fffffff,
		code:         http2.ErrCode(uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7])),
		debugData:    bytes.Clone(b[8:]),
	}
	p.payload = p.payload[:0]
	return p.emit(ev)
}
