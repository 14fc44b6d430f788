package conn

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/h2wire/h2wire/consts"
	"github.com/h2wire/h2wire/frameheader"
	"github.com/h2wire/h2wire/types"
	"github.com/h2wire/h2wire/utils/hpackwrapper"
)

// frame is one wire frame queued for the writer: up to three chunks
// (header, payload, payload), an optional releaser fired after the write,
// and an optional completion settled with the write's outcome. urgent
// frames (PING acks, settings acks) flush the batch immediately.
type frame struct {
	chunks [3][]byte
	rel    types.Releaser
	done   *types.Completion
	urgent bool
}

func (f *frame) finish(err error) {
	if f.rel != nil {
		f.rel.Release()
	}
	if f.done != nil {
		f.done.Settle(err)
	}
}

// frameWriter assembles frames on the connection's event loop and batches
// them onto the wire from its own goroutine via net.Buffers. The event
// loop is the only producer; closing the queue is the only way Run
// returns.
type frameWriter struct {
	out io.Writer
	log *zap.Logger

	hp           *hpackwrapper.Wrapper
	headersBuf   *bytes.Buffer
	maxFrameSize int
	batching     bool

	frameCh chan frame
	closed  bool

	dead chan struct{}
	werr error
}

var _ types.FrameWriter = (*frameWriter)(nil)

func newFrameWriter(
	out io.Writer,
	hp *hpackwrapper.Wrapper,
	maxFrameSize int,
	batching bool,
	log *zap.Logger,
) *frameWriter {
	return &frameWriter{
		out:          out,
		log:          log.Named("writer"),
		hp:           hp,
		headersBuf:   bytes.NewBuffer(nil),
		maxFrameSize: maxFrameSize,
		batching:     batching,
		frameCh:      make(chan frame, 1024),
		dead:         make(chan struct{}),
	}
}

func (w *frameWriter) SetMaxFrameSize(n int) { w.maxFrameSize = n }

// Dead is closed on the first wire-write failure; Err then carries it.
func (w *frameWriter) Dead() <-chan struct{} { return w.dead }
func (w *frameWriter) Err() error            { return w.werr }

// WriteHeaders encodes the field block and splits it into a HEADERS frame
// plus CONTINUATIONs at the frame-size boundary. END_STREAM rides on the
// first frame, END_HEADERS on the last.
func (w *frameWriter) WriteHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool, done *types.Completion) {
	w.headersBuf.Reset()
	w.hp.SetWriter(w.headersBuf)
	for _, f := range fields {
		w.hp.WriteField(f)
	}

	first := true
	for {
		b := w.headersBuf.Next(w.maxFrameSize)
		last := w.headersBuf.Len() == 0

		fh := frameheader.New()
		t := http2.FrameContinuation
		var flags http2.Flags
		if first {
			t = http2.FrameHeaders
			if endStream {
				flags |= http2.FlagHeadersEndStream
			}
		}
		if last {
			flags |= http2.FlagHeadersEndHeaders
		}
		fh.Fill(len(b), t, flags, streamID)

		f := frame{chunks: [3][]byte{fh, bytes.Clone(b)}}
		if last {
			f.done = done
			w.enqueue(f)
			return
		}
		w.enqueue(f)
		first = false
	}
}

func (w *frameWriter) WriteData(streamID uint32, p []byte, endStream bool, rel types.Releaser, done *types.Completion) {
	fh := frameheader.New()
	var flags http2.Flags
	if endStream {
		flags |= http2.FlagDataEndStream
	}
	fh.Fill(len(p), http2.FrameData, flags, streamID)
	w.enqueue(frame{chunks: [3][]byte{fh, p}, rel: rel, done: done})
}

func (w *frameWriter) WriteRSTStream(streamID uint32, code http2.ErrCode, done *types.Completion) {
	fh := frameheader.New()
	fh.Fill(4, http2.FrameRSTStream, 0, streamID)
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(code))
	w.enqueue(frame{chunks: [3][]byte{fh, payload}, done: done})
}

func (w *frameWriter) WriteWindowUpdate(streamID uint32, increment uint32) {
	fh := frameheader.New()
	fh.Fill(4, http2.FrameWindowUpdate, 0, streamID)
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, increment)
	w.enqueue(frame{chunks: [3][]byte{fh, payload}})
}

func (w *frameWriter) WritePingAck(payload [8]byte) {
	fh := frameheader.New()
	fh.Fill(8, http2.FramePing, http2.FlagPingAck, 0)
	w.enqueue(frame{chunks: [3][]byte{fh, bytes.Clone(payload[:])}, urgent: true})
}

func (w *frameWriter) WriteSettingsAck() {
	fh := frameheader.New()
	fh.Fill(0, http2.FrameSettings, http2.FlagSettingsAck, 0)
	w.enqueue(frame{chunks: [3][]byte{fh}, urgent: true})
}

func (w *frameWriter) Discard(rel types.Releaser) {
	w.enqueue(frame{rel: rel})
}

func (w *frameWriter) enqueue(f frame) {
	if w.closed {
		// the writer goroutine is gone; fail in place
		f.finish(ErrConnClosed)
		return
	}
	w.frameCh <- f
}

// closeQueue stops accepting frames. Must be called by the producer (the
// event loop) exactly once; Run drains what is left and returns.
func (w *frameWriter) closeQueue() {
	if w.closed {
		return
	}
	w.closed = true
	close(w.frameCh)
}

type batchItem struct {
	buffers  [consts.ChunksBufferSize][]byte
	refs     [consts.ChunksBufferSize]frame
	bufsUsed int
	refsUsed int
}

func (b *batchItem) reset() {
	b.bufsUsed = 0
	b.refsUsed = 0
}

func (b *batchItem) add(f frame) bool {
	chunks := 0
	for _, c := range f.chunks {
		if c == nil {
			break
		}
		chunks++
	}
	if b.bufsUsed+chunks > len(b.buffers) || b.refsUsed == len(b.refs) {
		return false
	}
	for i := 0; i < chunks; i++ {
		b.buffers[b.bufsUsed] = f.chunks[i]
		b.bufsUsed++
	}
	b.refs[b.refsUsed] = f
	b.refsUsed++
	return true
}

// Run writes queued frames until the queue closes. On a wire-write failure
// it marks itself dead and keeps draining, failing every remaining frame,
// so the producer never blocks on a dead writer.
func (w *frameWriter) Run() error {
	var item batchItem

	flush := func() {
		if w.werr != nil {
			w.failBatch(&item)
			return
		}
		if item.refsUsed == 0 {
			return
		}
		var err error
		if item.bufsUsed > 0 {
			// net.Buffers.WriteTo may shrink the slice it is given;
			// rebuild from the array every flush
			bufs := net.Buffers(item.buffers[:item.bufsUsed])
			_, err = bufs.WriteTo(w.out)
		}
		for i := 0; i < item.refsUsed; i++ {
			item.refs[i].finish(err)
		}
		item.reset()
		if err != nil {
			w.werr = err
			close(w.dead)
		}
	}

	timer := time.NewTimer(consts.SendBatchTimeout)
	defer timer.Stop()

	for {
		select {
		case f, ok := <-w.frameCh:
			if !ok {
				flush()
				if w.werr != nil {
					return w.werr
				}
				return nil
			}
			if w.werr != nil {
				f.finish(w.werr)
				continue
			}
			if !item.add(f) {
				flush()
				item.add(f)
			}
			if f.urgent || !w.batching {
				flush()
				continue
			}
			if item.refsUsed == 1 {
				// first frame of a fresh batch starts the flush clock
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(consts.SendBatchTimeout)
			}
		case <-timer.C:
			flush()
		}
	}
}

func (w *frameWriter) failBatch(item *batchItem) {
	for i := 0; i < item.refsUsed; i++ {
		item.refs[i].finish(w.werr)
	}
	item.reset()
}
