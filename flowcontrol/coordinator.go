package flowcontrol

import (
	"github.com/h2wire/h2wire/streams"
	"github.com/h2wire/h2wire/types"
)

// Coordinator arbitrates the connection-level window, the per-stream
// windows and the frame writer. A data write flushes only once its size
// fits both windows; partial fits split the chunk and the remainder stays
// queued on the stream. Streams that ran out of window park in arrival
// order and are serviced in that order when budget returns, each
// independently: one stalled stream never holds back another with window
// available.
type Coordinator struct {
	conn         types.FlowControl
	fw           types.FrameWriter
	maxFrameSize int

	parked []*streams.Stream
}

func NewCoordinator(conn types.FlowControl, fw types.FrameWriter, maxFrameSize int) *Coordinator {
	return &Coordinator{
		conn:         conn,
		fw:           fw,
		maxFrameSize: maxFrameSize,
	}
}

func (c *Coordinator) SetMaxFrameSize(n int) { c.maxFrameSize = n }

func (c *Coordinator) ConnWindow() types.FlowControl { return c.conn }

// Send accepts one chunk for the stream. The returned completion settles
// after the final byte of the chunk reached the wire, or with the failure
// that tore the stream down first.
func (c *Coordinator) Send(s *streams.Stream, chunk types.DataChunk) *types.Completion {
	done := types.NewCompletion()
	s.PushPending(streams.PendingWrite{Chunk: chunk, Completion: done})
	if !s.Parked() {
		c.flush(s)
	}
	return done
}

// WindowUpdate replenishes a window (s == nil means the connection scope)
// and resumes parked streams.
func (c *Coordinator) WindowUpdate(s *streams.Stream, n int64) {
	if s == nil {
		c.conn.Add(n)
	} else {
		s.FC().Add(n)
	}
	c.resume()
}

func (c *Coordinator) resume() {
	if len(c.parked) == 0 {
		return
	}
	// flush re-parks still-blocked streams, preserving arrival order
	waiting := c.parked
	c.parked = nil
	for _, s := range waiting {
		if !s.Parked() {
			continue // failed or serviced since it parked
		}
		s.SetParked(false)
		c.flush(s)
	}
}

// unpark drops the stream's queue slot. Records are recycled, so a stale
// slot left behind would hand a later stream an earlier arrival position.
func (c *Coordinator) unpark(s *streams.Stream) {
	for i, p := range c.parked {
		if p == s {
			c.parked = append(c.parked[:i], c.parked[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) park(s *streams.Stream) {
	if s.Parked() {
		return
	}
	s.SetParked(true)
	c.parked = append(c.parked, s)
}

func (c *Coordinator) flush(s *streams.Stream) {
	for {
		pw := s.FrontPending()
		if pw == nil {
			return
		}

		total := pw.Chunk.Len()
		for pw.Offset < total {
			budget := int64(total - pw.Offset)
			if m := int64(c.maxFrameSize); budget > m {
				budget = m
			}
			if a := s.FC().Available(); a < budget {
				budget = a
			}
			if a := c.conn.Available(); a < budget {
				budget = a
			}
			if budget <= 0 {
				c.park(s)
				return
			}
			s.FC().Take(budget)
			c.conn.Take(budget)

			end := pw.Offset + int(budget)
			last := end == total
			c.writePart(s, pw, pw.Chunk.Buf.Bytes()[pw.Offset:end], last)
			pw.Offset = end
		}

		if total == 0 {
			// empty chunk: only meaningful as an end-of-stream marker
			c.writePart(s, pw, nil, true)
		}
		s.PopPending()
	}
}

func (c *Coordinator) writePart(s *streams.Stream, pw *streams.PendingWrite, p []byte, last bool) {
	var (
		rel  types.Releaser
		done *types.Completion
	)
	if last {
		// the buffer is released by the writer exactly once, after the
		// final fragment hits the wire
		if pw.Chunk.Buf != nil {
			rel = pw.Chunk.Buf
		}
		done = pw.Completion
	}
	c.fw.WriteData(s.ID(), p, last && pw.Chunk.EndStream, rel, done)
}

// Kick retries parked streams after an out-of-band window change, such as
// the peer lowering or raising SETTINGS_INITIAL_WINDOW_SIZE.
func (c *Coordinator) Kick() { c.resume() }

// FailStream drops everything still queued for the stream, settling each
// completion with err and releasing each buffer exactly once. Fragments
// already handed to the frame writer keep their own release path.
func (c *Coordinator) FailStream(s *streams.Stream, err error) {
	if s.Parked() {
		s.SetParked(false)
		c.unpark(s)
	}
	for {
		pw, ok := s.PopPending()
		if !ok {
			return
		}
		if pw.Chunk.Buf != nil {
			if pw.Offset > 0 {
				// fragments of this chunk are still queued in the writer;
				// the release must happen after they leave
				c.fw.Discard(pw.Chunk.Buf)
			} else {
				pw.Chunk.Buf.Release()
			}
		}
		pw.Completion.Settle(err)
	}
}

// Close fails every parked stream and shuts the connection window down.
func (c *Coordinator) Close(err error) {
	c.conn.Disable()
	waiting := c.parked
	c.parked = nil
	for _, s := range waiting {
		if s.Parked() {
			c.FailStream(s, err)
		}
	}
}
