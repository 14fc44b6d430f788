package conn

import "github.com/h2wire/h2wire/frameheader"

type scanStatus int

const (
	scanFrameDone scanStatus = iota
	scanFrameDoneBufEmpty
	scanHeaderIncomplete
	scanPayloadIncomplete
)

// scanner carves HTTP/2 frames out of raw read buffers without copying.
// A frame header or payload may arrive split across reads; the scanner
// hands payload pieces out as they come and flags them incomplete.
type scanner struct {
	partial     frameheader.FrameHeader
	header      frameheader.FrameHeader
	payloadLeft int
	buf         []byte
}

func (s *scanner) Fill(b []byte) { s.buf = b }

func (s *scanner) Header() frameheader.FrameHeader { return s.header }

func (s *scanner) Next() ([]byte, scanStatus) {
	partialLen := len(s.partial)
	if partialLen != 9 {
		need := 9 - partialLen
		if len(s.buf) < need {
			s.partial = append(s.partial, s.buf...)
			return nil, scanHeaderIncomplete
		}

		s.partial = append(s.partial, s.buf[:need]...)
		s.buf = s.buf[need:]
		s.payloadLeft = s.partial.Length()
	}
	s.header = s.partial

	bufLen := len(s.buf)
	if bufLen > s.payloadLeft {
		payload := s.buf[:s.payloadLeft]
		s.buf = s.buf[s.payloadLeft:]
		s.partial = s.partial[:0]
		return payload, scanFrameDone
	}

	if bufLen == s.payloadLeft {
		s.partial = s.partial[:0]
		return s.buf, scanFrameDoneBufEmpty
	}

	s.payloadLeft -= bufLen
	return s.buf, scanPayloadIncomplete
}
