package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/h2wire/h2wire/frameheader"
)

type scannedFrame struct {
	header  frameheader.FrameHeader
	payload []byte
}

// scanAll drives the scanner the way the processor does, reassembling
// payloads that arrive split across fills.
func scanAll(chunks [][]byte) []scannedFrame {
	sc := new(scanner)
	var (
		frames  []scannedFrame
		partial []byte
	)
	for _, chunk := range chunks {
		sc.Fill(chunk)
		for {
			b, status := sc.Next()
			if status == scanHeaderIncomplete {
				break
			}
			partial = append(partial, b...)
			if status == scanPayloadIncomplete {
				break
			}

			h := frameheader.New()
			copy(h, sc.Header())
			frames = append(frames, scannedFrame{h, partial})
			partial = nil
			if status == scanFrameDoneBufEmpty {
				break
			}
		}
	}
	return frames
}

func buildFrame(t http2.FrameType, flags http2.Flags, streamID uint32, payload []byte) []byte {
	fh := frameheader.New()
	fh.Fill(len(payload), t, flags, streamID)
	return append(fh, payload...)
}

func TestScannerWholeBuffer(t *testing.T) {
	t.Parallel()

	wire := buildFrame(http2.FrameData, http2.FlagDataEndStream, 1, []byte("hello"))
	wire = append(wire, buildFrame(http2.FramePing, 0, 0, make([]byte, 8))...)

	frames := scanAll([][]byte{wire})
	require.Len(t, frames, 2)
	assert.Equal(t, http2.FrameData, frames[0].header.Type())
	assert.Equal(t, []byte("hello"), frames[0].payload)
	assert.Equal(t, http2.FramePing, frames[1].header.Type())
}

func TestScannerSplitEverywhere(t *testing.T) {
	t.Parallel()

	wire := buildFrame(http2.FrameHeaders, http2.FlagHeadersEndHeaders, 7, []byte("block"))
	wire = append(wire, buildFrame(http2.FrameData, 0, 7, []byte("payload-bytes"))...)

	// every possible split point, including mid-header and mid-payload
	for cut := 1; cut < len(wire); cut++ {
		frames := scanAll([][]byte{wire[:cut], wire[cut:]})
		require.Len(t, frames, 2, "split at %d", cut)
		assert.Equal(t, []byte("block"), frames[0].payload, "split at %d", cut)
		assert.Equal(t, uint32(7), frames[0].header.StreamID())
		assert.Equal(t, []byte("payload-bytes"), frames[1].payload, "split at %d", cut)
	}
}

func TestScannerByteAtATime(t *testing.T) {
	t.Parallel()

	wire := buildFrame(http2.FrameRSTStream, 0, 3, []byte{0, 0, 0, 8})
	chunks := make([][]byte, len(wire))
	for i := range wire {
		chunks[i] = wire[i : i+1]
	}

	frames := scanAll(chunks)
	require.Len(t, frames, 1)
	assert.Equal(t, http2.FrameRSTStream, frames[0].header.Type())
	assert.Equal(t, []byte{0, 0, 0, 8}, frames[0].payload)
}
