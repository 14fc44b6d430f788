package consts

import (
	"math"
	"time"
)

const (
	ReceiveBufferSize = 2048
	SendBatchTimeout  = time.Millisecond
	ChunksBufferSize  = 64

	DefaultInitialWindowSize = 65_535
	DefaultMaxFrameSize      = 16_384 // maximum frame payload length before HEADERS/DATA get split
	DefaultMaxHeaderListSize = math.MaxUint32
)
