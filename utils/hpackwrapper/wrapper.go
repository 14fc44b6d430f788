package hpackwrapper

import (
	"io"

	"golang.org/x/net/http2/hpack"
)

// Wrapper owns one hpack encoder whose output can be retargeted between
// header blocks. The dynamic table survives retargeting, which is what
// keeps encoding stateful across streams of one connection.
type Wrapper struct {
	io.Writer
	enc *hpack.Encoder
}

func NewWrapper(opts ...Opt) *Wrapper {
	w := &Wrapper{}
	w.enc = hpack.NewEncoder(w)
	for _, o := range opts {
		o.apply(w)
	}
	return w
}

func (w *Wrapper) SetWriter(out io.Writer) { w.Writer = out }

func (w *Wrapper) WriteField(f hpack.HeaderField) {
	//nolint:errcheck // the target is always an in-memory buffer
	w.enc.WriteField(f)
}

type Opt interface {
	apply(*Wrapper)
}

type WithMaxDynamicTableSize uint32

func (s WithMaxDynamicTableSize) apply(w *Wrapper) {
	w.enc.SetMaxDynamicTableSize(uint32(s))
}
