package hpackwrapper

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

func TestRetargetingKeepsDynamicTable(t *testing.T) {
	t.Parallel()

	w := NewWrapper()
	field := hpack.HeaderField{Name: "x-custom", Value: "same-value"}

	var first bytes.Buffer
	w.SetWriter(&first)
	w.WriteField(field)

	var second bytes.Buffer
	w.SetWriter(&second)
	w.WriteField(field)

	assert.Less(t, second.Len(), first.Len(),
		"the second encoding must hit the dynamic table")

	dec := hpack.NewDecoder(4096, nil)
	fields, err := dec.DecodeFull(append(first.Bytes(), second.Bytes()...))
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, field.Name, fields[0].Name)
	assert.Equal(t, field.Value, fields[1].Value)
}

func TestWithMaxDynamicTableSize(t *testing.T) {
	t.Parallel()

	// a zero-size table forces full literals every time
	w := NewWrapper(WithMaxDynamicTableSize(0))
	field := hpack.HeaderField{Name: "x-custom", Value: "same-value"}

	var first, second bytes.Buffer
	w.SetWriter(&first)
	w.WriteField(field)
	w.SetWriter(&second)
	w.WriteField(field)

	assert.Equal(t, first.Len(), second.Len())
}
