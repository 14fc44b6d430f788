package buffers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolReusesBacking(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	p := NewPool()
	b := p.Acquire(128)
	a.Equal(128, b.Len())
	backing := &b.Bytes()[0]
	b.Release()

	b = p.Acquire(64)
	a.Equal(64, b.Len())
	a.Same(backing, &b.Bytes()[0], "backing array must be reused")
	b.Release()
}

func TestCopy(t *testing.T) {
	t.Parallel()

	p := NewPool()
	src := []byte("hello")
	b := p.Copy(src)
	require.Equal(t, src, b.Bytes())

	src[0] = 'x'
	assert.Equal(t, []byte("hello"), b.Bytes(), "Copy must not alias the source")
	b.Release()
}

func TestDoubleReleasePanics(t *testing.T) {
	t.Parallel()

	b := NewPool().Acquire(8)
	b.Release()
	assert.Panics(t, func() { b.Release() })
}

func TestWrap(t *testing.T) {
	t.Parallel()

	b := Wrap([]byte("abc"))
	assert.Equal(t, 3, b.Len())
	b.Release()
	assert.Panics(t, func() { b.Release() })
}
