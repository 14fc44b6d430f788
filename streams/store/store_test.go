package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h2wire/h2wire/streams"
)

func testStore(t *testing.T, st Store) {
	t.Helper()
	a := assert.New(t)

	s1 := streams.New(1, nil)
	s3 := streams.New(3, nil)
	st.Set(1, s1)
	st.Set(3, s3)

	a.Same(s1, st.Get(1))
	a.Same(s3, st.Get(3))
	a.Nil(st.Get(5))

	var seen []uint32
	st.Each(func(s *streams.Stream) { seen = append(seen, s.ID()) })
	a.ElementsMatch([]uint32{1, 3}, seen)

	a.Same(s1, st.GetAndDelete(1))
	a.Nil(st.Get(1))
	a.Nil(st.GetAndDelete(1))

	st.Delete(3)
	a.Nil(st.Get(3))
}

func TestMapUnlocked(t *testing.T) {
	t.Parallel()
	testStore(t, NewMapUnlocked(4))
}

func TestMap(t *testing.T) {
	t.Parallel()
	testStore(t, NewMap(4))
}

func TestSharded(t *testing.T) {
	t.Parallel()
	testStore(t, NewSharded(4, func() Store { return NewMap(4) }))
}

func TestShardedSpreadsKeys(t *testing.T) {
	t.Parallel()

	st := NewSharded(4, func() Store { return NewMapUnlocked(4) })
	for id := uint32(1); id < 64; id += 2 {
		st.Set(id, streams.New(id, nil))
	}
	for id := uint32(1); id < 64; id += 2 {
		require.NotNil(t, st.Get(id))
	}
}

func TestNoop(t *testing.T) {
	t.Parallel()

	st := NewNoop()
	st.Set(1, streams.New(1, nil))
	assert.Nil(t, st.Get(1))
}
