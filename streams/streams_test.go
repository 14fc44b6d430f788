package streams

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h2wire/h2wire/types"
)

func TestCanWrite(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	a.True(Reserved.CanWrite())
	a.True(Open.CanWrite())
	a.True(HalfClosedRemote.CanWrite())

	a.False(Idle.CanWrite())
	a.False(HalfClosedLocal.CanWrite())
	a.False(Closed.CanWrite())
}

func TestPendingQueueIsFIFO(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	s := New(1, nil)
	first := types.NewCompletion()
	second := types.NewCompletion()
	s.PushPending(PendingWrite{Completion: first})
	s.PushPending(PendingWrite{Completion: second})
	a.Equal(2, s.PendingLen())

	front := s.FrontPending()
	require.NotNil(t, front)
	a.Same(first, front.Completion)
	front.Offset = 7

	pw, ok := s.PopPending()
	require.True(t, ok)
	a.Same(first, pw.Completion)
	a.Equal(7, pw.Offset, "FrontPending must expose the stored element, not a copy")

	pw, ok = s.PopPending()
	require.True(t, ok)
	a.Same(second, pw.Completion)

	_, ok = s.PopPending()
	a.False(ok)
	a.Nil(s.FrontPending())
}

func TestResetClearsRecord(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	s := New(1, nil)
	s.SetState(Closed)
	s.SetParked(true)
	s.SentBytes = 10
	s.RecvBytes = 20
	s.PushPending(PendingWrite{})
	h := s.H

	s.Reset(3, nil)
	a.Equal(uint32(3), s.ID())
	a.Equal(Idle, s.State())
	a.False(s.Parked())
	a.Zero(s.SentBytes)
	a.Zero(s.RecvBytes)
	a.Equal(0, s.PendingLen())
	a.NotSame(h, s.H)
}
