package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/h2wire/h2wire/streams"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		l    Lookup
		kind WriteKind
		want Outcome
	}{
		{
			"headers on live stream",
			Lookup{Found: true, State: streams.Open},
			KindHeaders, Proceed,
		},
		{
			"data on reserved stream",
			Lookup{Found: true, State: streams.Reserved},
			KindData, Proceed,
		},
		{
			"data on half-closed (remote) stream",
			Lookup{Found: true, State: streams.HalfClosedRemote},
			KindData, Proceed,
		},
		{
			"data after local end of stream",
			Lookup{Found: true, State: streams.HalfClosedLocal},
			KindData, FailClosed,
		},
		{
			"headers on closed stream still in the table",
			Lookup{Found: true, State: streams.Closed},
			KindHeaders, FailClosed,
		},
		{
			"data on a stream torn down and removed",
			Lookup{Found: false, MayHaveExisted: true},
			KindData, FailClosed,
		},
		{
			"reset of a stream torn down and removed",
			Lookup{Found: false, MayHaveExisted: true},
			KindReset, FailClosed,
		},
		{
			"headers open a fresh stream",
			Lookup{},
			KindHeaders, Proceed,
		},
		{
			"data cannot open a stream",
			Lookup{},
			KindData, FailIllegalStart,
		},
		{
			"reset of a stream that never existed",
			Lookup{},
			KindReset, SkipReset,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Validate(tt.l, tt.kind))
		})
	}
}
