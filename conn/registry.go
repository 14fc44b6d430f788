package conn

import (
	"github.com/h2wire/h2wire/streams"
	streamspool "github.com/h2wire/h2wire/streams/pool"
	"github.com/h2wire/h2wire/streams/store"
)

// registry is the connection's stream table plus the id allocators needed
// to answer "may this stream have existed". Client-initiated ids are odd
// and monotonically increasing; an odd id below the next unallocated one
// was a real stream once, even if the table no longer holds it.
type registry struct {
	store store.Store
	pool  *streamspool.Pool

	nextLocalID uint32 // next odd id to hand out
	maxRemoteID uint32 // highest even id seen from the peer
}

func newRegistry(st store.Store, pool *streamspool.Pool) *registry {
	return &registry{store: st, pool: pool, nextLocalID: 1}
}

func (r *registry) Lookup(id uint32) (*streams.Stream, bool) {
	s := r.store.Get(id)
	return s, s != nil
}

func (r *registry) MayHaveExisted(id uint32) bool {
	if id == 0 {
		// the connection control stream always exists
		return true
	}
	if id%2 == 1 {
		return id < r.nextLocalID
	}
	return id <= r.maxRemoteID
}

// nextID peeks at the id the next locally-opened stream will get. The id
// only counts as allocated once Create runs.
func (r *registry) nextID() uint32 { return r.nextLocalID }

func (r *registry) Create(id uint32) (*streams.Stream, error) {
	s := r.pool.Acquire(id)
	if id%2 == 1 {
		if id >= r.nextLocalID {
			r.nextLocalID = id + 2
		}
	} else if id > r.maxRemoteID {
		r.maxRemoteID = id
	}
	r.store.Set(id, s)
	return s, nil
}

func (r *registry) observeRemote(id uint32) {
	if id%2 == 0 && id > r.maxRemoteID {
		r.maxRemoteID = id
	}
}
