// Package userlock provides the process-local per-user mutex spec.md §5
// calls for around order placement: a fixed-width striped lock so
// concurrent requests for different users never contend on one mutex,
// while requests for the same user always hash to the same stripe.
// Grounded on internal/quote.Store's fnv-sharding technique, narrowed
// from a data shard to a plain mutex stripe.
package userlock

import (
	"hash/fnv"
	"sync"

	"fxengine/internal/domain"
)

const stripes = 256

// Striped is a fixed-size array of mutexes indexed by a hash of the
// lock key, so a per-user critical section never blocks unrelated users.
type Striped struct {
	mus [stripes]sync.Mutex
}

func New() *Striped { return &Striped{} }

func (s *Striped) indexFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % stripes
}

// Lock acquires the stripe for (userType, userID) and returns the
// release function; callers must defer the returned func.
func (s *Striped) Lock(userType domain.UserType, userID string) func() {
	key := domain.UserTag(userType, userID)
	m := &s.mus[s.indexFor(key)]
	m.Lock()
	return m.Unlock
}
