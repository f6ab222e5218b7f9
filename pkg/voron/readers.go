// pkg/voron/readers.go
package voron

import (
	"context"
	"sync"
	"sync/atomic"

	"voron/pkg/pager"
)

// readerRegistry tracks the snapshots pinned by open read transactions.
//
// A reader enters with the id of the last committed transaction it can
// see. Page versions and retired pages written before the oldest active
// snapshot are unreachable and can be reclaimed by the pager.
type readerRegistry struct {
	readers sync.Map // reader id -> *readerState
	nextID  uint64
}

type readerState struct {
	snapshot uint64
}

// readerGuard is held by one read transaction.
type readerGuard struct {
	registry *readerRegistry
	id       uint64
	snapshot uint64
	left     atomic.Bool
}

// enter registers a reader of snapshot.
func (r *readerRegistry) enter(snapshot uint64) *readerGuard {
	id := atomic.AddUint64(&r.nextID, 1)
	r.readers.Store(id, &readerState{snapshot: snapshot})
	return &readerGuard{registry: r, id: id, snapshot: snapshot}
}

// leave unregisters the reader. It reports false when already left.
func (g *readerGuard) leave() bool {
	if g == nil || !g.left.CompareAndSwap(false, true) {
		return false
	}
	g.registry.readers.Delete(g.id)
	return true
}

// oldest returns the smallest pinned snapshot, or pager.NoReaders.
func (r *readerRegistry) oldest() uint64 {
	oldest := pager.NoReaders
	r.readers.Range(func(_, value any) bool {
		if s := value.(*readerState).snapshot; s < oldest {
			oldest = s
		}
		return true
	})
	return oldest
}

// count returns the number of active readers.
func (r *readerRegistry) count() int {
	n := 0
	r.readers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// writerGate admits one write transaction at a time.
type writerGate chan struct{}

func newWriterGate() writerGate {
	return make(writerGate, 1)
}

// tryAcquire takes the slot without waiting.
func (g writerGate) tryAcquire() bool {
	select {
	case g <- struct{}{}:
		return true
	default:
		return false
	}
}

// acquire waits for the slot until ctx is done.
func (g writerGate) acquire(ctx context.Context) error {
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g writerGate) release() {
	<-g
}
