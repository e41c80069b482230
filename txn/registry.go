// Package txn implements the per-connection transaction registry: an
// id-indexed map of outstanding requests plus a deadline-ordered index
// used for timeout sweeps, adapted from dKV's lib/db/util/mapheap.go
// (there a GC priority queue; here a timeout priority queue with the
// same heap+map shape).
package txn

import (
	"container/heap"
	"sync"
	"time"

	"github.com/elliptics-go/ionode/wire"
	"golang.org/x/sys/unix"
)

// Status is the terminal status delivered to Complete when a transaction
// is torn down without a real backend reply (timeout, connection reset).
type Status int32

const (
	StatusOK Status = 0

	// StatusTimeout is the negative-errno reply status synthesized for a
	// transaction the deadline sweep tore down (spec.md §8 S2), on the
	// same convention as reactor.StatusOverloaded's -EAGAIN.
	StatusTimeout Status = -Status(unix.ETIMEDOUT)

	StatusReset    Status = -2
	StatusShutdown Status = -3
)

// Complete is invoked once per reply frame, and exactly once with
// destroy=true to terminate the transaction (spec.md invariant 3: "at
// most one terminal"). hdr carries the frame's flags/status as observed
// (or synthesized, for timeout/reset); payload is nil for a pure ack.
type Complete func(hdr wire.Header, payload []byte, destroy bool)

// Entry is one outstanding transaction. The Conn field is a back-only
// reference (never reference-counts the connection) per spec.md §9's
// cyclic-reference resolution.
type Entry struct {
	ID       uint64
	Conn     interface{} // *conn.Connection; interface{} to avoid an import cycle
	Complete Complete
	Issued   time.Time
	Deadline time.Time

	inHeap    bool
	heapIndex int
}

// Registry is the per-connection transaction table: an id index for reply
// demultiplexing, and a deadline-ordered heap for timeout sweeps.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]*Entry
	timers dlineHeap
}

// NewRegistry creates an empty transaction registry for one connection.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[uint64]*Entry),
	}
}

// Issue assigns the next transaction id, stores e under it, and inserts e
// into both the id index and the deadline index. The caller must not
// reuse e afterward except through the Registry.
func (r *Registry) Issue(e *Entry) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	e.ID = r.nextID
	e.heapIndex = -1
	r.byID[e.ID] = e
	heap.Push(&r.timers, e)
	return e.ID
}

// MatchReply looks up id for the non-terminal reply path: if found, its
// Issued timestamp is refreshed to now and it is removed from the timer index
// (but stays in the id index until Destroy). Returns false if id is a
// stray — the caller should drop the frame with a warning per spec §4.2.
func (r *Registry) MatchReply(id uint64, now time.Time) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	e.Issued = now
	if e.inHeap {
		heap.Remove(&r.timers, e.heapIndex)
		e.inHeap = false
	}
	return e, true
}

// Destroy removes id from both indices and returns the entry so the
// caller can invoke its Complete callback with destroy=true. Returns
// false if id is unknown (already destroyed, or never issued).
func (r *Registry) Destroy(id uint64) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyLocked(id)
}

func (r *Registry) destroyLocked(id uint64) (*Entry, bool) {
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	if e.inHeap {
		heap.Remove(&r.timers, e.heapIndex)
		e.inHeap = false
	}
	return e, true
}

// Sweep walks the deadline index from the earliest deadline and destroys
// every entry whose deadline has passed, returning them so the caller can
// synthesize a StatusTimeout reply for each (spec §4.7's sweep
// operation). Entries are removed from both indices before being
// returned, so a concurrent MatchReply/Destroy for the same id cannot
// race with the synthesized timeout.
func (r *Registry) Sweep(now time.Time) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*Entry
	for r.timers.Len() > 0 {
		e := r.timers[0]
		if e.Deadline.After(now) {
			break
		}
		heap.Pop(&r.timers)
		e.inHeap = false
		delete(r.byID, e.ID)
		expired = append(expired, e)
	}
	return expired
}

// DestroyAll removes every remaining transaction (both indices) and
// returns them, for use by connection reset/node shutdown, which must
// complete every outstanding transaction with an error (spec §4.9).
func (r *Registry) DestroyAll() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*Entry, 0, len(r.byID))
	for _, e := range r.byID {
		all = append(all, e)
	}
	r.byID = make(map[uint64]*Entry)
	r.timers = r.timers[:0]
	return all
}

// Len reports the number of outstanding (not-yet-destroyed) transactions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// dlineHeap is a container/heap of *Entry ordered by Deadline, the
// deadline-index counterpart of dKV's mapheap.go item slice.
type dlineHeap []*Entry

func (h dlineHeap) Len() int            { return len(h) }
func (h dlineHeap) Less(i, j int) bool  { return h[i].Deadline.Before(h[j].Deadline) }
func (h dlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *dlineHeap) Push(x interface{}) {
	e := x.(*Entry)
	e.heapIndex = len(*h)
	e.inHeap = true
	*h = append(*h, e)
}

func (h *dlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}
