package txn

import (
	"testing"
	"time"

	"github.com/elliptics-go/ionode/wire"
)

func TestIssueAndMatchReply(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	var got []wire.Header
	e := &Entry{
		Issued:   now,
		Deadline: now.Add(time.Second),
		Complete: func(hdr wire.Header, _ []byte, destroy bool) {
			got = append(got, hdr)
		},
	}
	id := r.Issue(e)
	if id == 0 {
		t.Fatalf("Issue returned id 0")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	matched, ok := r.MatchReply(id, now.Add(time.Millisecond))
	if !ok || matched != e {
		t.Fatalf("MatchReply(%d) = (%v, %v), want (e, true)", id, matched, ok)
	}
	// still present in the id index
	if r.Len() != 1 {
		t.Fatalf("Len() after MatchReply = %d, want 1 (stays until Destroy)", r.Len())
	}

	entry, ok := r.Destroy(id)
	if !ok || entry != e {
		t.Fatalf("Destroy(%d) = (%v, %v), want (e, true)", id, entry, ok)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() after Destroy = %d, want 0", r.Len())
	}

	// destroying twice is a no-op
	if _, ok := r.Destroy(id); ok {
		t.Fatalf("Destroy(%d) second call returned ok=true", id)
	}
}

func TestMatchReplyStray(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.MatchReply(999, time.Now()); ok {
		t.Fatalf("MatchReply on unknown id returned ok=true")
	}
}

func TestSweepExpiresInDeadlineOrder(t *testing.T) {
	r := NewRegistry()
	base := time.Now()

	var completedOrder []uint64
	mk := func(dl time.Time) *Entry {
		e := &Entry{Deadline: dl}
		e.Complete = func(hdr wire.Header, _ []byte, destroy bool) {
			completedOrder = append(completedOrder, hdr.TransID)
		}
		return e
	}

	idLate := r.Issue(mk(base.Add(10 * time.Second)))
	idEarly := r.Issue(mk(base.Add(1 * time.Millisecond)))
	idMid := r.Issue(mk(base.Add(5 * time.Millisecond)))

	expired := r.Sweep(base.Add(6 * time.Millisecond))
	if len(expired) != 2 {
		t.Fatalf("Sweep returned %d entries, want 2", len(expired))
	}
	if expired[0].ID != idEarly || expired[1].ID != idMid {
		t.Fatalf("Sweep order = [%d, %d], want [%d, %d]", expired[0].ID, expired[1].ID, idEarly, idMid)
	}

	// the late one is still outstanding
	if r.Len() != 1 {
		t.Fatalf("Len() after partial sweep = %d, want 1", r.Len())
	}
	if _, ok := r.byID[idLate]; !ok {
		t.Fatalf("late entry missing from id index")
	}

	for _, e := range expired {
		e.Complete(wire.Header{TransID: e.ID, Flags: wire.FlagReply | wire.FlagDestroy}, nil, true)
	}
	if len(completedOrder) != 2 || completedOrder[0] != idEarly || completedOrder[1] != idMid {
		t.Fatalf("completedOrder = %v", completedOrder)
	}
}

func TestDestroyAll(t *testing.T) {
	r := NewRegistry()
	n := 5
	for i := 0; i < n; i++ {
		r.Issue(&Entry{Deadline: time.Now().Add(time.Duration(i) * time.Second)})
	}
	all := r.DestroyAll()
	if len(all) != n {
		t.Fatalf("DestroyAll returned %d entries, want %d", len(all), n)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() after DestroyAll = %d, want 0", r.Len())
	}
}

func TestAtMostOneTerminal(t *testing.T) {
	// property-style: Sweep reaps an expired entry and a later Destroy of
	// the same id must then fail; exactly one of {Destroy via caller,
	// Sweep} should ever observe the entry as present.
	r := NewRegistry()
	e := &Entry{Deadline: time.Now().Add(-time.Second)} // already expired
	id := r.Issue(e)

	expiredFromSweep := r.Sweep(time.Now())
	_, destroyOk := r.Destroy(id)

	if len(expiredFromSweep) != 1 {
		t.Fatalf("expected Sweep to reap the expired entry")
	}
	if destroyOk {
		t.Fatalf("Destroy should fail after Sweep already reaped id %d", id)
	}
}
