package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/elliptics-go/ionode/backend"
	"github.com/elliptics-go/ionode/pool"
	"github.com/elliptics-go/ionode/wire"
)

type recordingBackend struct {
	mu    sync.Mutex
	calls []uint64
}

func (b *recordingBackend) Handle(_ context.Context, req backend.Request, _ backend.ReplyFunc) error {
	b.mu.Lock()
	b.calls = append(b.calls, req.Header.TransID)
	b.mu.Unlock()
	return nil
}
func (*recordingBackend) Iterator(context.Context, backend.Request, func(wire.ID, []byte) error) error {
	return nil
}
func (*recordingBackend) DefragStart(backend.DefragLevel, string) error    { return nil }
func (*recordingBackend) DefragStop() error                                { return nil }
func (*recordingBackend) DefragStatus() (bool, backend.DefragLevel, error) { return false, 0, nil }
func (*recordingBackend) InspectStart() error                              { return nil }
func (*recordingBackend) InspectStop() error                               { return nil }
func (*recordingBackend) InspectStatus() (bool, backend.InspectState, error) {
	return false, backend.InspectStateIdle, nil
}
func (*recordingBackend) Checksum(context.Context, wire.ID, []byte) (int, error) {
	return 0, nil
}
func (*recordingBackend) Lookup(context.Context, wire.ID) (bool, uint64, string, error) {
	return false, 0, "", nil
}
func (*recordingBackend) TotalElements() uint64            { return 0 }
func (*recordingBackend) StorageStatJSON() ([]byte, error) { return nil, nil }
func (*recordingBackend) Dir() string                      { return "" }
func (*recordingBackend) Cleanup() error                   { return nil }

func newPlace(be backend.Capabilities) *Place {
	p := &Place{Backend: be}
	p.SetPools(pool.New("blocking", pool.Blocking, 0, 1), pool.New("nonblocking", pool.NonBlocking, 0, 1))
	return p
}

func TestDispatchRouteLookup(t *testing.T) {
	be := &recordingBackend{}
	table := NewTable(func(id wire.ID) (int32, bool) {
		if id.GroupID == 7 {
			return 42, true
		}
		return 0, false
	})
	table.Register(42, newPlace(be))

	var wg sync.WaitGroup
	wg.Add(1)
	hdr := wire.Header{Opcode: wire.OpRead, TransID: 1}
	hdr.ID.GroupID = 7
	err := table.Dispatch(context.Background(), Request{Header: hdr, Done: wg.Done})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	wg.Wait()

	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.calls) != 1 || be.calls[0] != 1 {
		t.Fatalf("calls = %v, want [1]", be.calls)
	}
}

func TestDispatchNoRoute(t *testing.T) {
	table := NewTable(func(wire.ID) (int32, bool) { return 0, false })
	hdr := wire.Header{Opcode: wire.OpWrite}
	err := table.Dispatch(context.Background(), Request{Header: hdr})
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("err = %v, want ErrNoRoute", err)
	}
}

func TestDispatchDirectBackendBypassesRoute(t *testing.T) {
	be := &recordingBackend{}
	table := NewTable(nil)
	table.Register(9, newPlace(be))

	var wg sync.WaitGroup
	wg.Add(1)
	hdr := wire.Header{Opcode: wire.OpRead, Flags: wire.FlagDirectBackend, BackendID: 9, TransID: 5}
	err := table.Dispatch(context.Background(), Request{Header: hdr, Done: wg.Done})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	wg.Wait()

	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.calls) != 1 || be.calls[0] != 5 {
		t.Fatalf("calls = %v, want [5]", be.calls)
	}
}

func TestDispatchBackendlessUsesGlobalPlace(t *testing.T) {
	be := &recordingBackend{}
	table := NewTable(nil)
	table.RegisterGlobal(newPlace(be))

	var wg sync.WaitGroup
	wg.Add(1)
	hdr := wire.Header{Opcode: wire.OpStatus, TransID: 3}
	err := table.Dispatch(context.Background(), Request{Header: hdr, Done: wg.Done})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	wg.Wait()

	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.calls) != 1 || be.calls[0] != 3 {
		t.Fatalf("calls = %v, want [3]", be.calls)
	}
}

func TestDispatchUnknownBackend(t *testing.T) {
	table := NewTable(func(wire.ID) (int32, bool) { return 123, true })
	hdr := wire.Header{Opcode: wire.OpRead}
	err := table.Dispatch(context.Background(), Request{Header: hdr})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("err = %v, want ErrUnknownBackend", err)
	}
}

func TestDispatchNolockSelectsNonBlockingPool(t *testing.T) {
	be := &recordingBackend{}
	table := NewTable(nil)
	// the blocking pool has no workers, so a task routed there would stay
	// queued and show up in its Len
	blocking := pool.New("blocking", pool.Blocking, 0, 0)
	place := &Place{Backend: be}
	place.SetPools(blocking, pool.New("nonblocking", pool.NonBlocking, 0, 1))
	table.Register(1, place)

	var wg sync.WaitGroup
	wg.Add(1)
	hdr := wire.Header{Opcode: wire.OpRead, Flags: wire.FlagDirectBackend | wire.FlagNolock, BackendID: 1, TransID: 11}
	if err := table.Dispatch(context.Background(), Request{Header: hdr, Done: wg.Done}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n := blocking.Len(); n != 0 {
		t.Fatalf("blocking pool Len() = %d, want 0: FlagNolock request went to the blocking pool", n)
	}
	wg.Wait()
}
