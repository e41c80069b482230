// Package demobackend is a minimal in-memory backend.Capabilities
// implementation. It exists purely to exercise the node I/O core
// end-to-end in tests and the example client (backend storage engines
// themselves are out of scope per spec.md §1/§9); it is not meant to be
// a production storage engine.
//
// Adapted from dKV's lib/store/lstore (the atomic write-index idiom) and
// lib/db/engines/maple (xsync.MapOf as the concurrent backing map),
// rekeyed from lstore's string keys to this core's opaque
// wire.ID-addressed byte values.
package demobackend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/elliptics-go/ionode/backend"
	"github.com/elliptics-go/ionode/wire"
	"github.com/puzpuzpuz/xsync/v3"
)

type entry struct {
	value []byte
	index uint64
}

// Backend is a process-local, non-persistent key-value store keyed by
// wire.ID, satisfying backend.Capabilities.
type Backend struct {
	dir  string
	data *xsync.MapOf[wire.ID, entry]
	idx  atomic.Uint64
}

// New creates an empty Backend. dir is only used for Dir()/diagnostics;
// nothing is written to disk.
func New(dir string) *Backend {
	return &Backend{
		dir:  dir,
		data: xsync.NewMapOf[wire.ID, entry](),
	}
}

func (b *Backend) nextIndex() uint64 { return b.idx.Add(1) }

// Handle implements the minimal subset of command semantics needed to
// exercise read/write/lookup/delete end to end: OpWrite stores the
// payload, OpRead/OpLookup read it back, OpDel removes it. Every other
// opcode (backendless commands, iteration, bulk ops) gets an empty ack —
// command semantics belong to the embedder (spec.md §1), this backend
// only needs to prove the pipeline moves bytes correctly.
func (b *Backend) Handle(_ context.Context, req backend.Request, reply backend.ReplyFunc) error {
	switch req.Header.Opcode {
	case wire.OpWrite:
		b.data.Store(req.Header.ID, entry{value: append([]byte(nil), req.Payload.Bytes...), index: b.nextIndex()})
		return reply(0, wire.FlagDestroy, backend.Payload{})
	case wire.OpRead, wire.OpLookup:
		e, ok := b.data.Load(req.Header.ID)
		if !ok {
			return reply(-2 /* -ENOENT */, wire.FlagDestroy, backend.Payload{})
		}
		return reply(0, wire.FlagDestroy, backend.Payload{Bytes: e.value})
	case wire.OpDel:
		b.data.Delete(req.Header.ID)
		return reply(0, wire.FlagDestroy, backend.Payload{})
	default:
		return reply(0, wire.FlagDestroy, backend.Payload{})
	}
}

// Iterator streams every stored (id, value) pair currently present; emit
// stops iteration early if it returns an error.
func (b *Backend) Iterator(_ context.Context, _ backend.Request, emit func(wire.ID, []byte) error) error {
	var iterErr error
	b.data.Range(func(id wire.ID, e entry) bool {
		if err := emit(id, e.value); err != nil {
			iterErr = err
			return false
		}
		return true
	})
	return iterErr
}

// DefragStart/Stop/Status are no-ops: there is no on-disk representation
// to compact.
func (b *Backend) DefragStart(backend.DefragLevel, string) error    { return nil }
func (b *Backend) DefragStop() error                                { return nil }
func (b *Backend) DefragStatus() (bool, backend.DefragLevel, error) { return false, 0, nil }

// InspectStart/Stop/Status are no-ops: there is nothing to scan.
func (b *Backend) InspectStart() error { return nil }
func (b *Backend) InspectStop() error  { return nil }
func (b *Backend) InspectStatus() (bool, backend.InspectState, error) {
	return false, backend.InspectStateIdle, nil
}

// Checksum writes a trivial length-based checksum into csum; this is a
// placeholder proving the call path, not a real integrity check.
func (b *Backend) Checksum(_ context.Context, id wire.ID, csum []byte) (int, error) {
	e, ok := b.data.Load(id)
	if !ok {
		return 0, fmt.Errorf("demobackend: checksum: %x not found", id.Key)
	}
	n := copy(csum, fmt.Sprintf("%d", len(e.value)))
	return n, nil
}

// Lookup reports existence, size, and a synthetic location token.
func (b *Backend) Lookup(_ context.Context, id wire.ID) (bool, uint64, string, error) {
	e, ok := b.data.Load(id)
	if !ok {
		return false, 0, "", nil
	}
	return true, uint64(len(e.value)), fmt.Sprintf("demobackend://%x@%d", id.Key, e.index), nil
}

// TotalElements reports the current key count.
func (b *Backend) TotalElements() uint64 {
	return uint64(b.data.Size())
}

// StorageStatJSON reports a small monitoring blob.
func (b *Backend) StorageStatJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"total_elements": b.TotalElements(),
		"dir":            b.dir,
	})
}

// Dir returns the configured root (diagnostic only; nothing is read or
// written there).
func (b *Backend) Dir() string { return b.dir }

// Cleanup drops every entry.
func (b *Backend) Cleanup() error {
	b.data.Clear()
	return nil
}
