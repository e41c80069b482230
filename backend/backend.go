// Package backend specifies the contract the node I/O core requires from
// a storage engine. The core never implements these methods itself — per
// spec.md §1, backend storage engines are an external collaborator whose
// internals (blob stores, iterators, defragmentation) are out of scope.
// This package only fixes the shape dispatch/pool/conn route against.
package backend

import (
	"context"

	"github.com/elliptics-go/ionode/wire"
)

// Request is what a work-pool worker hands to a backend's CommandHandler.
// It is the same data dispatch routed on, re-exposed without a dependency
// on package conn (which in turn depends on dispatch) to avoid an import
// cycle: conn owns Request, backend only needs to read it.
type Request struct {
	Header  wire.Header
	Payload Payload
}

// Payload is a tagged union: a command's body is either an in-memory byte
// slice or a reference to a file-backed region intended for a zero-copy
// send path. See SPEC_FULL.md §10 for why this replaces a raw fd field.
type Payload struct {
	Bytes  []byte
	Region *FileRegion
}

// FileRegion names a byte range of an open file. The reactor's reply path
// serializes only Payload.Bytes; a Region set on a reply is not written to
// the wire.
type FileRegion struct {
	FD     uintptr
	Offset int64
	Len    int64
}

// ReplyFunc is how a CommandHandler sends zero or more reply frames for a
// request. The final call in a transaction's lifetime must set
// wire.FlagDestroy; no call may follow it. See txn.Registry for the
// matching consumer side of this contract.
type ReplyFunc func(status int32, flags wire.Flags, payload Payload) error

// CommandHandler processes one Request and sends any replies through
// reply. A non-nil return aborts the transaction with that error; the
// pool worker translates it into a final FlagDestroy reply with a
// negative-errno status, mirroring original_source's "status is a
// negative errno on reply" convention (spec.md §6).
type CommandHandler func(ctx context.Context, req Request, reply ReplyFunc) error

// DefragLevel selects how aggressively Defrag compacts backend storage.
type DefragLevel int

const (
	DefragLevelNone DefragLevel = iota
	DefragLevelSoft
	DefragLevelFull
)

// InspectState reports what an in-progress or most recently finished
// inspect pass found, named after
// original_source/include/elliptics/interface.h's
// dnet_backend_inspect_state_string(uint32_t state).
type InspectState int

const (
	InspectStateIdle InspectState = iota
	InspectStateRunning
	InspectStateCorrupted
)

// String renders state the way dnet_backend_inspect_state_string does
// for its C callers.
func (s InspectState) String() string {
	switch s {
	case InspectStateIdle:
		return "idle"
	case InspectStateRunning:
		return "running"
	case InspectStateCorrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

// Capabilities is the full out-of-scope backend capability set named in
// spec.md §9: "{command_handler, iterator, defrag_{start,stop,status},
// inspect_*, checksum, lookup, total_elements, storage_stat_json, dir,
// cleanup}". Distinct storage engines are distinct implementations of
// this interface; the core is parameterized over it and never branches
// on which engine is plugged in.
type Capabilities interface {
	// Handle processes one command. See CommandHandler.
	Handle(ctx context.Context, req Request, reply ReplyFunc) error

	// Iterator streams (id, data) pairs matching an iteration request;
	// semantics (range, flags) belong entirely to the backend.
	Iterator(ctx context.Context, req Request, emit func(id wire.ID, data []byte) error) error

	// DefragStart/Stop/Status control and report on background
	// compaction; backend-specific, opaque to the core.
	DefragStart(level DefragLevel, chunksDir string) error
	DefragStop() error
	DefragStatus() (running bool, level DefragLevel, err error)

	// InspectStart/Stop/Status control and report on a backend's online
	// consistency check (original_source/include/elliptics/interface.h's
	// inspect_start/inspect_stop/inspect_status trio), mirroring the
	// Defrag shape: a second, independent background pass a backend may
	// run over its own data, opaque to the core.
	InspectStart() error
	InspectStop() error
	InspectStatus() (running bool, state InspectState, err error)

	// Checksum computes and writes up to len(csum) bytes of checksum for
	// id into csum, returning the number of bytes written.
	Checksum(ctx context.Context, id wire.ID, csum []byte) (n int, err error)

	// Lookup reports whether id exists and, if so, its size and a
	// backend-specific opaque location token (e.g. blob file + offset),
	// used to answer OpLookup without a full read.
	Lookup(ctx context.Context, id wire.ID) (exists bool, size uint64, location string, err error)

	// TotalElements reports an approximate count of stored objects, used
	// for OpStatus/OpMonitor responses.
	TotalElements() uint64

	// StorageStatJSON returns a backend-defined JSON blob for monitoring.
	StorageStatJSON() ([]byte, error)

	// Dir returns the backend's on-disk root, for diagnostics.
	Dir() string

	// Cleanup releases all backend resources; called once during node
	// shutdown after every work-pool touching this backend has joined.
	Cleanup() error
}
