// Package dispatch resolves an incoming request to the pool.Pool that
// must run it and enqueues it there, generalizing dKV's rpc/server/
// server.go shard lookup (an xsync.MapOf keyed by shard id) from a single
// flat shard table into the two-level backend-id -> {blocking,
// non-blocking} place table spec.md §4.5 describes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/elliptics-go/ionode/backend"
	"github.com/elliptics-go/ionode/pool"
	"github.com/elliptics-go/ionode/wire"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("dispatch")

// ErrNoRoute is returned when a backend-addressed request cannot be
// resolved to a backend id (no RouteLookup is configured, or it found
// nothing). A resolved id with no registered Place, including a missing
// global place, yields ErrUnknownBackend instead.
var ErrNoRoute = errors.New("dispatch: no route for request")

// ErrUnknownBackend is returned when the resolved backend id has no
// registered Place.
var ErrUnknownBackend = errors.New("dispatch: unknown backend id")

// RouteLookup resolves which backend id should serve a key. It is the
// single out-of-scope collaborator spec.md §1 allows dispatch to depend
// on — ID hashing and route tables belong to the embedder.
type RouteLookup func(id wire.ID) (backendID int32, ok bool)

// Place pairs the two pools that serve one backend: Blocking for ordinary
// commands, NonBlocking for commands carrying wire.FlagNolock (typically
// recursive reverse commands issued from within another handler). Both
// fields are guarded by mu so a backend's pools can be hot-swapped (e.g.
// after a Grow or a backend restart) without tearing down the Table.
type Place struct {
	mu          sync.Mutex
	Backend     backend.Capabilities
	Blocking    *pool.Pool
	NonBlocking *pool.Pool
}

// Pools returns the current blocking pool, non-blocking pool, and backend
// for p, used by Dispatch's enqueue path and by the node's shutdown path
// to stop and clean up every pool it created.
func (p *Place) Pools() (*pool.Pool, *pool.Pool, backend.Capabilities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Blocking, p.NonBlocking, p.Backend
}

// SetPools atomically replaces a Place's pool pair, used when a backend's
// worker counts change at runtime (spec.md §4.6's Grow, applied per
// backend rather than just per pool).
func (p *Place) SetPools(blocking, nonBlocking *pool.Pool) {
	p.mu.Lock()
	p.Blocking, p.NonBlocking = blocking, nonBlocking
	p.mu.Unlock()
}

// globalBackendID is the key under which the two process-wide places for
// backendless commands are registered in Table, distinct from any real
// int32 backend id a RouteLookup could return (those are always >= 0 in
// this core's convention; spec.md leaves the exact numbering to the
// embedder, so a negative sentinel is used here).
const globalBackendID int32 = -1

// Table is the dispatcher's backend-id -> Place map, generalizing dKV's
// rpc/server/server.go shardMap (xsync.MapOf[uint64, serverShard]) from a
// flat shard id to a backend id, with a reserved globalBackendID entry
// for backend-less opcodes.
type Table struct {
	places *xsync.MapOf[int32, *Place]
	route  RouteLookup
}

// NewTable creates an empty dispatch table. route resolves backend-
// addressed requests that do not carry wire.FlagDirectBackend; it may be
// nil if the embedder only ever sets FlagDirectBackend explicitly.
func NewTable(route RouteLookup) *Table {
	return &Table{
		places: xsync.NewMapOf[int32, *Place](),
		route:  route,
	}
}

// Register installs or replaces the Place for backendID.
func (t *Table) Register(backendID int32, p *Place) {
	t.places.Store(backendID, p)
}

// RegisterGlobal installs the Place that serves every backendless opcode
// (spec.md §4.5: OpAuth, OpStatus, OpRouteList, ...).
func (t *Table) RegisterGlobal(p *Place) {
	t.places.Store(globalBackendID, p)
}

// Unregister removes a backend's Place, e.g. after DefragStop/Cleanup.
func (t *Table) Unregister(backendID int32) {
	t.places.Delete(backendID)
}

// Request is the unit dispatch routes: a parsed frame plus its payload,
// a reply callback bound to the originating connection, and an optional
// completion hook.
type Request struct {
	Header  wire.Header
	Payload backend.Payload
	Reply   backend.ReplyFunc
	Done    func()
}

// resolveBackendID applies spec.md §4.5's three-way rule: FlagDirectBackend
// uses Header.BackendID verbatim; a backendless opcode always uses the
// global place; everything else goes through RouteLookup.
func (t *Table) resolveBackendID(hdr wire.Header) (int32, error) {
	if hdr.Flags.Has(wire.FlagDirectBackend) {
		return hdr.BackendID, nil
	}
	if wire.IsBackendless(hdr.Opcode) {
		return globalBackendID, nil
	}
	if t.route == nil {
		return 0, fmt.Errorf("%w: opcode %s requires a backend lookup but none is configured", ErrNoRoute, hdr.Opcode)
	}
	id, ok := t.route(hdr.ID)
	if !ok {
		return 0, fmt.Errorf("%w: key has no route", ErrNoRoute)
	}
	return id, nil
}

// Dispatch resolves req's backend id, stamps it onto the header when it
// was not already explicit, and enqueues the work on the correct pool
// (Blocking, unless wire.FlagNolock selects NonBlocking). Lock order is
// place -> pool, never reversed, matching spec.md §5.
func (t *Table) Dispatch(ctx context.Context, req Request) error {
	backendID, err := t.resolveBackendID(req.Header)
	if err != nil {
		return err
	}
	req.Header.BackendID = backendID

	p, ok := t.places.Load(backendID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownBackend, backendID)
	}

	blocking, nonBlocking, be := p.Pools()
	target := blocking
	if req.Header.Flags.Has(wire.FlagNolock) && nonBlocking != nil {
		target = nonBlocking
	}
	if target == nil {
		return fmt.Errorf("dispatch: backend %d has no pool for this request class", backendID)
	}

	task := &pool.Task{
		Ctx:       ctx,
		Backend:   be,
		Request:   backend.Request{Header: req.Header, Payload: req.Payload},
		Reply:     req.Reply,
		TraceID:   req.Header.TraceID,
		BackendID: backendID,
		Done:      req.Done,
	}

	if err := target.Enqueue(task); err != nil {
		log.Warningf("dispatch: backend %d rejected trace=%d: %v", backendID, req.Header.TraceID, err)
		return err
	}
	return nil
}
