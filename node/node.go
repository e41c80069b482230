package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/elliptics-go/ionode/admission"
	"github.com/elliptics-go/ionode/backend"
	"github.com/elliptics-go/ionode/conn"
	"github.com/elliptics-go/ionode/dispatch"
	"github.com/elliptics-go/ionode/pool"
	"github.com/elliptics-go/ionode/reactor"
	"github.com/elliptics-go/ionode/txn"
	"github.com/elliptics-go/ionode/wire"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("node")

// PeerKind distinguishes a joined-cluster peer from a plain client
// connection in the reconnect set, a distinction original_source's
// pool.c reset path makes but spec.md §4.9 only mentions in passing.
type PeerKind int

const (
	PeerJoined PeerKind = iota
	PeerClient
)

type peerEntry struct {
	addr string
	kind PeerKind
}

// Node is the single explicit value owning every subcomponent spec.md's
// I/O core needs: the reactor threads, dispatch table, admission
// controller, and the registry of live connections. No package besides
// the logger keeps process-wide state (spec.md §9).
type Node struct {
	cfg Config

	admission *admission.Controller
	dispatch  *dispatch.Table
	reactors  *reactor.Pool

	listener net.Listener

	byFD  *xsync.MapOf[int, *conn.Connection]
	peers sync.Map // addr string -> peerEntry

	placesMu sync.Mutex
	places   []*dispatch.Place

	sweepStop chan struct{}
	sweepDone chan struct{}

	mu       sync.Mutex
	shutdown bool
}

// syscallConner is satisfied by *net.TCPConn (and any other connection
// type exposing its raw fd), used so fdOf does not hard-code *net.TCPConn
// and can accept test doubles backed by other fd-based net.Conn types.
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// fdOf extracts the raw file descriptor backing c so it can be
// registered with epoll; returns an error for connection types that are
// not fd-backed (e.g. in-memory test doubles like net.Pipe).
func fdOf(c net.Conn) (int, error) {
	sc, ok := c.(syscallConner)
	if !ok {
		return -1, fmt.Errorf("node: connection type %T has no usable fd", c)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	cerr := raw.Control(func(p uintptr) { fd = int(p) })
	if cerr != nil {
		return -1, cerr
	}
	return fd, nil
}

// New constructs a Node from cfg and route, wiring admission, dispatch,
// and the reactor pool, unwinding anything already started if a later
// step fails (reverse-order unwind per spec.md §7: reactors before
// admission/allocation are undone in the opposite order they were
// brought up).
func New(cfg Config, route dispatch.RouteLookup) (*Node, error) {
	n := &Node{
		cfg:       cfg,
		admission: admission.New(cfg.AdmissionFactor),
		dispatch:  dispatch.NewTable(route),
		byFD:      xsync.NewMapOf[int, *conn.Connection](),
	}

	reactors, err := reactor.NewPool(cfg.NetThreadNum, n, n.dispatch, n.admission)
	if err != nil {
		return nil, fmt.Errorf("node: starting reactors: %w", err)
	}
	n.reactors = reactors

	n.sweepStop = make(chan struct{})
	n.sweepDone = make(chan struct{})
	go n.runSweeper()

	return n, nil
}

// runSweeper drives the transaction-timeout sweep (spec.md §4.7): every
// SweepInterval it walks every live connection's registry and completes
// whatever Sweep reports expired with StatusTimeout, mirroring the
// StatusReset synthesis Connection.Reset already does for the teardown
// path.
func (n *Node) runSweeper() {
	defer close(n.sweepDone)

	interval := n.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.sweepStop:
			return
		case <-ticker.C:
			n.sweepOnce()
		}
	}
}

func (n *Node) sweepOnce() {
	now := time.Now()
	n.byFD.Range(func(_ int, c *conn.Connection) bool {
		expired := c.Txns.Sweep(now)
		for _, e := range expired {
			hdr := wire.Header{TransID: e.ID, Flags: wire.FlagReply | wire.FlagDestroy, Status: int32(txn.StatusTimeout)}
			e.Complete(hdr, nil, true)
		}
		return true
	})
}

// Lookup implements reactor.Registrar.
func (n *Node) Lookup(fd int) (*conn.Connection, bool) {
	return n.byFD.Load(fd)
}

// Forget implements reactor.Registrar.
func (n *Node) Forget(fd int) {
	n.byFD.Delete(fd)
}

// RegisterBackend creates the blocking/non-blocking pool pair for
// backendID and registers be to serve it, sizing the pools from cfg and
// wiring both into the admission controller's aggregate accounting
// (spec.md §4.8) and hooking each pool's task completion to the
// controller's NotifyProgress (spec.md §4.8's "worker completion"
// progress signal).
func (n *Node) RegisterBackend(backendID int32, be backend.Capabilities) *dispatch.Place {
	return n.registerPlace(backendID, be, false)
}

// RegisterGlobalBackend registers the single place serving every
// backendless opcode (spec.md §4.5).
func (n *Node) RegisterGlobalBackend(be backend.Capabilities) *dispatch.Place {
	return n.registerPlace(0, be, true)
}

func (n *Node) registerPlace(backendID int32, be backend.Capabilities, global bool) *dispatch.Place {
	blocking := pool.New(fmt.Sprintf("backend-%d-blocking", backendID), pool.Blocking, n.cfg.QueueLimit, n.cfg.IOThreadNum)
	nonBlocking := pool.New(fmt.Sprintf("backend-%d-nonblocking", backendID), pool.NonBlocking, n.cfg.QueueLimit, n.cfg.NonblockingIOThreadNum)

	blocking.OnTaskDone(n.admission.NotifyProgress)
	nonBlocking.OnTaskDone(n.admission.NotifyProgress)
	n.admission.Register(blocking)
	n.admission.Register(nonBlocking)

	place := &dispatch.Place{Backend: be}
	place.SetPools(blocking, nonBlocking)

	if global {
		n.dispatch.RegisterGlobal(place)
	} else {
		n.dispatch.Register(backendID, place)
	}

	n.placesMu.Lock()
	n.places = append(n.places, place)
	n.placesMu.Unlock()

	return place
}

// Accept starts listening on cfg.Endpoint and starts the reactor pool.
// It blocks accepting connections until Shutdown is called, mirroring
// spec.md §4.9's accept-loop lifecycle operation.
func (n *Node) Accept() error {
	ln, err := net.Listen("tcp", n.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("node: listen: %w", err)
	}
	n.listener = ln
	n.reactors.Start()

	log.Infof("node: listening on %s", n.cfg.Endpoint)
	for {
		c, err := ln.Accept()
		if err != nil {
			n.mu.Lock()
			shuttingDown := n.shutdown
			n.mu.Unlock()
			if shuttingDown {
				return nil
			}
			log.Errorf("node: accept: %v", err)
			continue
		}
		if err := n.adopt(c, conn.RoleServer); err != nil {
			log.Errorf("node: adopting accepted connection: %v", err)
			c.Close()
		}
	}
}

func (n *Node) adopt(raw net.Conn, role conn.Role) error {
	fd, err := fdOf(raw)
	if err != nil {
		return err
	}
	c := conn.New(raw)
	c.Role = role
	c.SendWatermarkHigh = n.cfg.SendWatermarkHigh
	c.SendWatermarkLow = n.cfg.SendWatermarkLow
	if n.cfg.SendLimit > 0 {
		c.SendFairnessCap = n.cfg.SendLimit
	}
	if n.cfg.MaxPayloadSize > 0 {
		c.MaxPayloadSize = n.cfg.MaxPayloadSize
	}

	n.byFD.Store(fd, c)
	if err := n.reactors.Register(fd); err != nil {
		n.byFD.Delete(fd)
		return err
	}
	return nil
}

// AddRemote opens an outbound connection to addr and registers it as a
// client-role connection so replies are matched against its transaction
// registry rather than dispatched. kind records whether addr is a
// joined-cluster peer or a plain client, for the reconnect set.
func (n *Node) AddRemote(addr string, kind PeerKind) (*conn.Connection, error) {
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("node: dialing %s: %w", addr, err)
	}
	if err := n.adopt(raw, conn.RoleClient); err != nil {
		raw.Close()
		return nil, err
	}
	n.peers.Store(addr, peerEntry{addr: addr, kind: kind})

	fd, err := fdOf(raw)
	if err != nil {
		return nil, err
	}
	c, _ := n.byFD.Load(fd)
	return c, nil
}

// IssueRequest sends hdr+payload on c and invokes onReply once per frame
// of the response (non-blocking: IssueRequest returns as soon as the
// frame is queued, per spec.md's completion-based client contract).
// onReply's destroy argument is true exactly once, on the terminal frame,
// mirroring txn.Registry's at-most-one-terminal invariant.
func (n *Node) IssueRequest(ctx context.Context, c *conn.Connection, hdr wire.Header, payload []byte, onReply func(wire.Header, []byte, bool)) error {
	if c.Role != conn.RoleClient {
		return errors.New("node: IssueRequest requires a client-role connection")
	}

	deadline := time.Now().Add(time.Duration(n.cfg.WaitTimeout) * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	id := c.Txns.Issue(&txn.Entry{
		Conn:     c,
		Deadline: deadline,
		Complete: func(h wire.Header, p []byte, destroy bool) { onReply(h, p, destroy) },
	})
	hdr.TransID = id

	frame := wire.Serialize(hdr, payload)
	_, err := c.QueueSend(frame)
	if err != nil {
		c.Txns.Destroy(id)
		return err
	}
	return nil
}

// Reset tears down one connection's outstanding transactions and closes
// it (spec.md §4.9's reset lifecycle operation).
func (n *Node) Reset(fd int, cause error) {
	c, ok := n.byFD.Load(fd)
	if !ok {
		return
	}
	n.byFD.Delete(fd)
	c.Reset(cause)
	c.Unref()
}

// Shutdown stops accepting new connections, resets every live connection,
// joins the reactor pool, then stops and cleans up every backend's work
// pools, unwinding in the reverse of the startup order from spec.md §7
// (acceptor -> reactors -> non-blocking pool -> blocking pool -> backend
// cleanup -> sweeper). Each Place's pools are stopped and joined before
// its backend's Cleanup runs, per backend.Capabilities.Cleanup's
// documented contract.
func (n *Node) Shutdown() {
	n.mu.Lock()
	n.shutdown = true
	n.mu.Unlock()

	if n.listener != nil {
		n.listener.Close()
	}

	n.byFD.Range(func(fd int, c *conn.Connection) bool {
		c.Reset(errNodeShutdown)
		return true
	})

	n.reactors.Stop()

	n.placesMu.Lock()
	places := append([]*dispatch.Place(nil), n.places...)
	n.placesMu.Unlock()

	for _, p := range places {
		blocking, nonBlocking, be := p.Pools()
		if nonBlocking != nil {
			nonBlocking.Shutdown()
		}
		if blocking != nil {
			blocking.Shutdown()
		}
		if be != nil {
			if err := be.Cleanup(); err != nil {
				log.Errorf("node: backend cleanup: %v", err)
			}
		}
	}

	close(n.sweepStop)
	<-n.sweepDone
}

var errNodeShutdown = errors.New("node: shutting down")
