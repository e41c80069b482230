// Package conn implements per-connection state: the receive state machine
// that reassembles wire.Header-framed requests from a non-blocking
// socket, and a send queue with watermark-gated backpressure. It
// generalizes dKV's rpc/transport/base/server.go handleConnection (a
// blocking goroutine-per-connection reader with a connMutex-guarded
// writer) from a blocking read loop to reactor-driven readiness, and from
// the 20-byte shard/request frame in util.go to the full command header.
package conn

import (
	"container/list"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elliptics-go/ionode/txn"
	"github.com/elliptics-go/ionode/wire"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("conn")

// RecvState names where in the frame a Connection's receive side is
// positioned, per spec.md §4.2.
type RecvState int

const (
	ExpectHeader RecvState = iota
	ExpectBody
)

// Role distinguishes a connection accepted from a peer (frames route
// through the dispatch table) from a connection this node opened to a
// remote (frames are replies, matched against the local transaction
// registry instead). Needed because both directions share the same
// reactor-driven receive/send machinery.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Default watermarks, named after original_source/include/elliptics/
// interface.h's DNET_SEND_WATERMARK_LOW/HIGH constants.
const (
	DefaultSendWatermarkLow  = 512
	DefaultSendWatermarkHigh = 1024
	DefaultSendFairnessCap   = 64
)

// ErrClosed is returned by operations attempted on a connection already
// marked for exit.
var ErrClosed = errors.New("conn: connection closed")

// Connection owns one peer socket's receive/send state machines, its
// transaction registry, and a reference count. New starts the count at one
// and the final Unref closes the socket; in-flight workers and the
// transaction sweeper use the Connection without taking a reference of
// their own.
type Connection struct {
	Raw   net.Conn
	Trace uint64
	Txns  *txn.Registry
	Role  Role

	SendWatermarkLow  int
	SendWatermarkHigh int
	SendFairnessCap   int
	MaxPayloadSize    uint64

	refs     atomic.Int32
	needExit atomic.Pointer[error]

	recvMu     sync.Mutex
	recvState  RecvState
	recvBuf    []byte
	recvHeader wire.Header

	sendMu      sync.Mutex
	sendCond    *sync.Cond
	sendQueue   *list.List
	sendQueued  int
	sendHighHit bool

	writeHook atomic.Pointer[func(bool)]
}

// New wraps raw in a Connection with one reference held by the caller
// (typically the reactor, immediately after accept).
func New(raw net.Conn) *Connection {
	c := &Connection{
		Raw:               raw,
		Txns:              txn.NewRegistry(),
		SendWatermarkLow:  DefaultSendWatermarkLow,
		SendWatermarkHigh: DefaultSendWatermarkHigh,
		SendFairnessCap:   DefaultSendFairnessCap,
		MaxPayloadSize:    wire.DefaultMaxPayloadSize,
		sendQueue:         list.New(),
	}
	c.sendCond = sync.NewCond(&c.sendMu)
	c.refs.Store(1)
	return c
}

// Ref increments the reference count; callers must pair with Unref.
func (c *Connection) Ref() {
	c.refs.Add(1)
}

// Unref decrements the reference count and closes the underlying socket
// on the final release, outside any lock, per spec.md §3's "destruction
// happens outside any lock on the final decrement".
func (c *Connection) Unref() {
	if c.refs.Add(-1) == 0 {
		c.Raw.Close()
	}
}

// MarkExit records the first error that should tear this connection down
// and wakes any sender parked on the watermark. Idempotent: only the
// first call's error sticks.
func (c *Connection) MarkExit(err error) {
	c.needExit.CompareAndSwap(nil, &err)
	c.sendMu.Lock()
	c.sendCond.Broadcast()
	c.sendMu.Unlock()
}

// ExitError reports the error MarkExit was first called with, or nil.
func (c *Connection) ExitError() error {
	p := c.needExit.Load()
	if p == nil {
		return nil
	}
	return *p
}

// FeedReceive is called by the reactor with newly-readable bytes. It
// drives the ExpectHeader/ExpectBody state machine to completion over as
// many full frames as buf contains, invoking onFrame once per frame in
// arrival order; onFrame must not retain payload past its call (the
// caller reuses the slice for the next partial read). Every byte of buf is
// taken into the connection's assembly buffer, so the returned count is
// always len(buf); a trailing partial frame is carried internally for the
// next call, mirroring "loop until EAGAIN" (spec.md §4.2).
func (c *Connection) FeedReceive(buf []byte, onFrame func(wire.Header, []byte)) (int, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	c.recvBuf = append(c.recvBuf, buf...)
	consumedTotal := len(buf)

	for {
		switch c.recvState {
		case ExpectHeader:
			hdr, n, err := wire.TryParseHeader(c.recvBuf, c.MaxPayloadSize)
			if errors.Is(err, wire.ErrNeedMore) {
				return consumedTotal, nil
			}
			if err != nil {
				return consumedTotal, err
			}
			c.recvHeader = hdr
			c.recvBuf = c.recvBuf[n:]
			c.recvState = ExpectBody
		case ExpectBody:
			need := int(c.recvHeader.Size)
			if len(c.recvBuf) < need {
				return consumedTotal, nil
			}
			payload := c.recvBuf[:need]
			c.recvBuf = c.recvBuf[need:]
			c.recvState = ExpectHeader
			onFrame(c.recvHeader, payload)
		}
	}
}

// QueueSend enqueues a framed reply/request for sending and reports
// whether the queue has crossed SendWatermarkHigh — the caller (reactor)
// should stop accepting new receive-side work on this connection until a
// later QueueSend/drain call reports the queue has fallen back to
// SendWatermarkLow, per spec.md §4.3. A producer that calls QueueSend
// while the queue already sits at or above SendWatermarkHigh parks on
// sendCond until DrainSend reports the low watermark or the connection
// exits, so backpressure propagates to whoever is feeding this
// connection instead of growing the queue without bound.
func (c *Connection) QueueSend(frame []byte) (overHighWatermark bool, err error) {
	if ee := c.ExitError(); ee != nil {
		return false, fmt.Errorf("%w: %v", ErrClosed, ee)
	}

	c.sendMu.Lock()
	for c.sendQueued >= c.SendWatermarkHigh {
		if ee := c.ExitError(); ee != nil {
			c.sendMu.Unlock()
			return false, fmt.Errorf("%w: %v", ErrClosed, ee)
		}
		c.sendCond.Wait()
	}
	if ee := c.ExitError(); ee != nil {
		c.sendMu.Unlock()
		return false, fmt.Errorf("%w: %v", ErrClosed, ee)
	}
	wasEmpty := c.sendQueued == 0
	c.sendQueue.PushBack(frame)
	c.sendQueued++
	over := c.sendQueued >= c.SendWatermarkHigh
	if over {
		c.sendHighHit = true
	}
	c.sendCond.Signal()
	c.sendMu.Unlock()

	if wasEmpty {
		c.callWritableHook(true)
	}
	return over, nil
}

// DrainSend writes up to SendFairnessCap queued frames to the socket in
// one pass (the fairness cap from spec.md §4.3, preventing one connection
// with a deep backlog from starving every other reactor-serviced
// connection in the same wake). It reports whether the queue has fallen
// back to SendWatermarkLow, so the reactor can resume receive servicing
// for this connection.
func (c *Connection) DrainSend() (drainedBelowLowWatermark bool, err error) {
	c.sendMu.Lock()
	var batch net.Buffers
	for i := 0; i < c.SendFairnessCap && c.sendQueue.Len() > 0; i++ {
		e := c.sendQueue.Front()
		c.sendQueue.Remove(e)
		batch = append(batch, e.Value.([]byte))
	}
	remaining := c.sendQueued - len(batch)
	c.sendMu.Unlock()

	if len(batch) > 0 {
		if _, werr := batch.WriteTo(c.Raw); werr != nil {
			c.MarkExit(werr)
			return false, werr
		}
	}

	c.sendMu.Lock()
	c.sendQueued = remaining
	belowLow := c.sendHighHit && c.sendQueued <= c.SendWatermarkLow
	if belowLow {
		c.sendHighHit = false
		c.sendCond.Broadcast()
	}
	c.sendMu.Unlock()

	// Edge-triggered EPOLLOUT fires once per writable transition, so the
	// reactor's write interest must be explicitly re-armed here rather
	// than left statically registered (spec.md §4.3): disarm once the
	// queue is empty, or "bounce" the interest (re-issue EPOLL_CTL_MOD)
	// when a backlog remains so the next epoll_wait sees a fresh edge
	// even though the socket was already writable at this call.
	c.callWritableHook(remaining > 0)
	return belowLow, nil
}

// WaitSendDrained parks until the send queue empties or timeout elapses,
// reporting whether the queue was empty when it returned. It wakes on
// sendCond broadcasts (the low-watermark crossing, MarkExit) and at the
// timeout; Node.Shutdown does not call it.
func (c *Connection) WaitSendDrained(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for c.sendQueue.Len() > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(remaining, func() {
			c.sendMu.Lock()
			c.sendCond.Broadcast()
			c.sendMu.Unlock()
		})
		c.sendCond.Wait()
		timer.Stop()
	}
	return true
}

// SetWritableHook installs the callback the reactor uses to manage this
// connection's EPOLLOUT interest dynamically (spec.md §4.3). fn is
// called with arm=true when a producer enqueues onto an empty queue or
// DrainSend leaves frames still queued, and arm=false when DrainSend
// empties the queue. Always invoked outside sendMu, so the reactor's
// epoll_ctl call never nests under this connection's send lock. A
// Connection with no hook installed (e.g. in tests that drive QueueSend/
// DrainSend directly, without a reactor.Thread) simply skips the call.
func (c *Connection) SetWritableHook(fn func(bool)) {
	c.writeHook.Store(&fn)
}

func (c *Connection) callWritableHook(arm bool) {
	if p := c.writeHook.Load(); p != nil {
		(*p)(arm)
	}
}

// PendingSendLen reports the current queue depth, used for admission
// accounting and tests.
func (c *Connection) PendingSendLen() int {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sendQueued
}

// Reset tears down every outstanding transaction on this connection with
// StatusReset (spec.md §4.9's connection-reset path), invoking each
// entry's Complete callback, then marks the connection for exit.
func (c *Connection) Reset(cause error) {
	entries := c.Txns.DestroyAll()
	for _, e := range entries {
		hdr := wire.Header{TransID: e.ID, Flags: wire.FlagReply | wire.FlagDestroy, Status: int32(txn.StatusReset)}
		e.Complete(hdr, nil, true)
	}
	c.MarkExit(cause)
	log.Infof("conn: reset trace=%d cause=%v, destroyed %d outstanding txns", c.Trace, cause, len(entries))
}
