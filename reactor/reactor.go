// Package reactor implements the epoll-driven reactor threads: the part
// of the node I/O core with no analogue in dKV's goroutine-per-connection
// transport (rpc/transport/base/server.go spawns one goroutine per
// accepted connection and blocks on Read). This package instead follows
// original_source/library/pool.c's dnet_io_process: a fixed set of
// threads, each owning one epoll instance, a growable event buffer, and a
// per-wake Fisher-Yates shuffle of ready events before dispatch.
package reactor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/elliptics-go/ionode/admission"
	"github.com/elliptics-go/ionode/backend"
	"github.com/elliptics-go/ionode/conn"
	"github.com/elliptics-go/ionode/dispatch"
	"github.com/elliptics-go/ionode/pool"
	"github.com/elliptics-go/ionode/wire"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sys/unix"
)

var log = logger.GetLogger("reactor")

const (
	initialEventBuf = 64
	maxEventBuf     = 8192
	admissionWait   = time.Second
)

// StatusOverloaded is the reply status synthesized for a request that a
// saturated pool queue rejected (spec.md §4.6/§7's Admission failure
// class): a retriable failure distinguished from a connection reset, on
// a par with the negative-errno convention the rest of the wire protocol
// uses for status.
var StatusOverloaded = -int32(unix.EAGAIN)

// Registrar is the single callback a Thread needs from the connection
// lifecycle manager to learn which *conn.Connection a ready fd belongs
// to, keeping package reactor from importing package node (node imports
// reactor, not the reverse).
type Registrar interface {
	Lookup(fd int) (*conn.Connection, bool)
	Forget(fd int)
}

// Thread is one reactor goroutine: one epoll fd, its own growable event
// buffer, and a shared Registrar/Dispatcher/Controller.
type Thread struct {
	id         int
	epfd       int
	events     []unix.EpollEvent
	registrar  Registrar
	dispatcher *dispatch.Table
	admission  *admission.Controller

	stop chan struct{}
	done chan struct{}

	readBuf []byte
}

// NewThread creates one reactor thread with its own epoll instance.
func NewThread(id int, registrar Registrar, table *dispatch.Table, ctrl *admission.Controller) (*Thread, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Thread{
		id:         id,
		epfd:       epfd,
		events:     make([]unix.EpollEvent, initialEventBuf),
		registrar:  registrar,
		dispatcher: table,
		admission:  ctrl,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		readBuf:    make([]byte, 64*1024),
	}, nil
}

// Register adds fd to this thread's epoll set, edge-triggered (spec.md
// §4.2's "loop-until-EAGAIN" contract requires edge-triggered
// readiness). Only EPOLLIN is armed initially: EPOLLOUT is managed
// dynamically through the connection's writable hook (see
// setWriteInterest) rather than left statically registered, because
// under EPOLLET a write-ready event fires only on the transition to
// writable — registering it once up front delivers exactly one edge,
// right after Register, and any reply a worker queues afterward would
// never produce another (spec.md §4.3; grounded on
// _examples/IBM-objcache/internal/transport.go's managed-EPOLLOUT
// pattern).
func (t *Thread) Register(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(t.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	if c, ok := t.registrar.Lookup(fd); ok {
		c.SetWritableHook(func(arm bool) {
			if err := t.setWriteInterest(fd, arm); err != nil {
				log.Warningf("reactor %d: setWriteInterest fd=%d arm=%v: %v", t.id, fd, arm, err)
			}
		})
	}
	return nil
}

// setWriteInterest arms or disarms EPOLLOUT on fd via EPOLL_CTL_MOD. It
// is the dynamic counterpart to the static registration Register used to
// do before this became producer-driven: conn.Connection calls it
// (through the hook Register installs) whenever QueueSend enqueues onto
// an empty queue or DrainSend leaves a backlog behind, and whenever
// DrainSend empties the queue.
func (t *Thread) setWriteInterest(fd int, arm bool) error {
	events := uint32(unix.EPOLLIN | unix.EPOLLET)
	if arm {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(t.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Unregister removes fd from this thread's epoll set.
func (t *Thread) Unregister(fd int) error {
	return unix.EpollCtl(t.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run drives the epoll_wait loop until Stop is called. It is meant to be
// launched in its own goroutine by the caller (one per configured
// NetThreadNum, spec.md §4.4).
func (t *Thread) Run() {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		n, err := unix.EpollWait(t.epfd, t.events, 100 /* ms */)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			log.Errorf("reactor %d: epoll_wait: %v", t.id, err)
			continue
		}
		if n == 0 {
			continue
		}

		if n == len(t.events) && len(t.events) < maxEventBuf {
			t.events = make([]unix.EpollEvent, len(t.events)*2)
		}

		ready := append([]unix.EpollEvent(nil), t.events[:n]...)
		shuffleEvents(ready)

		for _, ev := range ready {
			t.service(ev)
		}
	}
}

// shuffleEvents performs an in-place Fisher-Yates shuffle of a wake's
// ready-event list, grounded line-for-line on
// original_source/library/pool.c's dnet_shuffle_epoll_events: without
// this, connections earlier in epoll's internal ordering would
// systematically win priority under sustained load, starving the rest.
func shuffleEvents(events []unix.EpollEvent) {
	for i := len(events) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		events[i], events[j] = events[j], events[i]
	}
}

func (t *Thread) service(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	c, ok := t.registrar.Lookup(fd)
	if !ok {
		return
	}

	if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		c.Reset(unix.ECONNRESET)
		t.registrar.Forget(fd)
		t.Unregister(fd)
		return
	}

	// Send-ready work is always serviced, admitted or not (spec.md §4.4:
	// "a send-ready event is always serviced").
	if ev.Events&unix.EPOLLOUT != 0 {
		if _, err := c.DrainSend(); err != nil {
			c.Reset(err)
			t.registrar.Forget(fd)
			t.Unregister(fd)
			return
		}
	}

	if ev.Events&unix.EPOLLIN == 0 {
		return
	}

	if !t.admission.Admit() {
		t.admission.Wait(admissionWait)
		return
	}
	t.serviceReceive(fd, c)
}

// serviceReceive reads from fd until EAGAIN, feeding every complete frame
// to the dispatcher, per spec.md §4.2.
func (t *Thread) serviceReceive(fd int, c *conn.Connection) {
	for {
		n, err := unix.Read(fd, t.readBuf)
		if n > 0 {
			_, ferr := c.FeedReceive(t.readBuf[:n], func(hdr wire.Header, payload []byte) {
				body := append([]byte(nil), payload...)
				if c.Role == conn.RoleClient {
					t.completeClientReply(c, hdr, body)
					return
				}
				if err := t.dispatch(c, hdr, body); err != nil {
					if errors.Is(err, pool.ErrOverloaded) {
						t.replyOverloaded(c, hdr)
					} else {
						log.Warningf("reactor %d: dispatch trace=%d: %v", t.id, hdr.TraceID, err)
					}
				}
			})
			if ferr != nil {
				c.Reset(ferr)
				t.registrar.Forget(fd)
				t.Unregister(fd)
				return
			}
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			c.Reset(err)
			t.registrar.Forget(fd)
			t.Unregister(fd)
			return
		}
		if n == 0 {
			c.Reset(errClosedByPeer)
			t.registrar.Forget(fd)
			t.Unregister(fd)
			return
		}
	}
}

var errClosedByPeer = errors.New("reactor: connection closed by peer")

// completeClientReply matches an inbound frame on an outbound (client
// role) connection against its transaction registry and invokes the
// waiting completion, per spec.md §4.2's reply-path demux but mirrored
// for the side that issued the request instead of served it.
func (t *Thread) completeClientReply(c *conn.Connection, hdr wire.Header, payload []byte) {
	if hdr.Flags.Has(wire.FlagDestroy) {
		e, ok := c.Txns.Destroy(hdr.TransID)
		if !ok {
			log.Warningf("reactor %d: stray reply trans=%d (already destroyed or unknown)", t.id, hdr.TransID)
			return
		}
		e.Complete(hdr, payload, true)
		return
	}
	e, ok := c.Txns.MatchReply(hdr.TransID, time.Now())
	if !ok {
		log.Warningf("reactor %d: stray reply trans=%d", t.id, hdr.TransID)
		return
	}
	e.Complete(hdr, payload, false)
}

// dispatch builds the reply closure (a frame serialized straight onto
// c's send queue) and hands the request to the dispatch table.
func (t *Thread) dispatch(c *conn.Connection, hdr wire.Header, payload []byte) error {
	reply := func(status int32, flags wire.Flags, p backend.Payload) error {
		replyHdr := hdr
		replyHdr.Flags = flags | wire.FlagReply
		replyHdr.Status = status
		frame := wire.Serialize(replyHdr, p.Bytes)
		_, err := c.QueueSend(frame)
		return err
	}

	return t.dispatcher.Dispatch(context.Background(), dispatch.Request{
		Header:  hdr,
		Payload: backend.Payload{Bytes: payload},
		Reply:   reply,
	})
}

// replyOverloaded synthesizes a retriable failure reply for a request
// the dispatcher's target pool rejected outright (pool.ErrOverloaded):
// the peer gets a distinguished status, not a reset, so a transaction
// the peer is still tracking completes instead of hanging until its own
// timeout (spec.md §4.6/§7).
func (t *Thread) replyOverloaded(c *conn.Connection, hdr wire.Header) {
	replyHdr := hdr
	replyHdr.Flags = wire.FlagReply | wire.FlagDestroy
	replyHdr.Status = StatusOverloaded
	frame := wire.Serialize(replyHdr, nil)
	if _, err := c.QueueSend(frame); err != nil {
		log.Warningf("reactor %d: overload reply trace=%d: %v", t.id, hdr.TraceID, err)
	}
}

// Stop signals Run to exit and waits for it to return.
func (t *Thread) Stop() {
	close(t.stop)
	<-t.done
	unix.Close(t.epfd)
}

// Pool is the set of reactor threads spec.md §4.4 calls NetThreadNum;
// Start launches Run on each, Stop joins all of them.
type Pool struct {
	threads []*Thread
	wg      sync.WaitGroup
}

// NewPool creates n reactor threads sharing registrar/table/ctrl.
func NewPool(n int, registrar Registrar, table *dispatch.Table, ctrl *admission.Controller) (*Pool, error) {
	p := &Pool{}
	for i := 0; i < n; i++ {
		th, err := NewThread(i, registrar, table, ctrl)
		if err != nil {
			// The threads built so far were never started, so Stop would
			// wait forever on their done channels; release their epoll fds
			// directly instead.
			for _, built := range p.threads {
				unix.Close(built.epfd)
			}
			return nil, err
		}
		p.threads = append(p.threads, th)
	}
	return p, nil
}

// Start launches every thread's Run loop.
func (p *Pool) Start() {
	for _, th := range p.threads {
		p.wg.Add(1)
		go func(th *Thread) {
			defer p.wg.Done()
			th.Run()
		}(th)
	}
}

// Stop stops every thread and waits for all of them to exit.
func (p *Pool) Stop() {
	for _, th := range p.threads {
		th.Stop()
	}
	p.wg.Wait()
}

// Register adds fd to one thread, chosen by fd modulo the thread count, so
// one connection is always serviced by the same thread (spec.md §4.4's
// per-connection thread affinity).
func (p *Pool) Register(fd int) error {
	if len(p.threads) == 0 {
		return errors.New("reactor: no threads configured")
	}
	th := p.threads[fd%len(p.threads)]
	return th.Register(fd)
}
