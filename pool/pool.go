// Package pool implements the work-pool scheduler: a set of worker
// goroutines draining a bounded or unbounded queue under one of three
// service disciplines, adapted from dKV's lib/db/util/lockfreempsc.go
// (condition-variable-gated consumer loop) and from the lifecycle shape
// of original_source/library/pool.c's dnet_work_pool_* family.
package pool

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/elliptics-go/ionode/backend"
	"github.com/elliptics-go/ionode/wire"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("pool")

// Discipline selects how a Pool orders pending Tasks.
type Discipline int

const (
	// Blocking is strict FIFO, used for commands that may block on
	// storage (reads, writes, lookups against a backend).
	Blocking Discipline = iota
	// NonBlocking is strict FIFO for commands that must not block
	// (recursive reverse commands issued from within a blocking
	// handler), reducing deadlock risk.
	NonBlocking
	// LIFO is the non-blocking reverse discipline, favoring the freshest
	// recursive work over older queued work.
	LIFO
)

// ErrOverloaded is returned by Enqueue when the pool's bounded queue is
// already at QueueLimit. The caller (dispatch) must surface a transient
// error to the peer rather than block.
var ErrOverloaded = errors.New("pool: overloaded")

// ErrShutdown is returned by Enqueue after Shutdown has been called.
var ErrShutdown = errors.New("pool: shut down")

// Task is one unit of work handed from the dispatcher to a Pool. It is
// exclusively owned by whichever component currently holds it; a
// successful Enqueue transfers ownership to the pool.
type Task struct {
	Ctx       context.Context
	Backend   backend.Capabilities
	Request   backend.Request
	Reply     backend.ReplyFunc
	Enqueued  time.Time
	TraceID   uint64
	BackendID int32

	// Done, if non-nil, is invoked after the backend handler returns
	// (including on panic recovery). The admission controller learns of
	// completions through Pool.OnTaskDone, not through this field.
	Done func()
}

// Pool is a set of worker goroutines draining one queue under one
// Discipline. One Pool exists per (backend, class) plus two process-wide
// global pools for backend-less commands (spec.md §3).
type Pool struct {
	ID         string
	Discipline Discipline
	QueueLimit int // 0 means unbounded

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*Task
	shutdown bool
	workers  []*worker

	onTaskDone func() // admission controller hook; optional
}

type worker struct {
	joined bool
}

// New creates a Pool with n initial workers.
func New(id string, discipline Discipline, queueLimit, n int) *Pool {
	p := &Pool{
		ID:         id,
		Discipline: discipline,
		QueueLimit: queueLimit,
	}
	p.cond = sync.NewCond(&p.mu)
	p.Grow(n)
	return p
}

// OnTaskDone registers a callback invoked after every task completes
// (success or error), used by admission.Controller.NotifyProgress.
func (p *Pool) OnTaskDone(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTaskDone = fn
}

// Grow adds n workers under the pool's lock, per spec.md §4.6.
func (p *Pool) Grow(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		w := &worker{}
		p.workers = append(p.workers, w)
		go p.runWorker(w)
	}
}

// Len reports the current queue depth (for admission accounting).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// WorkerCount reports the number of workers ever started (joined or not),
// matching spec.md §4.8's "worker_count" term in the admission formula.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Enqueue pushes t according to the pool's discipline. It fails fast with
// ErrOverloaded when QueueLimit > 0 and the queue is already at capacity,
// and with ErrShutdown once the pool has been told to stop.
func (p *Pool) Enqueue(t *Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return ErrShutdown
	}
	if p.QueueLimit > 0 && len(p.queue) >= p.QueueLimit {
		return ErrOverloaded
	}

	t.Enqueued = time.Now()
	p.queue = append(p.queue, t)
	p.cond.Signal()
	return nil
}

// popLocked removes and returns the next task per discipline. Caller
// holds p.mu.
func (p *Pool) popLocked() *Task {
	n := len(p.queue)
	if n == 0 {
		return nil
	}
	var t *Task
	switch p.Discipline {
	case LIFO:
		t = p.queue[n-1]
		p.queue[n-1] = nil
		p.queue = p.queue[:n-1]
	default: // Blocking, NonBlocking: strict FIFO
		t = p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
	}
	return t
}

func (p *Pool) runWorker(w *worker) {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.shutdown {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.shutdown {
			w.joined = true
			p.mu.Unlock()
			return
		}
		t := p.popLocked()
		onDone := p.onTaskDone
		p.mu.Unlock()

		p.runTask(t)
		if onDone != nil {
			onDone()
		}
		if t.Done != nil {
			t.Done()
		}
	}
}

func (p *Pool) runTask(t *Task) {
	waited := time.Since(t.Enqueued)
	log.Debugf("pool %s: task trace=%d backend=%d waited=%s", p.ID, t.TraceID, t.BackendID, waited)

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("pool %s: task panicked: %v", p.ID, r)
		}
	}()

	if err := t.Backend.Handle(t.Ctx, t.Request, t.Reply); err != nil {
		log.Errorf("pool %s: handler error trace=%d: %v", p.ID, t.TraceID, err)
		if t.Reply != nil {
			status := -int32(syscall.EIO)
			var errno syscall.Errno
			if errors.As(err, &errno) {
				status = -int32(errno)
			}
			if rerr := t.Reply(status, wire.FlagDestroy, backend.Payload{}); rerr != nil {
				log.Errorf("pool %s: error reply trace=%d: %v", p.ID, t.TraceID, rerr)
			}
		}
	}
}

// Shutdown sets the exit flag, wakes every worker, and joins all of them.
// It is safe to call more than once; each worker's joined flag (spec.md
// §4.6) makes the wake-and-join idempotent under partial failures.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.cond.Broadcast()
	p.mu.Unlock()

	for {
		p.mu.Lock()
		allJoined := true
		for _, w := range p.workers {
			if !w.joined {
				allJoined = false
				break
			}
		}
		p.mu.Unlock()
		if allJoined {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
