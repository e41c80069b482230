// Package admission implements the global admission controller: a
// watermark on aggregate queued work across every pool that gates
// whether reactor threads are allowed to service receive-readiness
// events, per spec.md §4.8. Grounded on original_source/library/pool.c's
// dnet_check_work_pool_place and the reactor-parking behavior around it.
package admission

import (
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("admission")

// Source reports the instantaneous queue size and worker count of one
// pool. Every pool.Pool satisfies this shape.
type Source interface {
	Len() int
	WorkerCount() int
}

// DefaultFactor is the multiplier in "queued_size <= worker_count *
// factor" from spec.md §4.8.
const DefaultFactor = 1000

// Controller tracks aggregate admission state across every registered
// pool and parks callers when the system is overloaded.
type Controller struct {
	Factor int

	mu      sync.Mutex
	sources []Source
	blocked bool
	waiters []chan struct{}

	lastSuspendLog time.Time

	queueDepthGauge *metrics.Gauge
	blockedTotal    *metrics.Counter
}

// New creates a Controller. factor defaults to DefaultFactor when <= 0.
func New(factor int) *Controller {
	if factor <= 0 {
		factor = DefaultFactor
	}
	c := &Controller{Factor: factor}
	c.queueDepthGauge = metrics.GetOrCreateGauge("ionode_admission_queue_depth", func() float64 {
		return float64(c.queueDepth())
	})
	c.blockedTotal = metrics.GetOrCreateCounter("ionode_admission_blocked_total")
	return c
}

// Register adds a pool to the aggregate accounted by Admit.
func (c *Controller) Register(s Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, s)
}

func (c *Controller) queueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, s := range c.sources {
		total += s.Len()
	}
	return total
}

func (c *Controller) workerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, s := range c.sources {
		total += s.WorkerCount()
	}
	return total
}

// Admit reports whether reactors may currently service receive-readiness
// events: queued_size <= worker_count * Factor (spec.md §4.8).
func (c *Controller) Admit() bool {
	depth := c.queueDepth()
	workers := c.workerCount()
	admitted := depth <= workers*c.Factor

	c.mu.Lock()
	wasBlocked := c.blocked
	c.blocked = !admitted
	if !wasBlocked && c.blocked {
		c.blockedTotal.Inc()
	}
	c.mu.Unlock()

	return admitted
}

// Blocked reports the last Admit() outcome without recomputing it.
func (c *Controller) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// NotifyProgress wakes every reactor currently parked in Wait. Call it
// whenever a worker completes a request or a send completes — the
// conditions under which admission may re-open, per spec.md §4.8.
func (c *Controller) NotifyProgress() {
	c.mu.Lock()
	woken := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range woken {
		close(w)
	}
}

// Wait parks the calling reactor until NotifyProgress wakes it or timeout
// elapses, logging at most once per second that it is suspended, per
// spec.md §4.4. Unlike a goroutine blocked in sync.Cond.Wait, a deadline
// that fires first leaves nothing parked behind: Wait itself removes its
// channel from c.waiters before returning, so a NotifyProgress that
// arrives after the timeout has nothing stale to close.
func (c *Controller) Wait(timeout time.Duration) {
	now := time.Now()
	c.mu.Lock()
	shouldLog := now.Sub(c.lastSuspendLog) >= time.Second
	if shouldLog {
		c.lastSuspendLog = now
	}
	woken := make(chan struct{})
	c.waiters = append(c.waiters, woken)
	c.mu.Unlock()

	if shouldLog {
		log.Warningf("admission: reactor suspended, queue_depth=%d workers=%d", c.queueDepth(), c.workerCount())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-woken:
	case <-timer.C:
		c.mu.Lock()
		for i, w := range c.waiters {
			if w == woken {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}
}
