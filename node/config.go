// Package node ties the reactor, dispatch table, admission controller,
// and connection registry into the single explicit value spec.md §9
// requires ("no ambient singletons other than the logger"); every other
// component receives this value or a narrow slice of it rather than
// reaching for a package-level global.
package node

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/elliptics-go/ionode/admission"
	"github.com/elliptics-go/ionode/conn"
)

// DefaultSweepInterval is the default cadence of the transaction-timeout
// sweep when Config.SweepInterval is zero.
const DefaultSweepInterval = time.Second

// Config holds every tunable spec.md names for the node I/O core,
// following dKV's rpc/common/config.go ServerConfig shape and String()
// pretty-printer idiom.
type Config struct {
	// Endpoint is the listen address, e.g. "0.0.0.0:1025".
	Endpoint string

	// NetThreadNum is the number of epoll reactor threads (spec.md §4.4).
	NetThreadNum int
	// IOThreadNum is the starting worker count of each backend's blocking
	// pool (spec.md §4.6).
	IOThreadNum int
	// NonblockingIOThreadNum is the starting worker count of each
	// backend's non-blocking pool.
	NonblockingIOThreadNum int

	// WaitTimeout is the per-transaction deadline in seconds (spec.md
	// §4.7's sweep horizon).
	WaitTimeout int
	// StallCount is the number of consecutive sweep cycles a transaction
	// may miss its deadline before being forcibly destroyed (reserved for
	// future stall-detection use; the current Sweep implementation
	// destroys on the first missed deadline).
	StallCount int
	// SweepInterval is how often the node walks every live connection's
	// transaction registry for expired entries (spec.md §4.7). Shorter
	// than WaitTimeout by at least an order of magnitude so a timeout
	// fires close to its deadline rather than one sweep cycle late;
	// DefaultSweepInterval if zero.
	SweepInterval time.Duration

	// SendLimit is the per-wake fairness cap on queued sends drained in
	// one pass (spec.md §4.3), conn.DefaultSendFairnessCap if zero.
	SendLimit int
	// SendWatermarkHigh/Low bound each connection's send queue: a producer
	// calling QueueSend at or above High parks until DrainSend brings the
	// queue down to Low (spec.md §4.3).
	SendWatermarkHigh int
	SendWatermarkLow  int

	// QueueLimit bounds each pool's queue (spec.md §4.6); 0 is unbounded.
	QueueLimit int
	// AdmissionFactor is the global watermark multiplier (spec.md §4.8).
	AdmissionFactor int

	// MaxPayloadSize bounds an accepted frame's body (spec.md §4.1).
	MaxPayloadSize uint64

	// LogLevel names the dragonboat/logger level ("DEBUG", "INFO", ...).
	LogLevel string

	// DisableRouteListOnStat resolves spec.md §9's open question on
	// single_node_stat/route-list suppression symmetry; see
	// SPEC_FULL.md §10.
	DisableRouteListOnStat bool
}

// DefaultConfig returns a Config with the defaults spec.md and its
// ambient additions name.
func DefaultConfig() Config {
	return Config{
		Endpoint:               "0.0.0.0:1025",
		NetThreadNum:           4,
		IOThreadNum:            4,
		NonblockingIOThreadNum: 2,
		WaitTimeout:            60,
		StallCount:             3,
		SweepInterval:          DefaultSweepInterval,
		SendLimit:              conn.DefaultSendFairnessCap,
		SendWatermarkHigh:      conn.DefaultSendWatermarkHigh,
		SendWatermarkLow:       conn.DefaultSendWatermarkLow,
		QueueLimit:             0,
		AdmissionFactor:        admission.DefaultFactor,
		MaxPayloadSize:         0, // 0 -> wire.DefaultMaxPayloadSize
		LogLevel:               "INFO",
	}
}

// String renders the configuration the way dKV's ServerConfig.String()
// does: sections of aligned "name: value" fields.
func (c Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-24s: %s\n", name, value))
	}

	addSection("Network")
	addField("Endpoint", c.Endpoint)
	addField("Net Threads", strconv.Itoa(c.NetThreadNum))

	addSection("Work Pools")
	addField("IO Threads (blocking)", strconv.Itoa(c.IOThreadNum))
	addField("IO Threads (non-blocking)", strconv.Itoa(c.NonblockingIOThreadNum))
	addField("Queue Limit", strconv.Itoa(c.QueueLimit))

	addSection("Transactions")
	addField("Wait Timeout (s)", strconv.Itoa(c.WaitTimeout))
	addField("Stall Count", strconv.Itoa(c.StallCount))
	addField("Sweep Interval", c.SweepInterval.String())

	addSection("Backpressure")
	addField("Send Limit", strconv.Itoa(c.SendLimit))
	addField("Send Watermark High", strconv.Itoa(c.SendWatermarkHigh))
	addField("Send Watermark Low", strconv.Itoa(c.SendWatermarkLow))
	addField("Admission Factor", strconv.Itoa(c.AdmissionFactor))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
