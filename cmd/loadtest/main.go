// Command loadtest drives concurrent read/write traffic against a
// running ionode-serve instance to exercise spec.md §8 scenarios S3
// (backpressure under a saturated admission controller) and S5 (accept
// storm). It is a manual verification harness, not part of the
// automated test suite, shaped after the profile-driven load harness in
// the ironfang-ltd/go-theatre cmd/loadtest example.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elliptics-go/ionode/node"
	"github.com/elliptics-go/ionode/wire"
)

type profile struct {
	name       string
	clients    int
	duration   time.Duration
	writepct   int
	keyspace   int
	payloadLen int
}

var profiles = map[string]profile{
	"small": {
		name:       "small",
		clients:    16,
		duration:   10 * time.Second,
		writepct:   50,
		keyspace:   1_000,
		payloadLen: 64,
	},
	"medium": {
		name:       "medium",
		clients:    128,
		duration:   30 * time.Second,
		writepct:   50,
		keyspace:   50_000,
		payloadLen: 256,
	},
	"storm": {
		name:       "storm",
		clients:    2_000,
		duration:   15 * time.Second,
		writepct:   30,
		keyspace:   10_000,
		payloadLen: 32,
	},
}

type counters struct {
	ok       atomic.Int64
	failed   atomic.Int64
	timedOut atomic.Int64
}

func keyID(i int) wire.ID {
	var id wire.ID
	id.Key[0] = byte(i)
	id.Key[1] = byte(i >> 8)
	id.Key[2] = byte(i >> 16)
	return id
}

func worker(ctx context.Context, remote string, p profile, c *counters, stop <-chan struct{}) {
	cfg := node.DefaultConfig()
	cfg.NetThreadNum = 1
	n, err := node.New(cfg, nil)
	if err != nil {
		c.failed.Add(1)
		return
	}
	conn, err := n.AddRemote(remote, node.PeerClient)
	if err != nil {
		c.failed.Add(1)
		return
	}

	payload := make([]byte, p.payloadLen)
	for {
		select {
		case <-stop:
			return
		default:
		}

		op := wire.OpRead
		if rand.IntN(100) < p.writepct {
			op = wire.OpWrite
		}
		hdr := wire.Header{Opcode: op, ID: keyID(rand.IntN(p.keyspace))}

		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.WaitTimeout)*time.Second)
		done := make(chan struct{})
		err := n.IssueRequest(reqCtx, conn, hdr, payload, func(h wire.Header, _ []byte, destroy bool) {
			if destroy {
				close(done)
			}
		})
		if err != nil {
			c.failed.Add(1)
			cancel()
			continue
		}

		select {
		case <-done:
			c.ok.Add(1)
		case <-reqCtx.Done():
			c.timedOut.Add(1)
		}
		cancel()
	}
}

func main() {
	profileName := flag.String("profile", "small", "preset profile: small, medium, storm")
	remote := flag.String("remote", "127.0.0.1:1025", "ionode-serve endpoint")
	clientsFlag := flag.Int("clients", 0, "concurrent client count (overrides profile)")
	durationFlag := flag.Duration("duration", 0, "test duration (overrides profile)")
	flag.Parse()

	p, ok := profiles[*profileName]
	if !ok {
		fmt.Printf("unknown profile %q\n", *profileName)
		return
	}
	if *clientsFlag > 0 {
		p.clients = *clientsFlag
	}
	if *durationFlag > 0 {
		p.duration = *durationFlag
	}

	fmt.Printf("loadtest profile=%s clients=%d duration=%s remote=%s\n", p.name, p.clients, p.duration, *remote)

	ctx := context.Background()
	var c counters
	stop := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < p.clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, *remote, p, &c, stop)
		}()
	}

	start := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.After(p.duration)
loop:
	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(start).Seconds()
			fmt.Printf("t=%.0fs ok=%d failed=%d timedOut=%d rate=%.0f/s\n",
				elapsed, c.ok.Load(), c.failed.Load(), c.timedOut.Load(), float64(c.ok.Load())/elapsed)
		case <-deadline:
			break loop
		}
	}

	close(stop)
	wg.Wait()

	fmt.Printf("done: ok=%d failed=%d timedOut=%d\n", c.ok.Load(), c.failed.Load(), c.timedOut.Load())
}
