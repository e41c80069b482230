package node

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elliptics-go/ionode/backend"
	"github.com/elliptics-go/ionode/conn"
	"github.com/elliptics-go/ionode/pool"
	"github.com/elliptics-go/ionode/txn"
	"github.com/elliptics-go/ionode/wire"
)

type echoBackend struct{}

func (echoBackend) Handle(_ context.Context, req backend.Request, reply backend.ReplyFunc) error {
	return reply(0, wire.FlagDestroy, req.Payload)
}
func (echoBackend) Iterator(context.Context, backend.Request, func(wire.ID, []byte) error) error {
	return nil
}
func (echoBackend) DefragStart(backend.DefragLevel, string) error    { return nil }
func (echoBackend) DefragStop() error                                { return nil }
func (echoBackend) DefragStatus() (bool, backend.DefragLevel, error) { return false, 0, nil }
func (echoBackend) InspectStart() error                              { return nil }
func (echoBackend) InspectStop() error                               { return nil }
func (echoBackend) InspectStatus() (bool, backend.InspectState, error) {
	return false, backend.InspectStateIdle, nil
}
func (echoBackend) Checksum(context.Context, wire.ID, []byte) (int, error) {
	return 0, nil
}
func (echoBackend) Lookup(context.Context, wire.ID) (bool, uint64, string, error) {
	return false, 0, "", nil
}
func (echoBackend) TotalElements() uint64            { return 0 }
func (echoBackend) StorageStatJSON() ([]byte, error) { return nil, nil }
func (echoBackend) Dir() string                      { return "" }
func (echoBackend) Cleanup() error                   { return nil }

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding a free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestNodeAcceptServesARequest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint = freeTCPAddr(t)
	cfg.NetThreadNum = 1
	cfg.IOThreadNum = 1
	cfg.NonblockingIOThreadNum = 1

	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.RegisterGlobalBackend(echoBackend{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := n.Accept(); err != nil {
			t.Errorf("Accept: %v", err)
		}
	}()
	defer func() {
		n.Shutdown()
		wg.Wait()
	}()

	// give Accept time to bind and start the reactor pool
	time.Sleep(50 * time.Millisecond)

	client, err := net.Dial("tcp", cfg.Endpoint)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	hdr := wire.Header{Opcode: wire.OpStatus, TransID: 1}
	frame := wire.Serialize(hdr, []byte("ping"))
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	rn, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	replyHdr, consumed, err := wire.TryParseHeader(buf[:rn], 0)
	if err != nil {
		t.Fatalf("TryParseHeader: %v", err)
	}
	if !replyHdr.Flags.Has(wire.FlagReply) {
		t.Fatalf("reply missing FlagReply: %+v", replyHdr)
	}
	if string(buf[consumed:rn]) != "ping" {
		t.Fatalf("payload = %q, want %q", buf[consumed:rn], "ping")
	}
}

func TestSweepOnceCompletesExpiredTransactionsWithTimeout(t *testing.T) {
	cfg := DefaultConfig()
	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		close(n.sweepStop)
		<-n.sweepDone
	}()

	server, client := net.Pipe()
	defer client.Close()
	c := conn.New(server)
	n.byFD.Store(1, c)

	var destroyed bool
	var status int32
	done := make(chan struct{})
	c.Txns.Issue(&txn.Entry{
		Deadline: time.Now().Add(-time.Second),
		Complete: func(hdr wire.Header, _ []byte, destroy bool) {
			destroyed = destroy
			status = hdr.Status
			close(done)
		},
	})

	n.sweepOnce()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweep did not complete the expired transaction")
	}
	if !destroyed {
		t.Fatalf("sweep did not mark the transaction destroyed")
	}
	if status != int32(txn.StatusTimeout) {
		t.Fatalf("status = %d, want StatusTimeout(%d)", status, txn.StatusTimeout)
	}
}

func TestShutdownStopsBackendPoolsAndCleansUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint = freeTCPAddr(t)
	cfg.NetThreadNum = 1
	cfg.IOThreadNum = 1
	cfg.NonblockingIOThreadNum = 1

	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var cleaned bool
	be := &cleanupTrackingBackend{echoBackend: echoBackend{}, cleaned: &cleaned}
	n.RegisterGlobalBackend(be)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := n.Accept(); err != nil {
			t.Errorf("Accept: %v", err)
		}
	}()
	time.Sleep(50 * time.Millisecond)

	n.Shutdown()
	wg.Wait()

	if !cleaned {
		t.Fatalf("Shutdown did not call Backend.Cleanup")
	}

	n.placesMu.Lock()
	places := n.places
	n.placesMu.Unlock()
	for _, p := range places {
		blocking, nonBlocking, _ := p.Pools()
		if err := blocking.Enqueue(&pool.Task{}); !errors.Is(err, pool.ErrShutdown) {
			t.Fatalf("blocking pool not shut down: Enqueue err = %v, want ErrShutdown", err)
		}
		if err := nonBlocking.Enqueue(&pool.Task{}); !errors.Is(err, pool.ErrShutdown) {
			t.Fatalf("non-blocking pool not shut down: Enqueue err = %v, want ErrShutdown", err)
		}
	}
}

type cleanupTrackingBackend struct {
	echoBackend
	cleaned *bool
}

func (b *cleanupTrackingBackend) Cleanup() error {
	*b.cleaned = true
	return nil
}

func TestConfigStringIncludesKeyFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint = "127.0.0.1:1025"
	s := cfg.String()
	for _, want := range []string{"127.0.0.1:1025", "Net Threads", "Admission Factor"} {
		if !strings.Contains(s, want) {
			t.Fatalf("String() missing %q:\n%s", want, s)
		}
	}
}
