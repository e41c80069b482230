package wire

import (
	"bytes"
	"errors"
	"testing"
)

func sampleHeader() Header {
	var h Header
	copy(h.ID.Key[:], []byte("0123456789abcdef0123456789abcdef"))
	h.ID.GroupID = 7
	h.ID.Type = 1
	h.Opcode = OpRead
	h.Flags = FlagReply | FlagMore
	h.Status = -2
	h.TransID = 42
	h.TraceID = 0xdeadbeef
	h.BackendID = 3
	return h
}

func TestSerializeRoundtrip(t *testing.T) {
	t.Run("fixed payload", func(t *testing.T) {
		h := sampleHeader()
		payload := []byte("hello world")

		buf := Serialize(h, payload)

		got, consumed, err := TryParseHeader(buf, 0)
		if err != nil {
			t.Fatalf("TryParseHeader: %v", err)
		}
		if consumed != HeaderSize {
			t.Fatalf("consumed = %d, want %d", consumed, HeaderSize)
		}
		got.Size = h.Size // Size is recomputed by Serialize from payload length
		if got != h {
			t.Fatalf("header mismatch: got %+v, want %+v", got, h)
		}
		if !bytes.Equal(buf[HeaderSize:], payload) {
			t.Fatalf("payload mismatch")
		}
	})

	t.Run("empty payload", func(t *testing.T) {
		h := sampleHeader()
		h.Flags = FlagReply | FlagDestroy
		buf := Serialize(h, nil)
		if len(buf) != HeaderSize {
			t.Fatalf("len(buf) = %d, want %d", len(buf), HeaderSize)
		}
		got, _, err := TryParseHeader(buf, 0)
		if err != nil {
			t.Fatalf("TryParseHeader: %v", err)
		}
		if got.Size != 0 {
			t.Fatalf("Size = %d, want 0", got.Size)
		}
	})
}

func TestTryParseHeaderNeedMore(t *testing.T) {
	h := sampleHeader()
	buf := Serialize(h, []byte("payload"))

	for n := 0; n < HeaderSize; n++ {
		_, consumed, err := TryParseHeader(buf[:n], 0)
		if !errors.Is(err, ErrNeedMore) {
			t.Fatalf("at len %d: err = %v, want ErrNeedMore", n, err)
		}
		if consumed != 0 {
			t.Fatalf("at len %d: consumed = %d, want 0", n, consumed)
		}
	}
}

func TestTryParseHeaderInvalid(t *testing.T) {
	t.Run("reserved flag bits", func(t *testing.T) {
		h := sampleHeader()
		h.Flags = Flags(1) << 63 // well outside flagsKnown
		buf := Serialize(h, nil)
		_, _, err := TryParseHeader(buf, 0)
		if !errors.Is(err, ErrInvalidHeader) {
			t.Fatalf("err = %v, want ErrInvalidHeader", err)
		}
	})

	t.Run("oversized payload", func(t *testing.T) {
		h := sampleHeader()
		buf := Serialize(h, make([]byte, 100))
		_, _, err := TryParseHeader(buf, 10)
		if !errors.Is(err, ErrInvalidHeader) {
			t.Fatalf("err = %v, want ErrInvalidHeader", err)
		}
	})
}

func TestFlagsString(t *testing.T) {
	cases := []struct {
		f    Flags
		want string
	}{
		{0, "NONE"},
		{FlagReply, "REPLY"},
		{FlagReply | FlagMore, "REPLY|MORE"},
		{FlagReply | FlagDestroy, "REPLY|DESTROY"},
	}
	for _, c := range cases {
		if got := c.f.String(); got != c.want {
			t.Errorf("Flags(%d).String() = %q, want %q", c.f, got, c.want)
		}
	}
}

func TestIsBackendless(t *testing.T) {
	for _, op := range []Opcode{OpAuth, OpStatus, OpReverseLookup, OpJoin, OpRouteList, OpMonitor, OpBackendControl, OpBackendStatus, OpBulkRead, OpBulkWrite} {
		if !IsBackendless(op) {
			t.Errorf("IsBackendless(%v) = false, want true", op)
		}
	}
	for _, op := range []Opcode{OpRead, OpWrite, OpLookup, OpDel, OpIterator} {
		if IsBackendless(op) {
			t.Errorf("IsBackendless(%v) = true, want false", op)
		}
	}
}
