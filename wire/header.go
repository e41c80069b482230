// Package wire implements the fixed command header used by the node I/O
// core's wire protocol: parsing, serialization and the flag/opcode
// vocabulary that the dispatcher and connection state machines route on.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ID identifies the object a command addresses: an opaque key plus the
// routing group and reserved column type.
type ID struct {
	Key     [64]byte
	GroupID uint32
	Type    uint32
}

// HeaderSize is the on-wire size of a Header in bytes.
const HeaderSize = 64 + 4 + 4 /* ID */ + 4 /* Opcode */ + 8 /* Flags */ + 4 /* Status */ + 8 /* Size */ + 8 /* TransID */ + 8 /* TraceID */ + 4 /* BackendID */

// Header is the fixed-size record that precedes every frame's optional
// payload. Multi-byte integers are little-endian on the wire; in memory
// the struct uses host-native field order and widths.
type Header struct {
	ID        ID
	Opcode    Opcode
	Flags     Flags
	Status    int32
	Size      uint64
	TransID   uint64
	TraceID   uint64
	BackendID int32
}

// DefaultMaxPayloadSize bounds Header.Size; larger values are rejected by
// TryParseHeader as a protocol error. Configurable per node.
const DefaultMaxPayloadSize = 4 << 30 // 4 GiB

var (
	// ErrNeedMore is returned by TryParseHeader when buf does not yet
	// contain a full header; the caller should read more bytes and retry.
	ErrNeedMore = errors.New("wire: need more bytes for header")
	// ErrInvalidHeader is returned when a header is structurally malformed
	// (reserved bits set, or payload size exceeds the configured maximum).
	// The caller must translate this into a connection reset.
	ErrInvalidHeader = errors.New("wire: invalid header")
)

// TryParseHeader parses a Header from the front of buf. It returns
// ErrNeedMore if buf is shorter than HeaderSize, and ErrInvalidHeader if
// the header fails validation against maxPayload. On success it returns
// the parsed header and the number of bytes consumed (always HeaderSize).
func TryParseHeader(buf []byte, maxPayload uint64) (Header, int, error) {
	if len(buf) < HeaderSize {
		return Header{}, 0, ErrNeedMore
	}

	var h Header
	off := 0

	copy(h.ID.Key[:], buf[off:off+64])
	off += 64
	h.ID.GroupID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.ID.Type = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.Opcode = Opcode(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	h.Flags = Flags(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	h.Status = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	h.Size = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.TransID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.TraceID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.BackendID = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4

	if h.Flags&flagsReserved != 0 {
		return Header{}, 0, fmt.Errorf("%w: reserved flag bits set", ErrInvalidHeader)
	}
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	if h.Size > maxPayload {
		return Header{}, 0, fmt.Errorf("%w: payload size %d exceeds max %d", ErrInvalidHeader, h.Size, maxPayload)
	}

	return h, off, nil
}

// PutHeader writes h into buf, which must be at least HeaderSize bytes.
func PutHeader(buf []byte, h Header) {
	off := 0
	copy(buf[off:off+64], h.ID.Key[:])
	off += 64
	binary.LittleEndian.PutUint32(buf[off:], h.ID.GroupID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.ID.Type)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(h.Opcode))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(h.Flags))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(h.Status))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], h.Size)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.TransID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.TraceID)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(h.BackendID))
	off += 4
}

// Serialize returns a single contiguous buffer containing h followed by
// payload, ready to be written to a connection. Size is recomputed from
// len(payload) so callers never have to keep the two in sync by hand.
func Serialize(h Header, payload []byte) []byte {
	h.Size = uint64(len(payload))
	buf := make([]byte, HeaderSize+len(payload))
	PutHeader(buf, h)
	copy(buf[HeaderSize:], payload)
	return buf
}
