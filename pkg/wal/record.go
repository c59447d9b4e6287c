// Package wal implements the durable write-ahead log: one append-only
// stream per run, a single logical writer per stream, and crash recovery
// that truncates any torn tail rather than repairing it.
//
// Frame layout on disk (all integers big endian):
//
//	u32 length | payload (canonical JSON of the record) | 8-byte BLAKE2b checksum
//
// A record is either fully durable (fsynced) or treated as never written.
package wal

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/keelrun/keel/pkg/canonicalize"
	"github.com/keelrun/keel/pkg/event"
)

// ChecksumSize is the fixed width of the per-frame checksum.
const ChecksumSize = 8

// headerSize is the frame length prefix.
const headerSize = 4

// maxFrameSize bounds a single record; anything larger is rejected before
// it reaches the disk and treated as corruption when read back.
const maxFrameSize = 16 << 20

// Record is the physical persisted form of an event.
type Record struct {
	// Offset is the byte offset of the frame start within the stream.
	Offset int64
	// Event is the decoded durable event.
	Event *event.Event
}

// checksum computes the fixed-width frame checksum over the payload.
func checksum(payload []byte) [ChecksumSize]byte {
	sum := blake2b.Sum256(payload)
	var out [ChecksumSize]byte
	copy(out[:], sum[:ChecksumSize])
	return out
}

// encodeFrame serializes an event into a wire frame.
func encodeFrame(ev *event.Event) ([]byte, error) {
	payload, err := canonicalize.JCS(ev)
	if err != nil {
		return nil, fmt.Errorf("wal: encode event %d: %w", ev.Sequence, err)
	}
	if len(payload) > maxFrameSize {
		return nil, fmt.Errorf("wal: event %d exceeds max frame size (%d bytes)", ev.Sequence, len(payload))
	}

	frame := make([]byte, headerSize+len(payload)+ChecksumSize)
	binary.BigEndian.PutUint32(frame[:headerSize], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	sum := checksum(payload)
	copy(frame[headerSize+len(payload):], sum[:])
	return frame, nil
}
