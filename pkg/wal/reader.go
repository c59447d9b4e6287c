package wal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/keelrun/keel/pkg/event"
	"github.com/keelrun/keel/pkg/fault"
)

// recovered describes the durable prefix of a stream after tail validation.
type recovered struct {
	validSize    int64
	lastSequence uint64
}

// recoverTail scans the stream, validates every frame checksum, and
// truncates the file to the last well-formed record. A torn or corrupt
// tail is logged and discarded; everything before it stays authoritative.
func recoverTail(path string, logger *slog.Logger) (recovered, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return recovered{}, nil
	}
	if err != nil {
		return recovered{}, fault.Wrap(fault.CodeIOFailed, err, "wal: open for recovery %s", path)
	}

	records, validSize, scanErr := scanFrames(f, 0)
	_ = f.Close()
	if scanErr != nil {
		return recovered{}, scanErr
	}

	info, err := os.Stat(path)
	if err != nil {
		return recovered{}, fault.Wrap(fault.CodeIOFailed, err, "wal: stat %s", path)
	}
	if info.Size() > validSize {
		logger.Warn("truncating corrupt tail",
			"file_size", info.Size(), "valid_size", validSize)
		if err := os.Truncate(path, validSize); err != nil {
			return recovered{}, fault.Wrap(fault.CodeIOFailed, err, "wal: truncate %s", path)
		}
	}

	var last uint64
	if len(records) > 0 {
		last = records[len(records)-1].Event.Sequence
	}
	return recovered{validSize: validSize, lastSequence: last}, nil
}

// ReadAll returns every well-formed record in the stream for runID,
// starting at byte offset from. A missing stream yields no records.
// Trailing corruption is not an error here — the returned records are the
// durable prefix; callers that own the writer truncate via Open.
func ReadAll(dir, runID string, from int64) ([]Record, error) {
	f, err := os.Open(StreamPath(dir, runID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeIOFailed, err, "wal: open stream %s", runID)
	}
	defer func() { _ = f.Close() }()

	if from > 0 {
		if _, err := f.Seek(from, 0); err != nil {
			return nil, fault.Wrap(fault.CodeIOFailed, err, "wal: seek stream %s", runID)
		}
	}

	records, _, err := scanFrames(f, from)
	return records, err
}

// scanFrames reads frames until EOF or the first malformed frame.
// Returns the well-formed records and the byte size of the valid prefix.
func scanFrames(r io.Reader, base int64) ([]Record, int64, error) {
	var records []Record
	offset := base
	header := make([]byte, headerSize)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			// Clean EOF or a torn length prefix both end the valid prefix.
			return records, offset, nil
		}
		length := binary.BigEndian.Uint32(header)
		if length == 0 || length > maxFrameSize {
			return records, offset, nil
		}

		body := make([]byte, int(length)+ChecksumSize)
		if _, err := io.ReadFull(r, body); err != nil {
			return records, offset, nil
		}

		payload := body[:length]
		sum := checksum(payload)
		if !bytes.Equal(sum[:], body[length:]) {
			return records, offset, nil
		}

		var ev event.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return records, offset, nil
		}

		records = append(records, Record{Offset: offset, Event: &ev})
		offset += int64(headerSize) + int64(length) + ChecksumSize
	}
}
