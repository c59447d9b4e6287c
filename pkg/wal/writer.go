package wal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/keelrun/keel/pkg/event"
	"github.com/keelrun/keel/pkg/fault"
)

// SyncPolicy controls when appended records are fsynced.
type SyncPolicy string

const (
	// SyncEveryRecord fsyncs after every append. Strongest durability.
	SyncEveryRecord SyncPolicy = "every_record"
	// SyncBatched fsyncs at batch boundaries (count or interval, whichever
	// first). Trades a bounded durability window for throughput: records
	// appended since the last sync may be lost on power failure, but
	// recovery still truncates to the last fully durable record.
	SyncBatched SyncPolicy = "batched"
)

// Options configures a Writer.
type Options struct {
	Sync SyncPolicy
	// BatchSize is the max unsynced records in SyncBatched mode.
	BatchSize int
	// BatchInterval is the max elapsed time between syncs in SyncBatched mode.
	BatchInterval time.Duration
}

// DefaultOptions fsyncs every record.
func DefaultOptions() Options {
	return Options{Sync: SyncEveryRecord, BatchSize: 64, BatchInterval: 50 * time.Millisecond}
}

// Writer is the sole component permitted to append to a run's log stream.
// It owns the append cursor: no external component assigns sequence numbers.
type Writer struct {
	mu       sync.Mutex
	f        *os.File
	lockPath string
	path     string
	opts     Options
	logger   *slog.Logger

	nextSeq  uint64
	offset   int64
	unsynced int
	lastSync time.Time
	clock    func() time.Time
	closed   bool
	// failed latches when an append could not be rolled back to the durable
	// prefix; the writer then rejects all further appends.
	failed bool
}

// StreamPath returns the WAL file path for a run within dir.
func StreamPath(dir, runID string) string {
	return filepath.Join(dir, runID+".wal")
}

// Open opens (or creates) the log stream for runID under dir, recovering
// the durable tail first: any trailing bytes that fail checksum validation
// are truncated, not repaired. Open takes an exclusive writer lock; a second
// concurrent Open for the same stream fails.
func Open(dir, runID string, opts Options) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.CodeIOFailed, err, "wal: create dir %s", dir)
	}

	path := StreamPath(dir, runID)
	lockPath := path + ".lock"

	// Exclusive creation of the lock file enforces the single-writer
	// invariant across processes. The lock records the owning pid: when that
	// process is gone the lock is stale and gets reclaimed, so boot recovery
	// after a crash does not need operator intervention.
	lock, err := acquireLock(lockPath)
	if err != nil {
		if os.IsExist(err) {
			return nil, fault.New(fault.CodeUnavailable, "wal: stream %s already has a writer", runID)
		}
		return nil, fault.Wrap(fault.CodeIOFailed, err, "wal: acquire lock for %s", runID)
	}
	fmt.Fprintf(lock, "%d\n", os.Getpid())
	_ = lock.Close()

	w := &Writer{
		lockPath: lockPath,
		path:     path,
		opts:     opts,
		logger:   slog.Default().With("component", "wal", "run_id", runID),
		nextSeq:  1,
		clock:    time.Now,
	}

	recovered, err := recoverTail(path, w.logger)
	if err != nil {
		_ = os.Remove(lockPath)
		return nil, err
	}
	w.offset = recovered.validSize
	w.nextSeq = recovered.lastSequence + 1

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		_ = os.Remove(lockPath)
		return nil, fault.Wrap(fault.CodeIOFailed, err, "wal: open stream %s", runID)
	}
	if _, err := f.Seek(w.offset, 0); err != nil {
		_ = f.Close()
		_ = os.Remove(lockPath)
		return nil, fault.Wrap(fault.CodeIOFailed, err, "wal: seek stream %s", runID)
	}
	w.f = f
	w.lastSync = w.clock()
	return w, nil
}

// acquireLock creates lockPath exclusively. If the file already exists it
// checks the recorded pid: a lock held by a live process stays put, a lock
// left by a dead one is removed and creation retried once.
func acquireLock(lockPath string) (*os.File, error) {
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil || !os.IsExist(err) {
		return lock, err
	}
	if !lockHolderDead(lockPath) {
		return nil, err
	}
	if rmErr := os.Remove(lockPath); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, err
	}
	return os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
}

// lockHolderDead reports whether the pid recorded in lockPath no longer
// names a live process. A malformed lock file counts as dead: it can only
// come from an interrupted acquisition. An unreadable one does not.
func lockHolderDead(lockPath string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	// Signal 0 probes liveness without delivering anything. EPERM means the
	// process exists under another uid, so the lock is not stale.
	sigErr := proc.Signal(syscall.Signal(0))
	if sigErr == nil {
		return false
	}
	return errors.Is(sigErr, os.ErrProcessDone) || errors.Is(sigErr, syscall.ESRCH)
}

// WithClock overrides the clock for deterministic testing of batched sync.
func (w *Writer) WithClock(clock func() time.Time) *Writer {
	w.clock = clock
	return w
}

// NextSequence returns the sequence the next append will be assigned.
func (w *Writer) NextSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// Pending returns the number of appended records not yet fsynced.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unsynced
}

// Offset returns the current durable end of the stream in bytes.
func (w *Writer) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Append assigns the next sequence number to ev, writes the frame, and
// syncs per the configured durability policy. On I/O failure the append is
// fatal and surfaced as io_failed; the writer never silently drops or
// reorders events. Returns the assigned sequence.
func (w *Writer) Append(ctx context.Context, ev *event.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fault.Wrap(fault.CodeCancelled, err, "wal: append aborted")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fault.New(fault.CodeUnavailable, "wal: writer closed")
	}
	if w.failed {
		return 0, fault.New(fault.CodeIOFailed, "wal: writer failed, stream %s needs recovery", w.path)
	}

	ev.Sequence = w.nextSeq
	if err := ev.Validate(); err != nil {
		ev.Sequence = 0
		return 0, fault.Wrap(fault.CodeInvalidArgument, err, "wal: reject event")
	}

	frame, err := encodeFrame(ev)
	if err != nil {
		ev.Sequence = 0
		return 0, fault.Wrap(fault.CodeInvalidArgument, err, "wal: encode event")
	}

	n, err := w.f.Write(frame)
	if err != nil {
		// A partial write leaves a torn frame past the durable prefix. Roll
		// the file back to w.offset so the next append lands immediately
		// after the last good frame instead of behind unreadable bytes.
		w.logger.Error("append failed", "sequence", ev.Sequence, "error", err, "written", n)
		w.rollbackLocked()
		ev.Sequence = 0
		return 0, fault.Wrap(fault.CodeIOFailed, err, "wal: append sequence %d", w.nextSeq)
	}

	w.unsynced++
	if err := w.maybeSync(); err != nil {
		// The frame is in the file but its durability is unknown. Roll it
		// back so a retry re-issues the same sequence exactly once rather
		// than leaving two frames with one sequence number.
		w.unsynced--
		w.rollbackLocked()
		ev.Sequence = 0
		return 0, err
	}

	w.offset += int64(len(frame))
	seq := w.nextSeq
	w.nextSeq++
	return seq, nil
}

// rollbackLocked restores the file to the durable prefix after a failed
// append. If the file cannot be restored the writer latches failed and
// rejects further appends; recovery then truncates the torn tail on the
// next Open.
func (w *Writer) rollbackLocked() {
	if err := w.f.Truncate(w.offset); err != nil {
		w.logger.Error("rollback truncate failed, writer latched", "offset", w.offset, "error", err)
		w.failed = true
		return
	}
	if _, err := w.f.Seek(w.offset, 0); err != nil {
		w.logger.Error("rollback seek failed, writer latched", "offset", w.offset, "error", err)
		w.failed = true
	}
}

func (w *Writer) maybeSync() error {
	switch w.opts.Sync {
	case SyncBatched:
		if w.unsynced < w.opts.BatchSize && w.clock().Sub(w.lastSync) < w.opts.BatchInterval {
			return nil
		}
	}
	return w.syncLocked()
}

// Sync forces an fsync of all buffered records.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fault.New(fault.CodeUnavailable, "wal: writer closed")
	}
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if w.unsynced == 0 {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		return fault.Wrap(fault.CodeIOFailed, err, "wal: fsync %s", w.path)
	}
	w.unsynced = 0
	w.lastSync = w.clock()
	return nil
}

// Close syncs outstanding records and releases the writer lock.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	syncErr := func() error {
		if w.unsynced == 0 {
			return nil
		}
		return w.f.Sync()
	}()
	closeErr := w.f.Close()
	_ = os.Remove(w.lockPath)

	if syncErr != nil {
		return fault.Wrap(fault.CodeIOFailed, syncErr, "wal: final sync %s", w.path)
	}
	if closeErr != nil {
		return fault.Wrap(fault.CodeIOFailed, closeErr, "wal: close %s", w.path)
	}
	return nil
}
