// Package snapshot persists point-in-time run state paired with the WAL
// offset it represents, to shorten replay for long-running runs.
//
// A snapshot is either fully written (temp file, fsync, atomic rename) or
// absent — readers never observe a half-written snapshot. Correctness never
// depends on snapshot integrity: a snapshot that fails validation is
// discarded and recovery falls back to full WAL replay.
package snapshot

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/keelrun/keel/pkg/canonicalize"
	"github.com/keelrun/keel/pkg/fault"
)

// FormatVersion guards against loading snapshots written by an
// incompatible serialization.
const FormatVersion = 1

// Snapshot is the on-disk envelope around serialized run state.
type Snapshot struct {
	FormatVersion int `json:"format_version"`
	// RunID the state belongs to.
	RunID string `json:"run_id"`
	// LastAppliedSequence is the last event folded into State.
	LastAppliedSequence uint64 `json:"last_applied_sequence"`
	// WALOffset is the byte offset in the run's stream immediately after
	// the frame of LastAppliedSequence. Replay resumes here.
	WALOffset int64 `json:"wal_offset"`
	// TakenAt records when the snapshot was written. Informational only.
	TakenAt time.Time `json:"taken_at"`
	// State is the canonical serialization of the run state.
	State json.RawMessage `json:"state"`
	// Checksum is the SHA-256 hex of the canonical snapshot content,
	// excluding this field.
	Checksum string `json:"checksum"`
}

func (s *Snapshot) contentHash() (string, error) {
	content := struct {
		FormatVersion       int             `json:"format_version"`
		RunID               string          `json:"run_id"`
		LastAppliedSequence uint64          `json:"last_applied_sequence"`
		WALOffset           int64           `json:"wal_offset"`
		State               json.RawMessage `json:"state"`
	}{s.FormatVersion, s.RunID, s.LastAppliedSequence, s.WALOffset, s.State}
	return canonicalize.CanonicalHash(content)
}

// Path returns the snapshot file path for a run within dir.
func Path(dir, runID string) string {
	return filepath.Join(dir, runID+".snapshot.json")
}

// Manager owns snapshot files for runs under a data directory.
type Manager struct {
	dir    string
	logger *slog.Logger
	clock  func() time.Time
}

// NewManager creates a snapshot manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:    dir,
		logger: slog.Default().With("component", "snapshot"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Write serializes state and atomically replaces the previous snapshot for
// the run. The write protocol is temp file → fsync → rename.
func (m *Manager) Write(runID string, lastApplied uint64, walOffset int64, state json.RawMessage) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fault.Wrap(fault.CodeIOFailed, err, "snapshot: create dir %s", m.dir)
	}

	snap := &Snapshot{
		FormatVersion:       FormatVersion,
		RunID:               runID,
		LastAppliedSequence: lastApplied,
		WALOffset:           walOffset,
		TakenAt:             m.clock().UTC(),
		State:               state,
	}
	sum, err := snap.contentHash()
	if err != nil {
		return fault.Wrap(fault.CodeInternal, err, "snapshot: hash state for %s", runID)
	}
	snap.Checksum = sum

	data, err := json.Marshal(snap)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, err, "snapshot: marshal for %s", runID)
	}

	final := Path(m.dir, runID)
	tmp, err := os.CreateTemp(m.dir, runID+".snapshot.*.tmp")
	if err != nil {
		return fault.Wrap(fault.CodeIOFailed, err, "snapshot: create temp for %s", runID)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fault.Wrap(fault.CodeIOFailed, err, "snapshot: write temp for %s", runID)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fault.Wrap(fault.CodeIOFailed, err, "snapshot: fsync temp for %s", runID)
	}
	if err := tmp.Close(); err != nil {
		return fault.Wrap(fault.CodeIOFailed, err, "snapshot: close temp for %s", runID)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return fault.Wrap(fault.CodeIOFailed, err, "snapshot: rename for %s", runID)
	}

	m.logger.Info("snapshot written",
		"run_id", runID, "last_applied", lastApplied, "wal_offset", walOffset)
	return nil
}

// Load returns the latest valid snapshot for the run, or nil if none
// exists or the existing one fails validation. Validation failure is
// logged and swallowed — the caller falls back to full replay.
func (m *Manager) Load(runID string) *Snapshot {
	data, err := os.ReadFile(Path(m.dir, runID))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		m.logger.Warn("snapshot unreadable, falling back to full replay",
			"run_id", runID, "error", err)
		return nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warn("snapshot undecodable, falling back to full replay",
			"run_id", runID, "error", err)
		return nil
	}
	if snap.FormatVersion != FormatVersion || snap.RunID != runID {
		m.logger.Warn("snapshot rejected: format or run mismatch",
			"run_id", runID, "format_version", snap.FormatVersion)
		return nil
	}

	sum, err := snap.contentHash()
	if err != nil || sum != snap.Checksum {
		m.logger.Warn("snapshot checksum mismatch, falling back to full replay",
			"run_id", runID)
		return nil
	}
	return &snap
}

// Remove deletes the snapshot for a run, if any.
func (m *Manager) Remove(runID string) error {
	err := os.Remove(Path(m.dir, runID))
	if err != nil && !os.IsNotExist(err) {
		return fault.Wrap(fault.CodeIOFailed, err, "snapshot: remove for %s", runID)
	}
	return nil
}

// Trigger decides when a new snapshot is due: every Interval of applied
// events or every MaxAge elapsed, whichever comes first.
type Trigger struct {
	// EveryEvents is the applied-event count between snapshots. Zero disables.
	EveryEvents uint64
	// MaxAge is the elapsed time between snapshots. Zero disables.
	MaxAge time.Duration
}

// Due reports whether a snapshot should be taken given the events applied
// and time elapsed since the last one.
func (t Trigger) Due(eventsSinceLast uint64, elapsed time.Duration) bool {
	if t.EveryEvents > 0 && eventsSinceLast >= t.EveryEvents {
		return true
	}
	if t.MaxAge > 0 && elapsed >= t.MaxAge && eventsSinceLast > 0 {
		return true
	}
	return false
}
