package snapshot

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir).WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	})

	state := json.RawMessage(`{"status":"in_progress","tasks":2}`)
	require.NoError(t, m.Write("run-1", 42, 1024, state))

	snap := m.Load("run-1")
	require.NotNil(t, snap)
	assert.Equal(t, uint64(42), snap.LastAppliedSequence)
	assert.Equal(t, int64(1024), snap.WALOffset)
	assert.JSONEq(t, string(state), string(snap.State))
}

func TestLoadMissingReturnsNil(t *testing.T) {
	m := NewManager(t.TempDir())
	assert.Nil(t, m.Load("no-such-run"))
}

func TestWriteReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	require.NoError(t, m.Write("run-1", 10, 100, json.RawMessage(`{"v":1}`)))
	require.NoError(t, m.Write("run-1", 20, 200, json.RawMessage(`{"v":2}`)))

	snap := m.Load("run-1")
	require.NotNil(t, snap)
	assert.Equal(t, uint64(20), snap.LastAppliedSequence)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCorruptSnapshotDiscarded(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, m.Write("run-1", 10, 100, json.RawMessage(`{"v":1}`)))

	path := Path(dir, "run-1")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Tamper with the serialized state without fixing the checksum.
	tampered := []byte(string(data))
	for i := range tampered {
		if tampered[i] == '1' {
			tampered[i] = '7'
			break
		}
	}
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	assert.Nil(t, m.Load("run-1"))
}

func TestTruncatedSnapshotDiscarded(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, m.Write("run-1", 10, 100, json.RawMessage(`{"v":1}`)))

	path := Path(dir, "run-1")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o644))

	assert.Nil(t, m.Load("run-1"))
}

func TestTriggerDue(t *testing.T) {
	trig := Trigger{EveryEvents: 100, MaxAge: 5 * time.Minute}

	assert.False(t, trig.Due(0, 10*time.Minute), "no new events, nothing to snapshot")
	assert.False(t, trig.Due(99, time.Minute))
	assert.True(t, trig.Due(100, time.Minute))
	assert.True(t, trig.Due(1, 5*time.Minute))

	disabled := Trigger{}
	assert.False(t, disabled.Due(1000, time.Hour))
}
