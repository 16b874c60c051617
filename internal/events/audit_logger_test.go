package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestAuditLogger_Write(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	a, err := NewAuditLogger(path, 0)
	require.NoError(t, err)

	require.NoError(t, a.Write(Entry{EventType: "task_claimed", TaskID: "T-1", OwnerID: "o-1", Round: 2}))
	require.NoError(t, a.Write(Entry{EventType: "round_completed", Round: 2, Details: map[string]any{"closed": 1}}))
	require.NoError(t, a.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "T-1", entries[0].TaskID)
	assert.Equal(t, "o-1", entries[0].OwnerID)
	assert.Equal(t, 2, entries[0].Round)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Equal(t, float64(1), entries[1].Details["closed"])
}

func TestAuditLogger_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	a, err := NewAuditLogger(path, 0)
	require.NoError(t, err)
	require.NoError(t, a.Write(Entry{EventType: "a"}))
	require.NoError(t, a.Close())

	b, err := NewAuditLogger(path, 0)
	require.NoError(t, err)
	require.NoError(t, b.Write(Entry{EventType: "b"}))
	require.NoError(t, b.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[1].EventType)
}

func TestAuditLogger_Rotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	a, err := NewAuditLogger(path, 200)
	require.NoError(t, err)

	for range 10 {
		require.NoError(t, a.Write(Entry{EventType: "task_closed", TaskID: "T-123456789"}))
	}
	require.NoError(t, a.Close())

	archived, err := filepath.Glob(filepath.Join(dir, ArchiveDir, "audit.*.jsonl"))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(200))

	total := len(readEntries(t, path))
	for _, p := range archived {
		total += len(readEntries(t, p))
	}
	assert.Equal(t, 10, total, "rotation loses no entries")
}

func TestAuditLogger_WriteAfterClose(t *testing.T) {
	a, err := NewAuditLogger(filepath.Join(t.TempDir(), "audit.jsonl"), 0)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.Error(t, a.Write(Entry{EventType: "x"}))
	assert.NoError(t, a.Close())
}

func TestAuditLogger_RecordLiftsKnownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := NewAuditLogger(path, 0)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, a.Record(Event{
		Type:      EventReleaseFailed,
		Timestamp: ts,
		Data:      map[string]any{"task_id": "T-9", "owner_id": "o-9", "round": 4, "reason": "rate_limit"},
	}))
	require.NoError(t, a.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "release_failed", e.EventType)
	assert.Equal(t, "T-9", e.TaskID)
	assert.Equal(t, "o-9", e.OwnerID)
	assert.Equal(t, 4, e.Round)
	assert.True(t, ts.Equal(e.Timestamp))
	assert.Equal(t, map[string]any{"reason": "rate_limit"}, e.Details)
}

func TestAuditLogger_AttachToBus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := NewAuditLogger(path, 0)
	require.NoError(t, err)

	bus := NewBus(10)
	a.Attach(bus, []EventType{EventTaskClaimed, EventTaskClosed}, func(err error) { t.Error(err) })

	bus.Publish(EventTaskClaimed, map[string]any{"task_id": "T-1"})
	bus.Publish(EventTaskClosed, map[string]any{"task_id": "T-1"})
	bus.Publish(EventRoundCompleted, map[string]any{"round": 1})
	bus.Close()
	require.NoError(t, a.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	var types []string
	for _, e := range entries {
		types = append(types, e.EventType)
	}
	assert.ElementsMatch(t, []string{"task_claimed", "task_closed"}, types)
}
