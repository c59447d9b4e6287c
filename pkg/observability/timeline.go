// In-memory audit timeline fed from the event stream.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/keelrun/keel/pkg/event"
)

// TimelineEntryType categorizes audit entries.
type TimelineEntryType string

const (
	EntryTypeLifecycle TimelineEntryType = "LIFECYCLE"
	EntryTypeTask      TimelineEntryType = "TASK"
	EntryTypeDecision  TimelineEntryType = "DECISION"
	EntryTypeBudget    TimelineEntryType = "BUDGET"
)

// entryTypeOf maps event types onto audit categories.
func entryTypeOf(t event.Type) TimelineEntryType {
	switch t {
	case event.TypeTaskDispatched, event.TypeResultReceived, event.TypeTaskTimedOut:
		return EntryTypeTask
	case event.TypePolicyDecision:
		return EntryTypeDecision
	case event.TypeBudgetUpdate, event.TypeBudgetWarning, event.TypeBudgetExceeded:
		return EntryTypeBudget
	default:
		return EntryTypeLifecycle
	}
}

// TimelineEntry is a single auditable record derived from a committed event.
type TimelineEntry struct {
	EntryType   TimelineEntryType      `json:"entry_type"`
	RunID       string                 `json:"run_id"`
	Sequence    uint64                 `json:"sequence"`
	EventType   event.Type             `json:"event_type"`
	Timestamp   time.Time              `json:"timestamp"`
	ContentHash string                 `json:"content_hash"`
	Body        map[string]interface{} `json:"body,omitempty"`
}

// TimelineQuery filters timeline entries.
type TimelineQuery struct {
	RunID     string             `json:"run_id,omitempty"`
	EntryType *TimelineEntryType `json:"entry_type,omitempty"`
	After     *time.Time         `json:"after,omitempty"`
	Before    *time.Time         `json:"before,omitempty"`
	Limit     int                `json:"limit,omitempty"`
}

// AuditTimeline collects committed events into a queryable in-memory index.
// It implements the orchestrator's event sink, so it can be composed with a
// stream publisher to observe every committed event.
type AuditTimeline struct {
	mu      sync.RWMutex
	entries []TimelineEntry
	index   map[string][]int // runID -> entry indices
}

// NewAuditTimeline creates an empty timeline.
func NewAuditTimeline() *AuditTimeline {
	return &AuditTimeline{
		index: make(map[string][]int),
	}
}

// Publish records a committed event.
func (t *AuditTimeline) Publish(ev *event.Event) {
	if ev == nil {
		return
	}
	hash, err := ev.Hash()
	if err != nil {
		hash = ""
	}

	entry := TimelineEntry{
		EntryType:   entryTypeOf(ev.Type),
		RunID:       ev.RunID,
		Sequence:    ev.Sequence,
		EventType:   ev.Type,
		Timestamp:   ev.ObservedAt,
		ContentHash: hash,
		Body:        ev.Body,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	idx := len(t.entries)
	t.entries = append(t.entries, entry)
	t.index[ev.RunID] = append(t.index[ev.RunID], idx)
}

// Query retrieves entries matching the query, ordered by timestamp.
func (t *AuditTimeline) Query(q TimelineQuery) []TimelineEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var candidates []TimelineEntry
	if q.RunID != "" {
		indices, ok := t.index[q.RunID]
		if !ok {
			return nil
		}
		for _, i := range indices {
			candidates = append(candidates, t.entries[i])
		}
	} else {
		candidates = make([]TimelineEntry, len(t.entries))
		copy(candidates, t.entries)
	}

	var results []TimelineEntry
	for _, e := range candidates {
		if q.EntryType != nil && e.EntryType != *q.EntryType {
			continue
		}
		if q.After != nil && e.Timestamp.Before(*q.After) {
			continue
		}
		if q.Before != nil && e.Timestamp.After(*q.Before) {
			continue
		}
		results = append(results, e)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Timestamp.Equal(results[j].Timestamp) {
			return results[i].Sequence < results[j].Sequence
		}
		return results[i].Timestamp.Before(results[j].Timestamp)
	})

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}

	return results
}

// Count returns total entries.
func (t *AuditTimeline) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
