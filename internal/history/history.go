// Package history records one summary row per completed campaign run.
package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is a single campaign run as it appears in the send history.
type Entry struct {
	SentAt       time.Time `json:"timestamp"`
	CampaignName string    `json:"campaign_name"`
	Subject      string    `json:"subject"`
	Total        int       `json:"total_recipients"`
	Delivered    int       `json:"delivered"`
	Failed       int       `json:"failed"`
}

// Sink is an append-only record of campaign runs. A run that sends zero
// messages is still appended; operators use the history to audit every
// dispatch, including empty ones cut short by cancellation.
type Sink interface {
	Append(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// MemorySink keeps history in process memory. It backs deployments without
// a database and the API tests.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Recent returns up to limit entries, newest first.
func (m *MemorySink) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]Entry(nil), m.entries...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
