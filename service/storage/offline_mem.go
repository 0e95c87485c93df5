package storage

import (
	"context"
	"sort"
	"sync"

	"PPRealtime/service/event"

	"github.com/pkg/errors"
)

// MemoryOffline is a process-local backlog for single-node runs and tests.
type MemoryOffline struct {
	mu      sync.Mutex
	maxLen  int
	backlog map[string][]event.Record // user -> records ordered by Seq
	cursors map[string]int64          // cursorKey -> seq
}

func NewMemoryOffline(maxLen int) *MemoryOffline {
	if maxLen <= 0 {
		maxLen = 10_000
	}
	return &MemoryOffline{
		maxLen:  maxLen,
		backlog: make(map[string][]event.Record),
		cursors: make(map[string]int64),
	}
}

func (m *MemoryOffline) Enqueue(_ context.Context, userID string, rec event.Record) error {
	if rec.Seq <= 0 {
		return errors.Errorf("offline enqueue: seq must be positive, got %d", rec.Seq)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.backlog[userID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq >= rec.Seq })
	if i < len(list) && list[i].Seq == rec.Seq {
		list[i] = rec
		return nil
	}
	list = append(list, event.Record{})
	copy(list[i+1:], list[i:])
	list[i] = rec
	if over := len(list) - m.maxLen; over > 0 {
		list = append(list[:0:0], list[over:]...)
	}
	m.backlog[userID] = list
	return nil
}

func (m *MemoryOffline) Cursor(_ context.Context, userID, deviceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[cursorKey(userID, deviceID)], nil
}

func (m *MemoryOffline) FetchSince(_ context.Context, userID, _ string, cursor int64, limit int) ([]event.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.backlog[userID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq > cursor })
	end := len(list)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	out := make([]event.Record, end-i)
	copy(out, list[i:end])
	return out, nil
}

func (m *MemoryOffline) AdvanceCursor(_ context.Context, userID, deviceID string, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := cursorKey(userID, deviceID)
	if cursor > m.cursors[k] {
		m.cursors[k] = cursor
	}
	return nil
}
