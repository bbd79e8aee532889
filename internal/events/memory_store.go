package events

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 以内存方式保存事件，主要用于测试与单机部署。
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*storedEvent
	seq    uint64
}

type storedEvent struct {
	event *Event
	seq   uint64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*storedEvent)}
}

// Append 实现 Store 接口。
func (m *MemoryStore) Append(_ context.Context, event *Event) error {
	if err := event.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[event.ID]; ok {
		return ErrEventConflict
	}
	m.seq++
	m.events[event.ID] = &storedEvent{event: event.Clone(), seq: m.seq}
	return nil
}

// Get 返回事件。
func (m *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return stored.event.Clone(), nil
}

// List 按过滤条件返回事件。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	matched := make([]*storedEvent, 0, len(m.events))
	for _, stored := range m.events {
		if matchesListFilters(stored.event, opts) {
			matched = append(matched, stored)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.event.CreatedAt == b.event.CreatedAt {
			if opts.Order == SortByCreatedAsc {
				return a.seq < b.seq
			}
			return a.seq > b.seq
		}
		if opts.Order == SortByCreatedAsc {
			return a.event.CreatedAt < b.event.CreatedAt
		}
		return a.event.CreatedAt > b.event.CreatedAt
	})

	if opts.Offset >= len(matched) {
		return []*Event{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	out := make([]*Event, len(matched))
	for i, stored := range matched {
		out[i] = stored.event.Clone()
	}
	return out, nil
}

// Stats 统计符合过滤条件的事件。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()
	stats := Stats{ByKind: map[Kind]int{}}
	for _, stored := range m.events {
		if matchesListFilters(stored.event, opts) {
			stats.add(stored.event)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
