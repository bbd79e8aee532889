package events

import "context"

// Store 抽象了事件的持久化接口，供索引器写入、API 查询。
type Store interface {
	Append(ctx context.Context, event *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	List(ctx context.Context, opts ListOptions) ([]*Event, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

// Stats 汇总符合过滤条件的事件。
type Stats struct {
	Total          int          `json:"total"`
	ByKind         map[Kind]int `json:"by_kind"`
	AgentInitiated int          `json:"agent_initiated"`
	OldestCreated  int64        `json:"oldest_created_at"`
	NewestCreated  int64        `json:"newest_created_at"`
}

func (s *Stats) add(e *Event) {
	if s.ByKind == nil {
		s.ByKind = make(map[Kind]int)
	}
	s.Total++
	s.ByKind[e.Kind]++
	if e.IsSignerAgent {
		s.AgentInitiated++
	}
	if e.CreatedAt > s.NewestCreated {
		s.NewestCreated = e.CreatedAt
	}
	if s.OldestCreated == 0 || (e.CreatedAt != 0 && e.CreatedAt < s.OldestCreated) {
		s.OldestCreated = e.CreatedAt
	}
}
