package events

import (
	"context"
	stdErrors "errors"
	"sync"
)

// Handler 处理来自事件总线的事件。
type Handler func(ctx context.Context, event *Event) error

// Publisher 负责向总线投递事件。
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// Consumer 负责从总线消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Bus 同时具备生产者与消费者能力。
type Bus interface {
	Publisher
	Consumer
}

// Discard 丢弃所有事件。
type Discard struct{}

func (Discard) Publish(context.Context, *Event) error { return nil }
func (Discard) Close() error                          { return nil }

// Recorder 在内存中保留已发布的事件，供 API 查询与测试断言使用。
type Recorder struct {
	mu     sync.RWMutex
	events []*Event
}

// NewRecorder 创建 Recorder。
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish 记录事件副本。
func (r *Recorder) Publish(_ context.Context, event *Event) error {
	if err := event.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, event.Clone())
	r.mu.Unlock()
	return nil
}

// Events 返回全部事件；若指定类型则只返回匹配项。
func (r *Recorder) Events(kinds ...Kind) []*Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Event, 0, len(r.events))
	for _, e := range r.events {
		if len(kinds) > 0 && !containsKind(kinds, e.Kind) {
			continue
		}
		out = append(out, e.Clone())
	}
	return out
}

// Last 返回指定类型的最后一个事件。
func (r *Recorder) Last(kind Kind) (*Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i].Clone(), true
		}
	}
	return nil, false
}

// Reset 清空记录。
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Close 实现 Publisher。
func (r *Recorder) Close() error { return nil }

// Fanout 将事件广播给多个 Publisher。
type Fanout []Publisher

// Publish 依次投递，汇总所有错误。
func (f Fanout) Publish(ctx context.Context, event *Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

// Close 关闭全部 Publisher。
func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

func containsKind(kinds []Kind, kind Kind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
