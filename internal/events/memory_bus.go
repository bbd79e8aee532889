package events

import (
	"context"
	"sync"

	xerrors "github.com/underscore-finance/underscore/internal/errors"
)

// MemoryBus 使用 channel 模拟事件总线，主要用于单机部署与测试。
type MemoryBus struct {
	ch     chan *Event
	mu     sync.Mutex
	closed bool
}

// NewMemoryBus 创建一个内存总线。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 64
	}
	return &MemoryBus{ch: make(chan *Event, size)}
}

// Publish 将事件投递到总线。
func (b *MemoryBus) Publish(ctx context.Context, event *Event) error {
	if err := event.validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "事件总线已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- event.Clone():
		return nil
	}
}

// Consume 启动指定数量的工作协程消费事件。
func (b *MemoryBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-b.ch:
					if !ok {
						return
					}
					_ = handler(ctx, event)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存总线。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if !b.closed {
		close(b.ch)
		b.closed = true
	}
	b.mu.Unlock()
	return nil
}

var _ Bus = (*MemoryBus)(nil)
