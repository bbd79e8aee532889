package events

import (
	"context"
	stdErrors "errors"
	"log/slog"

	xerrors "github.com/underscore-finance/underscore/internal/errors"
	"github.com/underscore-finance/underscore/internal/observability/alerting"
	"github.com/underscore-finance/underscore/pkg/logger"
)

// Indexer 从总线消费事件并写入 Store，供 API 查询。
type Indexer struct {
	consumer    Consumer
	store       Store
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// IndexerOption 定义可选配置。
type IndexerOption func(*Indexer)

// WithIndexerLogger 指定日志输出。
func WithIndexerLogger(logger *slog.Logger) IndexerOption {
	return func(i *Indexer) {
		i.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) IndexerOption {
	return func(i *Indexer) {
		if workers > 0 {
			i.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置存储失败时的告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) IndexerOption {
	return func(i *Indexer) {
		i.alerter = dispatcher
	}
}

// NewIndexer 构造 Indexer。
func NewIndexer(consumer Consumer, store Store, opts ...IndexerOption) *Indexer {
	i := &Indexer{
		consumer:    consumer,
		store:       store,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	if i.logger == nil {
		i.logger = logger.Component("indexer")
	}
	return i
}

// Start 启动消费循环，直到 ctx 结束。
func (i *Indexer) Start(ctx context.Context) error {
	if i.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件消费者")
	}
	if i.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件存储")
	}
	return i.consumer.Consume(ctx, i.workerCount, i.handle)
}

func (i *Indexer) handle(ctx context.Context, event *Event) error {
	err := i.store.Append(ctx, event)
	switch {
	case err == nil:
		i.logger.Debug("事件已索引",
			slog.String("event_id", event.ID),
			slog.String("kind", string(event.Kind)),
			logger.Address("wallet", event.Wallet),
		)
		return nil
	case stdErrors.Is(err, ErrEventConflict):
		i.logger.Debug("跳过重复事件", slog.String("event_id", event.ID))
		return nil
	}

	i.logger.Error("写入事件失败", slog.Any("error", err), slog.String("event_id", event.ID))
	if i.alerter != nil && xerrors.ShouldAlert(err) {
		alert := alerting.FromError(err, event.Wallet, "index:"+string(event.Kind), event.LegoID)
		if notifyErr := i.alerter.Notify(ctx, alert); notifyErr != nil {
			i.logger.Warn("告警发送失败", slog.Any("error", notifyErr))
		}
	}
	return err
}
