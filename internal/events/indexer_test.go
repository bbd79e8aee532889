package events

import (
	"context"
	"testing"
	"time"

	xerrors "github.com/underscore-finance/underscore/internal/errors"
	"github.com/underscore-finance/underscore/internal/observability/alerting"
	"github.com/underscore-finance/underscore/pkg/logger"
)

type failingStore struct {
	*MemoryStore
	err error
}

func (s *failingStore) Append(context.Context, *Event) error { return s.err }

func TestIndexerPersistsPublishedEvents(t *testing.T) {
	bus := NewMemoryBus(8)
	store := NewMemoryStore()
	indexer := NewIndexer(bus, store, WithWorkerCount(2), WithIndexerLogger(logger.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- indexer.Start(ctx) }()

	first := newTestEvent(KindDeposit, walletA, 1)
	second := newTestEvent(KindWithdrawal, walletA, 2)
	for _, e := range []*Event{first, second, first} {
		if err := bus.Publish(ctx, e); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, _ := store.Stats(ctx, ListOptions{})
		if stats.Total == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("indexer did not persist events, stats=%+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("indexer did not stop")
	}
}

func TestIndexerRequiresConsumerAndStore(t *testing.T) {
	if err := NewIndexer(nil, NewMemoryStore()).Start(context.Background()); !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
	if err := NewIndexer(NewMemoryBus(1), nil).Start(context.Background()); !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestIndexerAlertsOnStorageFailure(t *testing.T) {
	recorder := &alerting.Recorder{}
	store := &failingStore{
		MemoryStore: NewMemoryStore(),
		err:         xerrors.New(xerrors.CodeStorageFailure, "disk full"),
	}
	indexer := NewIndexer(NewMemoryBus(1), store,
		WithIndexerLogger(logger.Discard()),
		WithAlertDispatcher(alerting.NewFanout(recorder)),
	)

	event := newTestEvent(KindSwap, walletB, 1)
	event.LegoID = 2
	if err := indexer.handle(context.Background(), event); err == nil {
		t.Fatalf("expected storage error to surface")
	}
	if len(recorder.Events) != 1 {
		t.Fatalf("expected one alert, got %d", len(recorder.Events))
	}
	alert := recorder.Events[0]
	if alert.Code != xerrors.CodeStorageFailure || alert.Wallet != walletB || alert.LegoID != 2 {
		t.Fatalf("unexpected alert %+v", alert)
	}
}

func TestIndexerSkipsDuplicates(t *testing.T) {
	store := NewMemoryStore()
	indexer := NewIndexer(NewMemoryBus(1), store, WithIndexerLogger(logger.Discard()))
	event := newTestEvent(KindDeposit, walletA, 1)
	for i := 0; i < 2; i++ {
		if err := indexer.handle(context.Background(), event); err != nil {
			t.Fatalf("handle #%d: %v", i, err)
		}
	}
}
