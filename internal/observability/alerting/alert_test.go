package alerting

import (
	"context"
	"errors"
	"testing"

	xerrors "github.com/underscore-finance/underscore/internal/errors"
	"github.com/underscore-finance/underscore/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel                    { return "failing" }
func (failingNotifier) Notify(context.Context, Event) error { return errors.New("unreachable") }

func TestFromErrorCarriesAttributes(t *testing.T) {
	wallet := common.HexToAddress("0x01")
	err := xerrors.New(xerrors.CodeLeftoverBalance, "lego kept 10 units",
		xerrors.WithMetadata("asset", "0x02"))

	event := FromError(err, wallet, "deposit", 3)
	if event.Code != xerrors.CodeLeftoverBalance || event.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected code/severity %+v", event)
	}
	if event.Wallet != wallet || event.Operation != "deposit" || event.LegoID != 3 {
		t.Fatalf("unexpected context %+v", event)
	}
	if event.Metadata["asset"] != "0x02" {
		t.Fatalf("metadata not propagated: %+v", event.Metadata)
	}
}

func TestFanoutDeliversToAllChannels(t *testing.T) {
	recorder := &Recorder{}
	fan := NewFanout(recorder, &LogNotifier{Logger: logger.Discard()}, failingNotifier{}, nil)

	err := fan.Notify(context.Background(), Event{Code: xerrors.CodeAdapterFailure, Message: "swap reverted"})
	if err == nil {
		t.Fatalf("expected failing channel error")
	}
	if len(recorder.Events) != 1 {
		t.Fatalf("expected recorder to receive alert despite other failures")
	}

	var nilFan *FanoutDispatcher
	if err := nilFan.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}
