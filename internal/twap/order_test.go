package twap

import (
	"testing"
	"time"

	"github.com/sawpanic/xgateway/internal/symbols"
)

func newTestOrder(qty float64) *Order {
	return newOrder("o1", "alice", symbols.Binance, "BTCUSDT", Buy, qty, nil, 60, 10)
}

func TestApplySlice_AccumulatesAndLogs(t *testing.T) {
	o := newTestOrder(10)

	executed, status := o.applySlice(time.Now(), 100, 4, Epsilon)
	if executed != 4 {
		t.Errorf("executed = %v, want 4", executed)
	}
	if status != StatusOpen {
		t.Errorf("status = %v, want open", status)
	}

	snap := o.Snapshot()
	if snap.ExecutedQuantity != 4 || snap.RemainingQuantity != 6 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if len(snap.ExecutionLog) != 1 || snap.ExecutionLog[0].Quantity != 4 {
		t.Errorf("unexpected execution log: %+v", snap.ExecutionLog)
	}
}

func TestApplySlice_ClampsToRemaining(t *testing.T) {
	o := newTestOrder(5)

	executed, status := o.applySlice(time.Now(), 100, 9, Epsilon)
	if executed != 5 {
		t.Errorf("executed = %v, want clamp to remaining 5", executed)
	}
	if status != StatusFilled {
		t.Errorf("status = %v, want filled", status)
	}
}

func TestApplySlice_SnapsToZeroWithinEpsilon(t *testing.T) {
	o := newTestOrder(1)

	o.applySlice(time.Now(), 100, 1-Epsilon/2, Epsilon)
	snap := o.Snapshot()
	if snap.RemainingQuantity != 0 {
		t.Errorf("expected remaining to snap to zero, got %v", snap.RemainingQuantity)
	}
	if snap.Status != StatusFilled {
		t.Errorf("expected filled status, got %v", snap.Status)
	}
}

func TestApplySlice_NoOpOnceTerminal(t *testing.T) {
	o := newTestOrder(5)
	o.transitionTerminal(StatusCancelled)

	executed, status := o.applySlice(time.Now(), 100, 3, Epsilon)
	if executed != 0 {
		t.Errorf("expected no execution once terminal, got %v", executed)
	}
	if status != StatusCancelled {
		t.Errorf("expected status to remain cancelled, got %v", status)
	}
}

func TestTransitionTerminal_DoesNotOverwriteExistingTerminalState(t *testing.T) {
	o := newTestOrder(5)
	o.transitionTerminal(StatusFilled)

	got := o.transitionTerminal(StatusExpired)
	if got != StatusFilled {
		t.Errorf("expected filled to stick, got %v", got)
	}
}

func TestRequestCancel_IdempotentAndClosesChannel(t *testing.T) {
	o := newTestOrder(5)

	if alreadyTerminal := o.requestCancel(); alreadyTerminal {
		t.Errorf("expected order not to be terminal before first cancel")
	}
	select {
	case <-o.CancelChan():
	default:
		t.Errorf("expected CancelChan to be closed after requestCancel")
	}

	// Second call must not panic (closing a channel twice would).
	if alreadyTerminal := o.requestCancel(); alreadyTerminal {
		t.Errorf("expected requestCancel to report not-terminal on retry since order is merely cancel-requested")
	}
}

func TestRequestCancel_ReportsAlreadyTerminal(t *testing.T) {
	o := newTestOrder(5)
	o.transitionTerminal(StatusFilled)

	if alreadyTerminal := o.requestCancel(); !alreadyTerminal {
		t.Errorf("expected requestCancel to report the order as already terminal")
	}
}

func TestRequestCancel_ConcurrentCallsDoNotPanic(t *testing.T) {
	o := newTestOrder(5)

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			o.requestCancel()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
