// Package twap implements the TWAP execution engine: scheduled sliced
// synthetic execution against live top-of-book, with limit-price gating,
// cancellation, and terminal-state reporting.
package twap

import (
	"sync"
	"time"

	"github.com/sawpanic/xgateway/internal/symbols"
)

// Side is the order's direction.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Status is the TWAP order's lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// IsTerminal reports whether s is filled, cancelled or expired.
func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

// Fill is one append-only execution-log entry.
type Fill struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
}

// Order is one TWAP parent order plus its mutable execution state. All
// mutation goes through the methods below, which hold mu; readers Snapshot
// the state instead of reading fields directly.
type Order struct {
	ID           string
	Owner        string
	Exchange     symbols.Exchange
	NativeSymbol string
	Side         Side
	TotalQuantity  float64
	LimitPrice     *float64
	DurationSeconds int
	SliceIntervalSeconds int
	CreatedAt      time.Time

	mu                sync.Mutex
	status            Status
	executedQuantity  float64
	remainingQuantity float64
	executionLog      []Fill
	cancelRequested   bool

	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// Snapshot is an immutable view of an Order's current state, safe to hand
// out of the package (e.g. for JSON serialization by the HTTP layer).
type Snapshot struct {
	ID                   string           `json:"order_id"`
	Owner                string           `json:"owner"`
	Exchange             symbols.Exchange `json:"exchange"`
	Symbol               string           `json:"symbol"`
	Side                 Side             `json:"side"`
	TotalQuantity        float64          `json:"total_quantity"`
	LimitPrice           *float64         `json:"limit_price,omitempty"`
	DurationSeconds      int              `json:"duration_seconds"`
	SliceIntervalSeconds int              `json:"slice_interval_seconds"`
	CreatedAt            time.Time        `json:"created_at"`
	Status               Status           `json:"status"`
	ExecutedQuantity     float64          `json:"executed_quantity"`
	RemainingQuantity    float64          `json:"remaining_quantity"`
	ExecutionLog         []Fill           `json:"execution_log"`
}

// newOrder constructs an open order with remaining == total.
func newOrder(id, owner string, ex symbols.Exchange, nativeSymbol string, side Side, qty float64, limit *float64, durationSeconds, sliceIntervalSeconds int) *Order {
	return &Order{
		ID:                   id,
		Owner:                owner,
		Exchange:             ex,
		NativeSymbol:         nativeSymbol,
		Side:                 side,
		TotalQuantity:        qty,
		LimitPrice:           limit,
		DurationSeconds:      durationSeconds,
		SliceIntervalSeconds: sliceIntervalSeconds,
		CreatedAt:            time.Now(),
		status:               StatusOpen,
		remainingQuantity:    qty,
		cancelCh:             make(chan struct{}),
	}
}

// CancelChan returns a channel closed exactly once, the moment cancellation
// is requested, so the engine's slice-interval wait can wake up immediately
// instead of polling until the next slice boundary.
func (o *Order) CancelChan() <-chan struct{} {
	return o.cancelCh
}

// Snapshot returns a consistent, point-in-time copy of the order's state.
func (o *Order) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	logCopy := make([]Fill, len(o.executionLog))
	copy(logCopy, o.executionLog)
	return Snapshot{
		ID:                   o.ID,
		Owner:                o.Owner,
		Exchange:             o.Exchange,
		Symbol:               o.NativeSymbol,
		Side:                 o.Side,
		TotalQuantity:        o.TotalQuantity,
		LimitPrice:           o.LimitPrice,
		DurationSeconds:      o.DurationSeconds,
		SliceIntervalSeconds: o.SliceIntervalSeconds,
		CreatedAt:            o.CreatedAt,
		Status:               o.status,
		ExecutedQuantity:     o.executedQuantity,
		RemainingQuantity:    o.remainingQuantity,
		ExecutionLog:         logCopy,
	}
}

// Status returns the current status without a full snapshot.
func (o *Order) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// requestCancel marks the order for cancellation at the next slice boundary
// (or sooner). Returns true if the order was already terminal (cancellation
// has no further effect); otherwise idempotent.
func (o *Order) requestCancel() (alreadyTerminal bool) {
	o.mu.Lock()
	if o.status.IsTerminal() {
		o.mu.Unlock()
		return true
	}
	o.cancelRequested = true
	o.mu.Unlock()

	o.cancelOnce.Do(func() { close(o.cancelCh) })
	return false
}

func (o *Order) cancelWasRequested() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelRequested
}

// applySlice executes min(perSliceQuantity, remaining), appends the fill to
// the log, and snaps remaining to zero (transitioning to filled) once it is
// within epsilon of zero. Returns the quantity
// actually executed and the resulting status.
func (o *Order) applySlice(now time.Time, price, perSliceQuantity, epsilon float64) (executedNow float64, status Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.IsTerminal() {
		return 0, o.status
	}

	executedNow = perSliceQuantity
	if o.remainingQuantity < executedNow {
		executedNow = o.remainingQuantity
	}

	o.executedQuantity += executedNow
	o.remainingQuantity -= executedNow
	o.executionLog = append(o.executionLog, Fill{Timestamp: now, Price: price, Quantity: executedNow})

	if o.remainingQuantity < epsilon {
		// Snap both sides so executed + remaining == total holds exactly.
		o.remainingQuantity = 0
		o.executedQuantity = o.TotalQuantity
		o.status = StatusFilled
	}
	return executedNow, o.status
}

// transitionTerminal moves the order to status if it is not already
// terminal. Returns the status actually in effect after the call.
func (o *Order) transitionTerminal(status Status) Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.IsTerminal() {
		return o.status
	}
	o.status = status
	return o.status
}
