package twap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/xgateway/internal/apperr"
	"github.com/sawpanic/xgateway/internal/book"
	"github.com/sawpanic/xgateway/internal/exchange"
	"github.com/sawpanic/xgateway/internal/feed"
	"github.com/sawpanic/xgateway/internal/metrics"
	"github.com/sawpanic/xgateway/internal/symbols"
)

// Epsilon is the remaining-quantity snap-to-zero threshold.
const Epsilon = 1e-6

// BookWaitTimeout bounds how long a slice waits for the first non-empty
// book before being skipped.
const BookWaitTimeout = 5 * time.Second

// Engine is the TWAP execution engine: a per-order scheduled slicer
// consulting the Feed Aggregator and Order-Book Cache for live top-of-book.
type Engine struct {
	aggregator *feed.Aggregator
	cache      *book.Cache
	adapters   map[symbols.Exchange]exchange.Adapter
	metrics    *metrics.Registry

	mu     sync.Mutex
	orders map[string]*Order
}

// SetMetrics wires a metrics.Registry for slice/fill/active-order counters.
// Optional: a nil registry (the default) skips recording.
func (e *Engine) SetMetrics(m *metrics.Registry) {
	e.metrics = m
}

// NewEngine constructs a TWAP engine wired to the shared aggregator, cache
// and adapter set (used to round-trip native symbols back to canonical
// when acquiring leases).
func NewEngine(aggregator *feed.Aggregator, cache *book.Cache, adapters map[symbols.Exchange]exchange.Adapter) *Engine {
	return &Engine{
		aggregator: aggregator,
		cache:      cache,
		adapters:   adapters,
		orders:     make(map[string]*Order),
	}
}

// SubmitBatch validates and accepts a batch of TWAP orders as one atomic
// unit: a duplicate order_id within the batch, or one already accepted in a
// prior batch, rejects the whole batch. Accepted orders
// begin executing as independent background goroutines immediately.
func (e *Engine) SubmitBatch(ctx context.Context, reqs []Request) ([]*Order, error) {
	seen := make(map[string]bool, len(reqs))
	prepared := make([]Request, len(reqs))

	for i, req := range reqs {
		if req.OrderID == "" {
			req.OrderID = uuid.NewString()
		}
		if err := Validate(req); err != nil {
			return nil, err
		}
		if seen[req.OrderID] {
			return nil, fmt.Errorf("%w: %q appears twice in one batch", apperr.ErrDuplicateOrderID, req.OrderID)
		}
		seen[req.OrderID] = true
		prepared[i] = req
	}

	e.mu.Lock()
	for _, req := range prepared {
		if _, exists := e.orders[req.OrderID]; exists {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", apperr.ErrDuplicateOrderID, req.OrderID)
		}
	}

	created := make([]*Order, len(prepared))
	for i, req := range prepared {
		o := newOrder(req.OrderID, req.Owner, req.Exchange, req.Symbol, req.Side, req.TotalQuantity, req.LimitPrice, req.DurationSeconds, req.SliceIntervalSeconds)
		e.orders[req.OrderID] = o
		created[i] = o
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.TWAPOrdersActive.Add(float64(len(created)))
	}
	for _, o := range created {
		go e.run(context.Background(), o)
	}
	return created, nil
}

// Submit is a one-order convenience wrapper around SubmitBatch.
func (e *Engine) Submit(ctx context.Context, req Request) (*Order, error) {
	orders, err := e.SubmitBatch(ctx, []Request{req})
	if err != nil {
		return nil, err
	}
	return orders[0], nil
}

// Get returns the order by id, or (nil, false) if unknown.
func (e *Engine) Get(orderID string) (*Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	return o, ok
}

// List returns every order, optionally filtered by owner and/or status.
func (e *Engine) List(owner string, status Status) []*Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Order, 0, len(e.orders))
	for _, o := range e.orders {
		if owner != "" && o.Owner != owner {
			continue
		}
		if status != "" && o.Status() != status {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Cancel requests cancellation of orderID, owned by owner. Returns
// apperr.ErrOrderNotFound, apperr.ErrForbidden, or apperr.ErrOrderTerminal
// as appropriate.
func (e *Engine) Cancel(orderID, owner string) error {
	o, ok := e.Get(orderID)
	if !ok {
		return apperr.ErrOrderNotFound
	}
	if o.Owner != owner {
		return apperr.ErrForbidden
	}
	if alreadyTerminal := o.requestCancel(); alreadyTerminal {
		return apperr.ErrOrderTerminal
	}
	return nil
}

// run is the per-order slice scheduler: a single goroutine executing every
// slice strictly sequentially so the execution log stays wall-clock
// monotonic, independent of every other order.
func (e *Engine) run(ctx context.Context, o *Order) {
	logger := log.With().Str("order_id", o.ID).Str("exchange", string(o.Exchange)).Str("symbol", o.NativeSymbol).Logger()

	lease, err := e.acquireLease(ctx, o)
	if err != nil {
		logger.Error().Err(err).Msg("twap: failed to acquire book lease, expiring order")
		o.transitionTerminal(StatusExpired)
		if e.metrics != nil {
			e.metrics.TWAPOrdersActive.Dec()
		}
		e.report(o, logger)
		return
	}
	defer lease.Release()

	slices := SliceCount(o.DurationSeconds, o.SliceIntervalSeconds)

	for i := 0; i < slices; i++ {
		if o.cancelWasRequested() {
			break
		}

		e.runSlice(ctx, o, lease, logger, i+1, slices)

		if o.Status().IsTerminal() {
			break
		}

		if i < slices-1 {
			select {
			case <-time.After(time.Duration(o.SliceIntervalSeconds) * time.Second):
			case <-o.CancelChan():
			case <-ctx.Done():
			}
		}
	}

	if o.cancelWasRequested() {
		o.transitionTerminal(StatusCancelled)
	} else {
		o.transitionTerminal(StatusExpired) // no-op if already filled
	}
	if e.metrics != nil {
		e.metrics.TWAPOrdersActive.Dec()
	}
	e.report(o, logger)
}

// acquireLease maps the order's native symbol back to canonical (the Feed
// Aggregator's Acquire takes a canonical symbol) and
// registers demand for the order's lifetime.
func (e *Engine) acquireLease(ctx context.Context, o *Order) (*feed.Lease, error) {
	adapter, ok := e.adapters[o.Exchange]
	if !ok {
		return nil, apperr.Wrap(apperr.Client, "twap: unknown exchange %q", o.Exchange)
	}
	canonical, err := adapter.DenormalizeSymbol(o.NativeSymbol)
	if err != nil {
		return nil, apperr.Wrap(apperr.Client, "twap: denormalize %q on %s: %v", o.NativeSymbol, o.Exchange, err)
	}
	return e.aggregator.Acquire(ctx, canonical, o.Exchange)
}

// runSlice executes a single slice: wait for a usable book, price off
// top-of-book, apply the limit gate, record the fill.
func (e *Engine) runSlice(ctx context.Context, o *Order, lease *feed.Lease, logger zerolog.Logger, slice, total int) {
	b, ok := e.waitForBook(ctx, lease.Key())
	if !ok {
		logger.Warn().Int("slice", slice).Int("total_slices", total).Msg("twap: slice skipped, book still empty")
		e.countSlice("skipped_empty_book")
		return
	}

	var refPrice float64
	switch o.Side {
	case Buy:
		level, has := b.BestAsk()
		if !has {
			logger.Warn().Int("slice", slice).Msg("twap: slice skipped, no asks")
			e.countSlice("skipped_empty_side")
			return
		}
		refPrice = level.Price
	case Sell:
		level, has := b.BestBid()
		if !has {
			logger.Warn().Int("slice", slice).Msg("twap: slice skipped, no bids")
			e.countSlice("skipped_empty_side")
			return
		}
		refPrice = level.Price
	}

	if o.LimitPrice != nil {
		limit := *o.LimitPrice
		if o.Side == Buy && refPrice > limit {
			logger.Info().Int("slice", slice).Float64("ref_price", refPrice).Float64("limit_price", limit).Msg("twap: slice skipped, limit price not met")
			e.countSlice("skipped_limit")
			return
		}
		if o.Side == Sell && refPrice < limit {
			logger.Info().Int("slice", slice).Float64("ref_price", refPrice).Float64("limit_price", limit).Msg("twap: slice skipped, limit price not met")
			e.countSlice("skipped_limit")
			return
		}
	}

	perSlice := o.TotalQuantity / float64(total)
	executedNow, status := o.applySlice(time.Now(), refPrice, perSlice, Epsilon)
	e.countSlice("executed")
	if e.metrics != nil {
		e.metrics.TWAPFillQuantity.WithLabelValues(string(o.Exchange), string(o.Side)).Add(executedNow)
	}
	logger.Info().Int("slice", slice).Float64("price", refPrice).Float64("quantity", executedNow).Str("status", string(status)).Msg("twap: slice executed")
}

func (e *Engine) countSlice(result string) {
	if e.metrics != nil {
		e.metrics.TWAPSlices.WithLabelValues(result).Inc()
	}
}

// waitForBook polls the cache via a watch handle for up to BookWaitTimeout,
// returning the first non-empty book observed.
func (e *Engine) waitForBook(ctx context.Context, key book.Key) (book.Book, bool) {
	if b, ok := e.cache.Get(key); ok {
		return b, true
	}

	watch := e.cache.Watch(key)
	defer watch.Cancel()

	timeout := time.NewTimer(BookWaitTimeout)
	defer timeout.Stop()

	select {
	case b := <-watch.C:
		return b, true
	case <-timeout.C:
		return book.Book{}, false
	case <-ctx.Done():
		return book.Book{}, false
	}
}

// report logs a structured terminal-state summary for the order.
func (e *Engine) report(o *Order, logger zerolog.Logger) {
	snap := o.Snapshot()
	logger.Info().
		Str("status", string(snap.Status)).
		Float64("executed_quantity", snap.ExecutedQuantity).
		Float64("remaining_quantity", snap.RemainingQuantity).
		Int("fills", len(snap.ExecutionLog)).
		Msg("twap: order reached terminal state")
}
