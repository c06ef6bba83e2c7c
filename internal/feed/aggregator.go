// Package feed implements the feed aggregator: exactly one logical
// upstream connection per exchange, demand-driven symbol subscription, and
// the sole write path into the Order-Book Cache for that exchange.
package feed

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/xgateway/internal/apperr"
	"github.com/sawpanic/xgateway/internal/book"
	"github.com/sawpanic/xgateway/internal/exchange"
	"github.com/sawpanic/xgateway/internal/metrics"
	"github.com/sawpanic/xgateway/internal/symbols"
)

// exchangeState is the per-exchange demand table plus the live stream
// handle, if any. Every mutation of demand or call into the adapter's
// Add/Remove/OpenBookStream goes through mu: demand-count mutations and
// adapter subscribe/unsubscribe requests are serialized per exchange.
type exchangeState struct {
	mu     sync.Mutex
	demand map[string]int
	handle exchange.BookStreamHandle
}

func (st *exchangeState) demandSnapshot() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.demand))
	for sym, n := range st.demand {
		if n > 0 {
			out = append(out, sym)
		}
	}
	return out
}

// Aggregator owns the upstream streams and the demand-count table.
type Aggregator struct {
	cache    *book.Cache
	adapters map[symbols.Exchange]exchange.Adapter
	policy   exchange.ReconnectPolicy

	mu     sync.Mutex
	states map[symbols.Exchange]*exchangeState

	metrics *metrics.Registry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetMetrics wires a metrics.Registry for lease and reconnect gauges.
// Optional: a nil registry (the default) skips recording.
func (a *Aggregator) SetMetrics(m *metrics.Registry) {
	a.metrics = m
}

// NewAggregator constructs an aggregator writing into cache, for the given
// adapters, using policy for reconnects.
func NewAggregator(cache *book.Cache, adapters map[symbols.Exchange]exchange.Adapter, policy exchange.ReconnectPolicy) *Aggregator {
	states := make(map[symbols.Exchange]*exchangeState, len(adapters))
	for ex := range adapters {
		states[ex] = &exchangeState{demand: make(map[string]int)}
	}
	return &Aggregator{cache: cache, adapters: adapters, policy: policy, states: states}
}

// Start launches one long-lived upstream task per supported exchange.
// It is safe to call once; Stop tears every task down.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	for ex := range a.adapters {
		ex := ex
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.runExchange(ctx, ex)
		}()
	}
}

// Stop cancels every upstream task and waits for them to exit.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Aggregator) stateFor(ex symbols.Exchange) *exchangeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[ex]
	if !ok {
		st = &exchangeState{demand: make(map[string]int)}
		a.states[ex] = st
	}
	return st
}

// runExchange owns the single upstream connection for ex: connect (with
// whatever demand currently exists), consume updates into the cache until
// the stream ends, then reconnect with backoff, forever, re-subscribing all
// currently-demanded symbols before the stream is considered healthy again.
func (a *Aggregator) runExchange(ctx context.Context, ex symbols.Exchange) {
	adapter := a.adapters[ex]
	st := a.stateFor(ex)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		handle, err := adapter.OpenBookStream(ctx, st.demandSnapshot())
		if err != nil {
			attempt++
			if a.metrics != nil {
				a.metrics.StreamReconnects.WithLabelValues(string(ex)).Inc()
			}
			backoff := a.policy.NextBackoff(attempt, rand.Float64)
			log.Warn().Str("exchange", string(ex)).Err(err).Dur("backoff", backoff).Msg("feed: upstream connect failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		attempt = 0
		st.mu.Lock()
		st.handle = handle
		st.mu.Unlock()

		log.Info().Str("exchange", string(ex)).Msg("feed: upstream connected")
		a.consume(ctx, ex, handle)

		st.mu.Lock()
		st.handle = nil
		st.mu.Unlock()

		if ctx.Err() != nil {
			_ = handle.Close()
			return
		}
		if a.metrics != nil {
			a.metrics.StreamReconnects.WithLabelValues(string(ex)).Inc()
		}
		log.Warn().Str("exchange", string(ex)).Msg("feed: upstream stream ended, reconnecting")
	}
}

// consume drains handle.Updates() into the cache until the channel closes
// (i.e. the adapter observed disconnection) or ctx is cancelled.
func (a *Aggregator) consume(ctx context.Context, ex symbols.Exchange, handle exchange.BookStreamHandle) {
	updates := handle.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			key := book.Key{Exchange: string(ex), NativeSymbol: update.NativeSymbol}
			a.cache.Put(key, update.Book.Bids, update.Book.Asks, update.Book.Timestamp)
		}
	}
}

// Acquire increments demand for (ex, canonicalSymbol), subscribing on the
// upstream connection on a 0->1 transition, and returns a Lease the caller
// must Release when done.
func (a *Aggregator) Acquire(ctx context.Context, canonicalSymbol string, ex symbols.Exchange) (*Lease, error) {
	adapter, ok := a.adapters[ex]
	if !ok {
		return nil, apperr.Wrap(apperr.Client, "feed: unknown exchange %q", ex)
	}

	native, err := adapter.NormalizeSymbol(canonicalSymbol)
	if err != nil {
		return nil, apperr.Wrap(apperr.Client, "feed: normalize %q on %s: %v", canonicalSymbol, ex, err)
	}

	st := a.stateFor(ex)

	// The adapter subscribe runs under the same lock as the demand mutation:
	// a concurrent 1->0 release and 0->1 acquire on the same key must not
	// leave the upstream unsubscribed.
	st.mu.Lock()
	st.demand[native]++
	if st.demand[native] == 1 && st.handle != nil {
		if err := st.handle.Add(native); err != nil {
			st.demand[native]--
			if st.demand[native] <= 0 {
				delete(st.demand, native)
			}
			st.mu.Unlock()
			return nil, fmt.Errorf("%w: feed: subscribe %s on %s: %v", apperr.Upstream, native, ex, err)
		}
	}
	st.mu.Unlock()
	// If handle is nil, the exchange task is between connections; the next
	// OpenBookStream call will pick native up from the demand snapshot.

	if a.metrics != nil {
		a.metrics.ActiveLeases.WithLabelValues(string(ex)).Inc()
	}
	key := book.Key{Exchange: string(ex), NativeSymbol: native}
	return &Lease{key: key, release: a.releaseFunc(ex)}, nil
}

func (a *Aggregator) releaseFunc(ex symbols.Exchange) func(book.Key) {
	return func(key book.Key) {
		st := a.stateFor(ex)

		st.mu.Lock()
		st.demand[key.NativeSymbol]--
		drained := st.demand[key.NativeSymbol] <= 0
		if drained {
			delete(st.demand, key.NativeSymbol)
			if st.handle != nil {
				if err := st.handle.Remove(key.NativeSymbol); err != nil {
					log.Warn().Str("exchange", key.Exchange).Str("symbol", key.NativeSymbol).Err(err).Msg("feed: unsubscribe failed")
				}
			}
		}
		st.mu.Unlock()

		if a.metrics != nil {
			a.metrics.ActiveLeases.WithLabelValues(string(ex)).Dec()
		}
		if drained {
			a.cache.Evict(key)
		}
	}
}

// Demand returns the current demand count for (ex, nativeSymbol).
func (a *Aggregator) Demand(ex symbols.Exchange, nativeSymbol string) int {
	st := a.stateFor(ex)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.demand[nativeSymbol]
}
