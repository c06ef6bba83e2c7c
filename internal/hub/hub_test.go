package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sawpanic/xgateway/internal/book"
	"github.com/sawpanic/xgateway/internal/exchange"
	"github.com/sawpanic/xgateway/internal/feed"
	"github.com/sawpanic/xgateway/internal/symbols"
)

// fakeAdapter is an identity-normalizing exchange.Adapter whose
// OpenBookStream is never exercised: hub tests only drive demand through
// the aggregator, they never need a live upstream connection.
type fakeAdapter struct {
	ex symbols.Exchange
}

func (f *fakeAdapter) Exchange() symbols.Exchange { return f.ex }
func (f *fakeAdapter) ListSymbols(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeAdapter) FetchCandles(ctx context.Context, nativeSymbol, interval string, startMS, endMS int64) ([]exchange.Candle, error) {
	return nil, nil
}
func (f *fakeAdapter) OpenBookStream(ctx context.Context, nativeSymbols []string) (exchange.BookStreamHandle, error) {
	return nil, errors.New("fakeAdapter: no upstream in tests")
}
func (f *fakeAdapter) NormalizeSymbol(canonical string) (string, error) { return canonical, nil }
func (f *fakeAdapter) DenormalizeSymbol(native string) (string, error) { return native, nil }

// fakeTransport records every pushed update and can be configured to fail.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []BookUpdate
	fail    bool
	closed  bool
}

func (tr *fakeTransport) Send(update BookUpdate) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.fail {
		return errors.New("fakeTransport: send failed")
	}
	tr.sent = append(tr.sent, update)
	return nil
}

func (tr *fakeTransport) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.closed = true
	return nil
}

func (tr *fakeTransport) sentCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.sent)
}

func (tr *fakeTransport) isClosed() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.closed
}

func newTestHub() (*Hub, *book.Cache) {
	cache := book.NewCache()
	adapters := map[symbols.Exchange]exchange.Adapter{
		symbols.Binance: &fakeAdapter{ex: symbols.Binance},
	}
	agg := feed.NewAggregator(cache, adapters, exchange.DefaultReconnectPolicy())
	h := New(agg, cache, []symbols.Exchange{symbols.Binance}, 100*time.Millisecond)
	return h, cache
}

func TestHub_SubscribePushesBookUpdates(t *testing.T) {
	h, cache := newTestHub()
	tr := &fakeTransport{}
	session := h.Connect("client-1", tr)

	if err := h.Subscribe(context.Background(), session, "BTCUSDT", []symbols.Exchange{symbols.Binance}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key := book.Key{Exchange: string(symbols.Binance), NativeSymbol: "BTCUSDT"}
	cache.Put(key, []book.Level{{Price: 100}}, []book.Level{{Price: 101}}, time.Now())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && tr.sentCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.sentCount() == 0 {
		t.Fatalf("expected at least one push to the session's transport")
	}
}

func TestHub_Subscribe_DefaultExchangesWhenNoneGiven(t *testing.T) {
	h, _ := newTestHub()
	tr := &fakeTransport{}
	session := h.Connect("client-1", tr)

	if err := h.Subscribe(context.Background(), session, "BTCUSDT", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	subs := session.Subscriptions()
	exchanges, ok := subs["BTCUSDT"]
	if !ok || len(exchanges) != 1 || exchanges[0] != symbols.Binance {
		t.Errorf("expected subscription to fall back to the hub's default exchange, got %+v", subs)
	}
}

func TestHub_Subscribe_IsIdempotentPerSymbolExchange(t *testing.T) {
	h, _ := newTestHub()
	tr := &fakeTransport{}
	session := h.Connect("client-1", tr)

	if err := h.Subscribe(context.Background(), session, "BTCUSDT", []symbols.Exchange{symbols.Binance}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Subscribe(context.Background(), session, "BTCUSDT", []symbols.Exchange{symbols.Binance}); err != nil {
		t.Fatalf("unexpected error on resubscribe: %v", err)
	}

	subs := session.Subscriptions()
	if len(subs["BTCUSDT"]) != 1 {
		t.Errorf("expected exactly one subscription entry, got %+v", subs["BTCUSDT"])
	}
}

func TestHub_Unsubscribe_ReleasesLease(t *testing.T) {
	h, _ := newTestHub()
	tr := &fakeTransport{}
	session := h.Connect("client-1", tr)

	h.Subscribe(context.Background(), session, "BTCUSDT", []symbols.Exchange{symbols.Binance})
	h.Unsubscribe(session, "BTCUSDT", []symbols.Exchange{symbols.Binance})

	subs := session.Subscriptions()
	if len(subs["BTCUSDT"]) != 0 {
		t.Errorf("expected no remaining subscriptions after Unsubscribe, got %+v", subs)
	}
}

func TestHub_Connect_SupersedesPriorSession(t *testing.T) {
	h, _ := newTestHub()
	tr1 := &fakeTransport{}
	tr2 := &fakeTransport{}

	session1 := h.Connect("client-1", tr1)
	h.Subscribe(context.Background(), session1, "BTCUSDT", []symbols.Exchange{symbols.Binance})

	h.Connect("client-1", tr2)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !tr1.isClosed() {
		time.Sleep(5 * time.Millisecond)
	}
	if !tr1.isClosed() {
		t.Errorf("expected the prior session's transport to be closed on reconnect")
	}
	if h.SessionCount() != 1 {
		t.Errorf("expected exactly one live session, got %d", h.SessionCount())
	}
}

func TestHub_BackpressureClosesSessionPastGracePeriod(t *testing.T) {
	h, cache := newTestHub()
	tr := &fakeTransport{fail: true}
	session := h.Connect("client-1", tr)

	h.Subscribe(context.Background(), session, "BTCUSDT", []symbols.Exchange{symbols.Binance})

	key := book.Key{Exchange: string(symbols.Binance), NativeSymbol: "BTCUSDT"}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !tr.isClosed() {
		cache.Put(key, []book.Level{{Price: 100}}, nil, time.Now())
		time.Sleep(20 * time.Millisecond)
	}

	if !tr.isClosed() {
		t.Fatalf("expected the session to be torn down after the grace period elapses")
	}
}

// overlapTransport records whether two Sends ever ran concurrently.
type overlapTransport struct {
	inFlight   atomic.Int32
	overlapped atomic.Bool
	sent       atomic.Int32
}

func (tr *overlapTransport) Send(update BookUpdate) error {
	if tr.inFlight.Add(1) > 1 {
		tr.overlapped.Store(true)
	}
	time.Sleep(time.Millisecond)
	tr.inFlight.Add(-1)
	tr.sent.Add(1)
	return nil
}

func (tr *overlapTransport) Close() error { return nil }

func TestHub_SendsAreSerializedPerSession(t *testing.T) {
	cache := book.NewCache()
	adapters := map[symbols.Exchange]exchange.Adapter{
		symbols.Binance: &fakeAdapter{ex: symbols.Binance},
		symbols.Kraken:  &fakeAdapter{ex: symbols.Kraken},
	}
	agg := feed.NewAggregator(cache, adapters, exchange.DefaultReconnectPolicy())
	h := New(agg, cache, []symbols.Exchange{symbols.Binance, symbols.Kraken}, time.Second)

	tr := &overlapTransport{}
	session := h.Connect("client-1", tr)
	if err := h.Subscribe(context.Background(), session, "BTCUSDT", []symbols.Exchange{symbols.Binance, symbols.Kraken}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	binanceKey := book.Key{Exchange: string(symbols.Binance), NativeSymbol: "BTCUSDT"}
	krakenKey := book.Key{Exchange: string(symbols.Kraken), NativeSymbol: "BTCUSDT"}
	for i := 0; i < 50; i++ {
		cache.Put(binanceKey, []book.Level{{Price: float64(i)}}, nil, time.Now())
		cache.Put(krakenKey, []book.Level{{Price: float64(i)}}, nil, time.Now())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && tr.sent.Load() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.sent.Load() < 2 {
		t.Fatalf("expected pushes from both exchange watchers, got %d", tr.sent.Load())
	}
	if tr.overlapped.Load() {
		t.Errorf("expected all transport sends for one session to be serialized")
	}
}

func TestValidateExchanges(t *testing.T) {
	if err := ValidateExchanges([]symbols.Exchange{symbols.Binance, symbols.Kraken}); err != nil {
		t.Errorf("expected no error for known exchanges, got %v", err)
	}
	if err := ValidateExchanges([]symbols.Exchange{"bitstamp"}); err == nil {
		t.Errorf("expected an error for an unknown exchange")
	}
}
