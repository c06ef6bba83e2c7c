package book

import (
	"sync"
	"testing"
	"time"
)

func TestCache_PutGet(t *testing.T) {
	c := NewCache()
	key := Key{Exchange: "binance", NativeSymbol: "BTCUSDT"}

	if _, ok := c.Get(key); ok {
		t.Fatalf("expected no book before first Put")
	}

	now := time.Now()
	got := c.Put(key, []Level{{Price: 100, Quantity: 1}}, []Level{{Price: 101, Quantity: 1}}, now)
	if got.Version != 1 {
		t.Errorf("expected first Put to produce version 1, got %d", got.Version)
	}

	b, ok := c.Get(key)
	if !ok {
		t.Fatalf("expected a book after Put")
	}
	if b.Version != 1 || len(b.Bids) != 1 || b.Bids[0].Price != 100 {
		t.Errorf("unexpected book state: %+v", b)
	}
}

func TestCache_PutIncrementsVersionMonotonically(t *testing.T) {
	c := NewCache()
	key := Key{Exchange: "binance", NativeSymbol: "BTCUSDT"}

	for i := 1; i <= 5; i++ {
		got := c.Put(key, []Level{{Price: float64(i)}}, nil, time.Time{})
		if int(got.Version) != i {
			t.Errorf("Put #%d: version = %d, want %d", i, got.Version, i)
		}
	}
}

func TestCache_WatchReceivesExistingAndSubsequentUpdates(t *testing.T) {
	c := NewCache()
	key := Key{Exchange: "kraken", NativeSymbol: "XBT/USD"}

	c.Put(key, []Level{{Price: 1}}, nil, time.Time{})

	watch := c.Watch(key)
	defer watch.Cancel()

	select {
	case b := <-watch.C:
		if b.Version != 1 {
			t.Errorf("expected to observe the pre-existing version 1, got %d", b.Version)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial book on Watch")
	}

	c.Put(key, []Level{{Price: 2}}, nil, time.Time{})

	select {
	case b := <-watch.C:
		if b.Version != 2 {
			t.Errorf("expected version 2, got %d", b.Version)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second update")
	}
}

func TestCache_WatchCoalescesVersionsUnderBackpressure(t *testing.T) {
	c := NewCache()
	key := Key{Exchange: "okx", NativeSymbol: "ETH-USDT"}

	watch := c.Watch(key)
	defer watch.Cancel()

	for i := 1; i <= 10; i++ {
		c.Put(key, []Level{{Price: float64(i)}}, nil, time.Time{})
	}

	select {
	case b := <-watch.C:
		if b.Version != 10 {
			t.Errorf("expected the channel to hold only the latest version 10, got %d", b.Version)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for coalesced update")
	}

	select {
	case b := <-watch.C:
		t.Fatalf("expected no further buffered versions, got %+v", b)
	default:
	}
}

func TestCache_EvictRemovesEntry(t *testing.T) {
	c := NewCache()
	key := Key{Exchange: "binance", NativeSymbol: "BTCUSDT"}
	c.Put(key, []Level{{Price: 1}}, nil, time.Time{})

	c.Evict(key)

	if _, ok := c.Get(key); ok {
		t.Errorf("expected no book after Evict")
	}
}

func TestCache_SetMirrorInvokedOnPut(t *testing.T) {
	c := NewCache()
	key := Key{Exchange: "binance", NativeSymbol: "BTCUSDT"}

	var mu sync.Mutex
	var mirrored []Book
	c.SetMirror(func(k Key, b Book) {
		mu.Lock()
		defer mu.Unlock()
		mirrored = append(mirrored, b)
	})

	c.Put(key, []Level{{Price: 1}}, nil, time.Time{})

	mu.Lock()
	defer mu.Unlock()
	if len(mirrored) != 1 || mirrored[0].Version != 1 {
		t.Errorf("expected mirror callback to observe version 1, got %+v", mirrored)
	}
}

func TestCache_ConcurrentPutsProduceDistinctVersions(t *testing.T) {
	c := NewCache()
	key := Key{Exchange: "binance", NativeSymbol: "BTCUSDT"}

	var wg sync.WaitGroup
	const n = 100
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Put(key, []Level{{Price: float64(i)}}, nil, time.Time{})
		}(i)
	}
	wg.Wait()

	b, ok := c.Get(key)
	if !ok {
		t.Fatalf("expected a book after concurrent puts")
	}
	if b.Version != n {
		t.Errorf("expected final version %d, got %d", n, b.Version)
	}
}
