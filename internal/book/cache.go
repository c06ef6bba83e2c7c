package book

import (
	"sync"
	"time"

	"github.com/sawpanic/xgateway/internal/metrics"
)

// watcher is a single subscriber's non-blocking notification channel. The
// channel carries only the latest Book at any instant: a full buffer is
// drained and replaced rather than grown, so a slow watcher never blocks
// the writer and never misses the final version.
type watcher struct {
	ch chan Book
}

func newWatcher() *watcher {
	return &watcher{ch: make(chan Book, 1)}
}

func (w *watcher) notify(b Book) {
	select {
	case w.ch <- b:
		return
	default:
	}
	// Buffer held a stale version; drop it and push the latest.
	select {
	case <-w.ch:
	default:
	}
	select {
	case w.ch <- b:
	default:
	}
}

// entry is the cache's per-key state: the latest book plus its watchers.
type entry struct {
	mu       sync.RWMutex
	book     Book
	watchers map[int]*watcher
	nextID   int
}

// Cache is the concurrent (exchange, native symbol) -> Book map.
// The Feed Aggregator is the sole writer per exchange; any
// number of readers may Get or Watch concurrently.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]*entry

	// onPut, if set, is invoked after every committed Put (used to mirror
	// updates to Redis Pub/Sub for multi-replica fan-out; see notify.go).
	onPut func(Key, Book)

	metrics *metrics.Registry
}

// SetMetrics wires a metrics.Registry so every Put records a book version
// counter. Optional: a nil registry (the default) simply skips recording.
func (c *Cache) SetMetrics(m *metrics.Registry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// NewCache constructs an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[Key]*entry)}
}

// SetMirror registers a callback invoked after every committed write. It is
// fire-and-forget from the cache's perspective: the callback must not block.
func (c *Cache) SetMirror(fn func(Key, Book)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPut = fn
}

func (c *Cache) getOrCreateEntry(key Key) *entry {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e
	}
	e = &entry{watchers: make(map[int]*watcher)}
	c.entries[key] = e
	return e
}

// Put atomically replaces the book at key, incrementing its version, and
// publishes the new snapshot to every current watcher. A zero ts is stamped
// with the ingestion time.
func (c *Cache) Put(key Key, bids, asks []Level, ts time.Time) Book {
	if ts.IsZero() {
		ts = time.Now()
	}
	e := c.getOrCreateEntry(key)

	e.mu.Lock()
	version := e.book.Version + 1
	normBids, normAsks := Normalize(bids, asks)
	newBook := Book{
		Bids:      normBids,
		Asks:      normAsks,
		Timestamp: ts,
		Version:   version,
	}
	e.book = newBook
	watchersSnapshot := make([]*watcher, 0, len(e.watchers))
	for _, w := range e.watchers {
		watchersSnapshot = append(watchersSnapshot, w)
	}
	e.mu.Unlock()

	for _, w := range watchersSnapshot {
		w.notify(newBook)
	}

	c.mu.RLock()
	mirror := c.onPut
	m := c.metrics
	c.mu.RUnlock()
	if mirror != nil {
		mirror(key, newBook)
	}
	if m != nil {
		m.BookVersions.WithLabelValues(key.Exchange, key.NativeSymbol).Inc()
	}

	return newBook
}

// Get returns the latest book at key and true, or the zero value and false
// if the key has never been written.
func (c *Cache) Get(key Key) (Book, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Book{}, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.book.Version == 0 {
		return Book{}, false
	}
	return e.book, true
}

// WatchHandle is returned by Watch; callers must call Cancel when done to
// release the watcher slot.
type WatchHandle struct {
	C      <-chan Book
	cancel func()
}

// Cancel unregisters the watch. Idempotent.
func (h *WatchHandle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Watch registers a new watcher on key and returns a handle whose channel
// receives every committed Put's resulting Book, coalescing versions a slow
// reader cannot keep up with (it always eventually observes the latest).
func (c *Cache) Watch(key Key) *WatchHandle {
	e := c.getOrCreateEntry(key)
	w := newWatcher()

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.watchers[id] = w
	if e.book.Version > 0 {
		w.notify(e.book)
	}
	e.mu.Unlock()

	return &WatchHandle{
		C: w.ch,
		cancel: func() {
			e.mu.Lock()
			delete(e.watchers, id)
			e.mu.Unlock()
		},
	}
}

// Evict drops the cache entry for key, e.g. once demand has dropped to zero
// and the aggregator has closed the upstream subscription. Evict is
// best-effort bookkeeping; a stale book is never served as if it were fresh.
func (c *Cache) Evict(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
