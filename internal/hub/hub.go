// Package hub implements the subscription hub: per-client session
// state, subscribe/unsubscribe, and server-initiated book_update push with
// version-monotonic, backpressure-tolerant delivery.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sawpanic/xgateway/internal/apperr"
	"github.com/sawpanic/xgateway/internal/book"
	"github.com/sawpanic/xgateway/internal/feed"
	"github.com/sawpanic/xgateway/internal/symbols"
)

// Hub owns every live client session and routes it through the shared Feed
// Aggregator and Order-Book Cache.
type Hub struct {
	aggregator       *feed.Aggregator
	cache            *book.Cache
	defaultExchanges []symbols.Exchange
	grace            time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs a Hub. defaultExchanges is used whenever a client
// subscribes without specifying an explicit exchange set.
func New(aggregator *feed.Aggregator, cache *book.Cache, defaultExchanges []symbols.Exchange, grace time.Duration) *Hub {
	return &Hub{
		aggregator:       aggregator,
		cache:            cache,
		defaultExchanges: defaultExchanges,
		grace:            grace,
		sessions:         make(map[string]*Session),
	}
}

// Connect registers a new session for clientID over transport, replacing
// any prior session for the same client (a reconnect supersedes the old
// connection and releases its leases).
func (h *Hub) Connect(clientID string, transport Transport) *Session {
	h.mu.Lock()
	old, hadOld := h.sessions[clientID]
	session := newSession(clientID, transport, h.grace, h.forget)
	h.sessions[clientID] = session
	h.mu.Unlock()

	if hadOld {
		old.Close()
	}
	return session
}

func (h *Hub) forget(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.sessions[s.ClientID]; ok && cur == s {
		delete(h.sessions, s.ClientID)
	}
}

// Subscribe acquires a lease and a cache watch for every (symbol, exchange)
// the session does not already hold, given an explicit exchanges set or the
// hub's default set when exchanges is empty.
func (h *Hub) Subscribe(ctx context.Context, session *Session, symbol string, exchanges []symbols.Exchange) error {
	if len(exchanges) == 0 {
		exchanges = h.defaultExchanges
	}

	for _, ex := range exchanges {
		if session.hasLease(symbol, ex) {
			continue
		}

		lease, err := h.aggregator.Acquire(ctx, symbol, ex)
		if err != nil {
			return fmt.Errorf("hub: subscribe %s on %s: %w", symbol, ex, err)
		}

		watch := h.cache.Watch(lease.Key())
		stop := make(chan struct{})
		var stopOnce sync.Once

		// The watcher only forwards; the session's single send loop does
		// every transport write.
		go func(symbol string, ex symbols.Exchange) {
			defer watch.Cancel()
			for {
				select {
				case b, ok := <-watch.C:
					if !ok {
						return
					}
					session.enqueue(BookUpdate{CanonicalSymbol: symbol, Exchange: ex, Book: b})
				case <-stop:
					return
				case <-session.done:
					return
				}
			}
		}(symbol, ex)

		session.addLease(symbol, ex, lease, func() { stopOnce.Do(func() { close(stop) }) })
	}

	return nil
}

// Unsubscribe releases the session's leases for symbol on exchanges, or on
// every exchange the session holds for symbol when exchanges is empty.
func (h *Hub) Unsubscribe(session *Session, symbol string, exchanges []symbols.Exchange) {
	if len(exchanges) == 0 {
		subs := session.Subscriptions()
		exchanges = subs[symbol]
	}
	for _, ex := range exchanges {
		session.removeLease(symbol, ex)
	}
}

// ValidateExchanges checks every entry against the known set, returning an
// error naming the first unknown one.
func ValidateExchanges(exchanges []symbols.Exchange) error {
	for _, ex := range exchanges {
		if !symbols.Valid(ex) {
			return apperr.Wrap(apperr.Client, "hub: unknown exchange %q", ex)
		}
	}
	return nil
}

// SessionCount reports how many sessions are currently live (diagnostics).
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
