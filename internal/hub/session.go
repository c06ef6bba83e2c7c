package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/xgateway/internal/book"
	"github.com/sawpanic/xgateway/internal/feed"
	"github.com/sawpanic/xgateway/internal/symbols"
)

// BookUpdate is one server-initiated push: "<symbol>" / "<exchange>" / book.
type BookUpdate struct {
	CanonicalSymbol string
	Exchange        symbols.Exchange
	Book            book.Book
}

// Transport is the per-connection send side the Hub pushes updates through.
// Implementations (e.g. the WebSocket transport) own their own write
// deadline; Send returning an error means the message was not delivered.
type Transport interface {
	Send(update BookUpdate) error
	Close() error
}

type subKey struct {
	symbol   string
	exchange symbols.Exchange
}

// Session is one streaming client's hub-side state. Every outbound update
// funnels through sendCh into a single send-loop goroutine, so the transport
// never sees concurrent Send calls.
type Session struct {
	ClientID  string
	transport Transport
	grace     time.Duration

	mu     sync.Mutex
	leases map[subKey]*feed.Lease
	stops  map[subKey]func()

	sendCh chan BookUpdate
	done   chan struct{}

	lastSendOK atomic.Int64 // unix nanos of last successful send
	closed     atomic.Bool
	onClose    func(*Session)
}

func newSession(clientID string, transport Transport, grace time.Duration, onClose func(*Session)) *Session {
	s := &Session{
		ClientID:  clientID,
		transport: transport,
		grace:     grace,
		leases:    make(map[subKey]*feed.Lease),
		stops:     make(map[subKey]func()),
		sendCh:    make(chan BookUpdate, 64),
		done:      make(chan struct{}),
	}
	s.onClose = onClose
	s.lastSendOK.Store(time.Now().UnixNano())
	go s.sendLoop()
	return s
}

// sendLoop is the session's one writer task: it drains sendCh and pushes to
// the transport until the session closes.
func (s *Session) sendLoop() {
	for {
		select {
		case <-s.done:
			return
		case u := <-s.sendCh:
			s.push(u)
		}
	}
}

// enqueue hands an update to the send loop, blocking until it is accepted or
// the session closes. Callers feeding from a coalescing watch channel keep
// their latest-version guarantee: while enqueue blocks, the watch buffer
// holds only the newest pending book.
func (s *Session) enqueue(update BookUpdate) {
	select {
	case s.sendCh <- update:
	case <-s.done:
	}
}

// Subscriptions returns the canonical symbol -> exchange set the session
// currently has active leases for (used for introspection and tests).
func (s *Session) Subscriptions() map[string][]symbols.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]symbols.Exchange)
	for k := range s.leases {
		out[k.symbol] = append(out[k.symbol], k.exchange)
	}
	return out
}

func (s *Session) hasLease(symbol string, ex symbols.Exchange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.leases[subKey{symbol, ex}]
	return ok
}

func (s *Session) addLease(symbol string, ex symbols.Exchange, lease *feed.Lease, stop func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[subKey{symbol, ex}] = lease
	s.stops[subKey{symbol, ex}] = stop
}

func (s *Session) removeLease(symbol string, ex symbols.Exchange) {
	key := subKey{symbol, ex}
	s.mu.Lock()
	lease, ok := s.leases[key]
	stop := s.stops[key]
	delete(s.leases, key)
	delete(s.stops, key)
	s.mu.Unlock()

	if ok {
		lease.Release()
	}
	if stop != nil {
		stop()
	}
}

// push delivers one book version to the client. Only the send loop calls
// it. Delivery failures are tolerated up to the configured grace period,
// after which the session is torn down.
func (s *Session) push(update BookUpdate) {
	if s.closed.Load() {
		return
	}

	if err := s.transport.Send(update); err != nil {
		last := time.Unix(0, s.lastSendOK.Load())
		if time.Since(last) > s.grace {
			log.Warn().Str("client_id", s.ClientID).Err(err).Msg("hub: client transport unwritable past grace period, closing session")
			s.closeInternal()
		}
		return
	}
	s.lastSendOK.Store(time.Now().UnixNano())
}

// Close tears the session down: releases every lease, stops every watch,
// and closes the transport. Idempotent.
func (s *Session) Close() {
	s.closeInternal()
}

func (s *Session) closeInternal() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.done)

	s.mu.Lock()
	keys := make([]subKey, 0, len(s.leases))
	for k := range s.leases {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, k := range keys {
		s.removeLease(k.symbol, k.exchange)
	}

	_ = s.transport.Close()
	if s.onClose != nil {
		s.onClose(s)
	}
}
