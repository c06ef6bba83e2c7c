// Package ratelimit provides per-exchange REST rate limiting: a registry
// of token-bucket limiters, one per exchange.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/sawpanic/xgateway/internal/symbols"
)

// Registry holds one token-bucket limiter per exchange.
type Registry struct {
	mu       sync.RWMutex
	limiters map[symbols.Exchange]*rate.Limiter
}

func NewRegistry() *Registry {
	return &Registry{limiters: make(map[symbols.Exchange]*rate.Limiter)}
}

// SetLimit configures (or replaces) the limiter for ex.
func (r *Registry) SetLimit(ex symbols.Exchange, rps float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[ex] = rate.NewLimiter(rate.Limit(rps), burst)
}

func (r *Registry) get(ex symbols.Exchange) *rate.Limiter {
	r.mu.RLock()
	l, ok := r.limiters[ex]
	r.mu.RUnlock()
	if ok {
		return l
	}
	return nil
}

// Wait blocks until a request against ex is allowed, or ctx is cancelled.
// Exchanges with no configured limiter proceed unthrottled.
func (r *Registry) Wait(ctx context.Context, ex symbols.Exchange) error {
	l := r.get(ex)
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// Allow reports whether a request against ex is allowed right now, without
// blocking.
func (r *Registry) Allow(ex symbols.Exchange) bool {
	l := r.get(ex)
	if l == nil {
		return true
	}
	return l.Allow()
}
