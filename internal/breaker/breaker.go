// Package breaker circuit-breaks REST calls to upstream exchanges:
// repeated failures open the circuit so callers fail fast instead of
// burning the retry budget against a dead host.
package breaker

import (
	"time"

	cb "github.com/sony/gobreaker"
)

// Breaker wraps one exchange's REST call path.
type Breaker struct{ cb *cb.CircuitBreaker }

// New constructs a breaker named after the exchange it guards, tripping
// after 3 consecutive failures or a >5% failure rate over at least 20
// requests in a rolling 60s window.
func New(name string) *Breaker {
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Execute runs fn through the breaker, short-circuiting with
// gobreaker.ErrOpenState when tripped.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

// State reports the breaker's current state (for diagnostics/metrics).
func (b *Breaker) State() cb.State {
	return b.cb.State()
}
