package exchange

import (
	"time"

	"github.com/sawpanic/xgateway/internal/breaker"
	"github.com/sawpanic/xgateway/internal/ratelimit"
	"github.com/sawpanic/xgateway/internal/symbols"
)

// RESTDefaults are the per-exchange REST rate limits wired into the shared
// ratelimit.Registry at startup (conservative, public-endpoint figures).
var RESTDefaults = map[symbols.Exchange]struct {
	RPS   float64
	Burst int
}{
	symbols.Binance:     {RPS: 10, Burst: 20},
	symbols.OKX:         {RPS: 5, Burst: 10},
	symbols.CoinbasePro: {RPS: 3, Burst: 6},
	symbols.Kraken:      {RPS: 1, Burst: 3},
}

// NewRESTClients builds one rate-limited, circuit-broken RESTClient per
// supported exchange, sharing a single ratelimit.Registry.
func NewRESTClients(limiter *ratelimit.Registry, timeout, budget time.Duration) map[symbols.Exchange]*RESTClient {
	out := make(map[symbols.Exchange]*RESTClient, len(symbols.All()))
	for _, ex := range symbols.All() {
		if d, ok := RESTDefaults[ex]; ok {
			limiter.SetLimit(ex, d.RPS, d.Burst)
		}
		out[ex] = NewRESTClient(ex, limiter, breaker.New(string(ex)), timeout, budget)
	}
	return out
}
