// Package exchange defines the uniform capability set every per-exchange
// adapter implements, independent of wire protocol details.
package exchange

import (
	"context"
	"math"
	"time"

	"github.com/sawpanic/xgateway/internal/book"
	"github.com/sawpanic/xgateway/internal/symbols"
)

// Candle is one OHLCV bar.
type Candle struct {
	TimestampMS int64   `json:"timestamp_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
}

// BookUpdate is one decoded, top-N-reduced snapshot from an upstream stream.
type BookUpdate struct {
	NativeSymbol string
	Book         book.Book
}

// BookStreamHandle is the lazy sequence of book updates returned by
// OpenBookStream. Callers read Updates() until the handle is closed; Add/
// Remove adjust the subscribed symbol set on the underlying connection
// (or trigger a reconnect, at the adapter's discretion).
type BookStreamHandle interface {
	Updates() <-chan BookUpdate
	Add(nativeSymbol string) error
	Remove(nativeSymbol string) error
	Close() error
}

// Adapter is the per-exchange capability set.
type Adapter interface {
	Exchange() symbols.Exchange

	// ListSymbols returns canonical symbols available on this exchange.
	ListSymbols(ctx context.Context) ([]string, error)

	// FetchCandles paginates internally until [startMS, endMS) is covered,
	// respecting the exchange's per-request cap and rate limit.
	FetchCandles(ctx context.Context, nativeSymbol, interval string, startMS, endMS int64) ([]Candle, error)

	// OpenBookStream dials a new upstream connection, pre-subscribed to the
	// given native symbols. Each call opens its own connection.
	OpenBookStream(ctx context.Context, nativeSymbols []string) (BookStreamHandle, error)

	NormalizeSymbol(canonical string) (string, error)
	DenormalizeSymbol(native string) (string, error)
}

// ReconnectPolicy captures the exponential-backoff-with-jitter parameters
// shared by every adapter's upstream loop.
type ReconnectPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultReconnectPolicy caps backoff at 30s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Base: 250 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.3}
}

// NextBackoff returns the delay before the (1-indexed) attempt-th reconnect:
// Base doubled per attempt and capped at p.Max, then scaled by a jitter
// factor in [1-Jitter, 1+Jitter] and rounded to the nearest nanosecond.
func (p ReconnectPolicy) NextBackoff(attempt int, rand func() float64) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.Max {
			d = p.Max
			break
		}
	}
	jittered := float64(d) * (1 - p.Jitter + 2*p.Jitter*rand())
	return time.Duration(math.Round(jittered))
}
