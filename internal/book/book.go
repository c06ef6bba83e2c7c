// Package book implements the order-book snapshot type and the concurrent
// last-write-wins cache behind the gateway's streaming fan-out.
package book

import (
	"sort"
	"time"
)

// MaxLevels caps book depth: both sides are truncated to at most this many
// levels.
const MaxLevels = 10

// Level is one (price, quantity) resting order.
type Level struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Book is a last-write-wins top-of-book snapshot for one (exchange, native
// symbol) key. Bids are sorted descending by price, asks ascending, both
// truncated to MaxLevels.
type Book struct {
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Timestamp time.Time `json:"timestamp"`
	Version   uint64    `json:"version"`
}

// BestBid returns the best bid level and true, or the zero value and false
// if there are no bids.
func (b Book) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the best ask level and true, or the zero value and false
// if there are no asks.
func (b Book) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// Normalize sorts bids descending / asks ascending by price and truncates
// both sides to MaxLevels. Adapters call this before handing a reduced
// snapshot to the cache, so the cache never has to reconstruct diffs itself.
func Normalize(bids, asks []Level) (normBids, normAsks []Level) {
	normBids = append([]Level(nil), bids...)
	normAsks = append([]Level(nil), asks...)

	sort.Slice(normBids, func(i, j int) bool { return normBids[i].Price > normBids[j].Price })
	sort.Slice(normAsks, func(i, j int) bool { return normAsks[i].Price < normAsks[j].Price })

	if len(normBids) > MaxLevels {
		normBids = normBids[:MaxLevels]
	}
	if len(normAsks) > MaxLevels {
		normAsks = normAsks[:MaxLevels]
	}
	return normBids, normAsks
}

// Key identifies one (exchange, native symbol) order book.
type Key struct {
	Exchange     string
	NativeSymbol string
}
