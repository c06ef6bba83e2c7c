// Package coinbase implements the Coinbase Pro exchange.Adapter.
package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sawpanic/xgateway/internal/apperr"
	"github.com/sawpanic/xgateway/internal/book"
	"github.com/sawpanic/xgateway/internal/exchange"
	"github.com/sawpanic/xgateway/internal/symbols"
)

const (
	restBase = "https://api.exchange.coinbase.com"
	wsBase   = "wss://ws-feed.exchange.coinbase.com"
	// MaxCandlesPerRequest is Coinbase Pro's per-request candle cap.
	MaxCandlesPerRequest = 300
)

var granularitySeconds = map[string]int64{
	"1m": 60, "5m": 300, "15m": 900, "1h": 3600, "4h": 14400, "1d": 86400,
}

// Adapter is the Coinbase Pro exchange.Adapter implementation.
type Adapter struct {
	rest *exchange.RESTClient
}

func New(rest *exchange.RESTClient) *Adapter { return &Adapter{rest: rest} }

func (a *Adapter) Exchange() symbols.Exchange { return symbols.CoinbasePro }

func (a *Adapter) NormalizeSymbol(canonical string) (string, error) {
	return symbols.Normalize(symbols.CoinbasePro, canonical)
}

func (a *Adapter) DenormalizeSymbol(native string) (string, error) {
	return symbols.Denormalize(symbols.CoinbasePro, native)
}

func (a *Adapter) ListSymbols(ctx context.Context) ([]string, error) {
	var products []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := a.rest.GetJSON(ctx, restBase+"/products", &products); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(products))
	for _, p := range products {
		if p.Status != "online" {
			continue
		}
		canonical, err := symbols.Denormalize(symbols.CoinbasePro, p.ID)
		if err != nil {
			continue
		}
		out = append(out, canonical)
	}
	return out, nil
}

// FetchCandles paginates /products/{id}/candles in granularity*300-second
// windows, Coinbase Pro's hard per-request cap.
func (a *Adapter) FetchCandles(ctx context.Context, nativeSymbol, interval string, startMS, endMS int64) ([]exchange.Candle, error) {
	gran, ok := granularitySeconds[interval]
	if !ok {
		return nil, apperr.ErrUnsupportedInterval
	}

	windowMS := gran * 1000 * MaxCandlesPerRequest
	var out []exchange.Candle
	cursor := startMS

	for cursor < endMS {
		windowEnd := cursor + windowMS
		if windowEnd > endMS {
			windowEnd = endMS
		}

		url := fmt.Sprintf("%s/products/%s/candles?granularity=%d&start=%s&end=%s",
			restBase, nativeSymbol, gran, isoTime(cursor), isoTime(windowEnd))

		var rows [][]float64
		if err := a.rest.GetJSON(ctx, url, &rows); err != nil {
			return nil, err
		}
		for _, row := range rows {
			if len(row) < 6 {
				continue
			}
			ts := int64(row[0]) * 1000
			if ts < startMS || ts >= endMS {
				continue
			}
			// Coinbase Pro candle rows: [time, low, high, open, close, volume]
			out = append(out, exchange.Candle{
				TimestampMS: ts,
				Open:        row[3],
				High:        row[2],
				Low:         row[1],
				Close:       row[4],
				Volume:      row[5],
			})
		}

		cursor = windowEnd
	}

	// Pages arrive newest-first.
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMS < out[j].TimestampMS })
	return out, nil
}

func isoTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func (a *Adapter) OpenBookStream(ctx context.Context, nativeSymbols []string) (exchange.BookStreamHandle, error) {
	books := newL2BookSet()
	cfg := exchange.StreamConfig{
		Exchange:     string(symbols.CoinbasePro),
		URL:          wsBase,
		PingInterval: 30 * time.Second,
		BuildSubscribe: func(syms []string) any {
			return subscribeMsg("subscribe", syms)
		},
		BuildUnsubscribe: func(syms []string) any {
			return subscribeMsg("unsubscribe", syms)
		},
		Parse: books.parse,
	}
	return exchange.OpenStream(ctx, cfg, nativeSymbols)
}

// l2BookSet maintains the full per-product price->quantity maps so
// incremental l2update deltas can be merged into a resort-and-truncate
// snapshot, rather than emitting a partial book on every delta.
type l2BookSet struct {
	bids map[string]map[float64]float64
	asks map[string]map[float64]float64
}

func newL2BookSet() *l2BookSet {
	return &l2BookSet{bids: make(map[string]map[float64]float64), asks: make(map[string]map[float64]float64)}
}

func (s *l2BookSet) sideFor(productID string, buy bool) map[float64]float64 {
	set := s.asks
	if buy {
		set = s.bids
	}
	m, ok := set[productID]
	if !ok {
		m = make(map[float64]float64)
		set[productID] = m
	}
	return m
}

func (s *l2BookSet) snapshot(productID string) book.Book {
	bids := toLevels(s.bids[productID])
	asks := toLevels(s.asks[productID])
	normBids, normAsks := book.Normalize(bids, asks)
	return book.Book{Bids: normBids, Asks: normAsks, Timestamp: time.Now()}
}

func toLevels(side map[float64]float64) []book.Level {
	out := make([]book.Level, 0, len(side))
	for price, qty := range side {
		if qty <= 0 {
			continue
		}
		out = append(out, book.Level{Price: price, Quantity: qty})
	}
	return out
}

func (s *l2BookSet) parse(data []byte) ([]exchange.BookUpdate, error) {
	var f l2Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	switch f.Type {
	case "snapshot":
		bids, err := parseLevels(f.Bids)
		if err != nil {
			return nil, err
		}
		asks, err := parseLevels(f.Asks)
		if err != nil {
			return nil, err
		}
		for _, l := range bids {
			s.sideFor(f.ProductID, true)[l.Price] = l.Quantity
		}
		for _, l := range asks {
			s.sideFor(f.ProductID, false)[l.Price] = l.Quantity
		}
		return []exchange.BookUpdate{{NativeSymbol: f.ProductID, Book: s.snapshot(f.ProductID)}}, nil

	case "l2update":
		for _, ch := range f.Changes {
			if len(ch) != 3 {
				continue
			}
			price, err := strconv.ParseFloat(ch[1], 64)
			if err != nil {
				continue
			}
			qty, err := strconv.ParseFloat(ch[2], 64)
			if err != nil {
				continue
			}
			side := s.sideFor(f.ProductID, ch[0] == "buy")
			if qty == 0 {
				delete(side, price)
			} else {
				side[price] = qty
			}
		}
		return []exchange.BookUpdate{{NativeSymbol: f.ProductID, Book: s.snapshot(f.ProductID)}}, nil

	default:
		return nil, fmt.Errorf("unhandled frame type %q", f.Type)
	}
}

func subscribeMsg(typ string, syms []string) map[string]any {
	return map[string]any{
		"type":        typ,
		"product_ids": syms,
		"channels":    []string{"level2_batch"},
	}
}

type l2Frame struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Changes   [][]string `json:"changes"`
}

func parseLevels(raw [][]string) ([]book.Level, error) {
	out := make([]book.Level, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		price, err := strconv.ParseFloat(lvl[0], 64)
		if err != nil {
			return nil, err
		}
		qty, err := strconv.ParseFloat(lvl[1], 64)
		if err != nil {
			return nil, err
		}
		out = append(out, book.Level{Price: price, Quantity: qty})
	}
	return out, nil
}
