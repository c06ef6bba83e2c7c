// Package kraken implements the Kraken exchange.Adapter.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sawpanic/xgateway/internal/apperr"
	"github.com/sawpanic/xgateway/internal/book"
	"github.com/sawpanic/xgateway/internal/exchange"
	"github.com/sawpanic/xgateway/internal/symbols"
)

const (
	restBase = "https://api.kraken.com"
	wsBase   = "wss://ws.kraken.com"
	// MaxCandlesPerRequest is Kraken's OHLC response cap (720 points).
	MaxCandlesPerRequest = 720
)

var intervalMinutes = map[string]int64{
	"1m": 1, "5m": 5, "15m": 15, "1h": 60, "4h": 240, "1d": 1440,
}

// Adapter is the Kraken exchange.Adapter implementation.
type Adapter struct {
	rest *exchange.RESTClient
}

func New(rest *exchange.RESTClient) *Adapter { return &Adapter{rest: rest} }

func (a *Adapter) Exchange() symbols.Exchange { return symbols.Kraken }

func (a *Adapter) NormalizeSymbol(canonical string) (string, error) {
	return symbols.Normalize(symbols.Kraken, canonical)
}

func (a *Adapter) DenormalizeSymbol(native string) (string, error) {
	return symbols.Denormalize(symbols.Kraken, native)
}

func (a *Adapter) ListSymbols(ctx context.Context) ([]string, error) {
	var resp struct {
		Result map[string]struct {
			WSName string `json:"wsname"`
			Status string `json:"status"`
		} `json:"result"`
	}
	if err := a.rest.GetJSON(ctx, restBase+"/0/public/AssetPairs", &resp); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(resp.Result))
	for _, p := range resp.Result {
		if p.Status != "online" || p.WSName == "" {
			continue
		}
		canonical, err := symbols.Denormalize(symbols.Kraken, p.WSName)
		if err != nil {
			continue
		}
		out = append(out, canonical)
	}
	return out, nil
}

// FetchCandles calls /0/public/OHLC once per MaxCandlesPerRequest window;
// Kraken's OHLC endpoint ignores an explicit end bound and always returns
// up to 720 points from `since`, so pagination walks forward by the last
// returned timestamp.
func (a *Adapter) FetchCandles(ctx context.Context, nativeSymbol, interval string, startMS, endMS int64) ([]exchange.Candle, error) {
	minutes, ok := intervalMinutes[interval]
	if !ok {
		return nil, apperr.ErrUnsupportedInterval
	}

	var out []exchange.Candle
	sinceSec := startMS / 1000

	for {
		url := fmt.Sprintf("%s/0/public/OHLC?pair=%s&interval=%d&since=%d",
			restBase, nativeSymbol, minutes, sinceSec)

		var resp struct {
			Error  []string                   `json:"error"`
			Result map[string]json.RawMessage `json:"result"`
		}
		if err := a.rest.GetJSON(ctx, url, &resp); err != nil {
			return nil, err
		}
		if len(resp.Error) > 0 {
			return nil, apperr.Wrap(apperr.Upstream, "kraken: %v", resp.Error)
		}

		rows, err := extractRows(resp.Result)
		if err != nil {
			return nil, apperr.Wrap(apperr.Upstream, "kraken: parse OHLC: %v", err)
		}
		if len(rows) == 0 {
			break
		}

		newest := sinceSec
		for _, row := range rows {
			c, err := parseRow(row)
			if err != nil {
				return nil, apperr.Wrap(apperr.Upstream, "kraken: parse OHLC row: %v", err)
			}
			if c.TimestampMS >= startMS && c.TimestampMS < endMS {
				out = append(out, c)
			}
			if c.TimestampMS/1000 > newest {
				newest = c.TimestampMS / 1000
			}
		}

		if newest <= sinceSec || newest*1000 >= endMS || len(rows) < MaxCandlesPerRequest {
			break
		}
		sinceSec = newest
	}
	return out, nil
}

// extractRows finds the one non-"last" key in Kraken's OHLC result map,
// which is keyed by the pair's internal altname.
func extractRows(result map[string]json.RawMessage) ([][]any, error) {
	for key, raw := range result {
		if key == "last" {
			continue
		}
		var rows [][]any
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
	return nil, nil
}

func parseRow(row []any) (exchange.Candle, error) {
	if len(row) < 7 {
		return exchange.Candle{}, fmt.Errorf("short OHLC row")
	}
	ts, ok := row[0].(float64)
	if !ok {
		return exchange.Candle{}, fmt.Errorf("bad time field")
	}
	open, err := strconv.ParseFloat(fmt.Sprint(row[1]), 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	high, err := strconv.ParseFloat(fmt.Sprint(row[2]), 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	low, err := strconv.ParseFloat(fmt.Sprint(row[3]), 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	cls, err := strconv.ParseFloat(fmt.Sprint(row[4]), 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	vol, err := strconv.ParseFloat(fmt.Sprint(row[6]), 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	return exchange.Candle{TimestampMS: int64(ts) * 1000, Open: open, High: high, Low: low, Close: cls, Volume: vol}, nil
}

func (a *Adapter) OpenBookStream(ctx context.Context, nativeSymbols []string) (exchange.BookStreamHandle, error) {
	books := newBookSet()
	cfg := exchange.StreamConfig{
		Exchange:     string(symbols.Kraken),
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

func subscribeMsg(event string, pairs []string) map[string]any {
	return map[string]any{
		"event": event,
		"pair":  pairs,
		"subscription": map[string]any{
			"name":  "book",
			"depth": 10,
		},
	}
}

// bookSet merges Kraken's snapshot ("bs"/"as") and delta ("b"/"a") payloads
// into full per-pair books, so every emitted update is a complete top-N
// snapshot rather than the raw delta.
type bookSet struct {
	bids map[string]map[float64]float64
	asks map[string]map[float64]float64
}

func newBookSet() *bookSet {
	return &bookSet{bids: make(map[string]map[float64]float64), asks: make(map[string]map[float64]float64)}
}

// parse handles Kraken's array-framed channel messages: [channelID, data...,
// channelName, pair], where a single frame may carry separate bid and ask
// payload objects. Subscription-status and heartbeat events (object frames)
// are rejected and dropped upstream.
func (s *bookSet) parse(data []byte) ([]exchange.BookUpdate, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("not an array frame")
	}
	if len(frame) < 4 {
		return nil, fmt.Errorf("short book frame")
	}

	var pair string
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
		return nil, fmt.Errorf("bad pair field")
	}

	touched := false
	for _, raw := range frame[1 : len(frame)-2] {
		var payload map[string][][]string
		if err := json.Unmarshal(raw, &payload); err != nil {
			continue
		}
		if err := s.apply(pair, payload); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			touched = true
		}
	}
	if !touched {
		return nil, fmt.Errorf("no book payload in frame")
	}

	b := s.snapshot(pair)
	if len(b.Bids) == 0 && len(b.Asks) == 0 {
		return nil, fmt.Errorf("empty book update")
	}
	return []exchange.BookUpdate{{NativeSymbol: pair, Book: b}}, nil
}

// apply folds one payload object into the pair's book: "bs"/"as" replace a
// whole side, "b"/"a" merge deltas (a zero volume removes the level).
func (s *bookSet) apply(pair string, payload map[string][][]string) error {
	for key, raw := range payload {
		levels, err := parseLevels(raw)
		if err != nil {
			return err
		}

		switch key {
		case "bs":
			s.bids[pair] = levelMap(levels)
		case "as":
			s.asks[pair] = levelMap(levels)
		case "b":
			mergeLevels(s.sideFor(pair, true), levels)
		case "a":
			mergeLevels(s.sideFor(pair, false), levels)
		}
	}
	return nil
}

func (s *bookSet) sideFor(pair string, bid bool) map[float64]float64 {
	set := s.asks
	if bid {
		set = s.bids
	}
	m, ok := set[pair]
	if !ok {
		m = make(map[float64]float64)
		set[pair] = m
	}
	return m
}

func (s *bookSet) snapshot(pair string) book.Book {
	toLevels := func(side map[float64]float64) []book.Level {
		out := make([]book.Level, 0, len(side))
		for price, qty := range side {
			out = append(out, book.Level{Price: price, Quantity: qty})
		}
		return out
	}
	normBids, normAsks := book.Normalize(toLevels(s.bids[pair]), toLevels(s.asks[pair]))
	return book.Book{Bids: normBids, Asks: normAsks, Timestamp: time.Now()}
}

func levelMap(levels []book.Level) map[float64]float64 {
	m := make(map[float64]float64, len(levels))
	for _, l := range levels {
		if l.Quantity > 0 {
			m[l.Price] = l.Quantity
		}
	}
	return m
}

func mergeLevels(side map[float64]float64, levels []book.Level) {
	for _, l := range levels {
		if l.Quantity == 0 {
			delete(side, l.Price)
		} else {
			side[l.Price] = l.Quantity
		}
	}
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
