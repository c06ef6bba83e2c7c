// Package binance implements the Binance exchange.Adapter.
package binance

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
	restBase = "https://api.binance.com"
	wsBase   = "wss://stream.binance.com:9443/stream"
	// MaxCandlesPerRequest is Binance's per-request kline cap.
	MaxCandlesPerRequest = 1000
)

var intervalMap = map[string]string{
	"1m": "1m", "5m": "5m", "15m": "15m", "1h": "1h", "4h": "4h", "1d": "1d",
}

// Adapter is the Binance exchange.Adapter implementation.
type Adapter struct {
	rest *exchange.RESTClient
}

// New constructs a Binance adapter over a shared REST client.
func New(rest *exchange.RESTClient) *Adapter {
	return &Adapter{rest: rest}
}

func (a *Adapter) Exchange() symbols.Exchange { return symbols.Binance }

func (a *Adapter) NormalizeSymbol(canonical string) (string, error) {
	return symbols.Normalize(symbols.Binance, canonical)
}

func (a *Adapter) DenormalizeSymbol(native string) (string, error) {
	return symbols.Denormalize(symbols.Binance, native)
}

// ListSymbols returns canonical symbols from /api/v3/exchangeInfo.
func (a *Adapter) ListSymbols(ctx context.Context) ([]string, error) {
	var resp struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"symbols"`
	}
	if err := a.rest.GetJSON(ctx, restBase+"/api/v3/exchangeInfo", &resp); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		canonical, err := symbols.Denormalize(symbols.Binance, s.Symbol)
		if err != nil {
			continue
		}
		out = append(out, canonical)
	}
	return out, nil
}

// FetchCandles paginates /api/v3/klines in MaxCandlesPerRequest windows
// until [startMS, endMS) is fully covered.
func (a *Adapter) FetchCandles(ctx context.Context, nativeSymbol, interval string, startMS, endMS int64) ([]exchange.Candle, error) {
	binInterval, ok := intervalMap[interval]
	if !ok {
		return nil, apperr.ErrUnsupportedInterval
	}

	var out []exchange.Candle
	cursor := startMS
	for cursor < endMS {
		url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&startTime=%d&endTime=%d&limit=%d",
			restBase, nativeSymbol, binInterval, cursor, endMS, MaxCandlesPerRequest)

		var rows [][]any
		if err := a.rest.GetJSON(ctx, url, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		last := cursor
		for _, row := range rows {
			c, err := parseKline(row)
			if err != nil {
				return nil, apperr.Wrap(apperr.Upstream, "binance: parse kline: %v", err)
			}
			if c.TimestampMS > last {
				last = c.TimestampMS
			}
			// endTime is inclusive upstream; the requested range is not.
			if c.TimestampMS >= endMS {
				continue
			}
			out = append(out, c)
		}

		if last <= cursor {
			break
		}
		cursor = last + 1

		if len(rows) < MaxCandlesPerRequest {
			break
		}
	}
	return out, nil
}

func parseKline(row []any) (exchange.Candle, error) {
	if len(row) < 6 {
		return exchange.Candle{}, fmt.Errorf("short kline row")
	}
	ts, ok := row[0].(float64)
	if !ok {
		return exchange.Candle{}, fmt.Errorf("bad open time")
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
	vol, err := strconv.ParseFloat(fmt.Sprint(row[5]), 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	return exchange.Candle{TimestampMS: int64(ts), Open: open, High: high, Low: low, Close: cls, Volume: vol}, nil
}

// OpenBookStream opens the combined-stream depth20 feed for nativeSymbols.
func (a *Adapter) OpenBookStream(ctx context.Context, nativeSymbols []string) (exchange.BookStreamHandle, error) {
	cfg := exchange.StreamConfig{
		Exchange:     string(symbols.Binance),
		URL:          wsBase,
		PingInterval: 3 * time.Minute,
		BuildSubscribe: func(syms []string) any {
			streams := make([]string, len(syms))
			for i, s := range syms {
				streams[i] = streamName(s)
			}
			return map[string]any{"method": "SUBSCRIBE", "params": streams, "id": time.Now().UnixNano()}
		},
		BuildUnsubscribe: func(syms []string) any {
			streams := make([]string, len(syms))
			for i, s := range syms {
				streams[i] = streamName(s)
			}
			return map[string]any{"method": "UNSUBSCRIBE", "params": streams, "id": time.Now().UnixNano()}
		},
		Parse: parseDepthFrame,
	}
	return exchange.OpenStream(ctx, cfg, nativeSymbols)
}

func streamName(nativeSymbol string) string {
	return fmt.Sprintf("%s@depth20@100ms", lower(nativeSymbol))
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

type depthFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	} `json:"data"`
}

func parseDepthFrame(data []byte) ([]exchange.BookUpdate, error) {
	var f depthFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Stream == "" {
		return nil, fmt.Errorf("not a depth frame")
	}

	sym := upper(depthSymbol(f.Stream))
	bids, err := parseLevels(f.Data.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(f.Data.Asks)
	if err != nil {
		return nil, err
	}

	return []exchange.BookUpdate{{
		NativeSymbol: sym,
		Book:         book.Book{Bids: bids, Asks: asks, Timestamp: time.Now()},
	}}, nil
}

func depthSymbol(stream string) string {
	for i := 0; i < len(stream); i++ {
		if stream[i] == '@' {
			return stream[:i]
		}
	}
	return stream
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

func parseLevels(raw [][2]string) ([]book.Level, error) {
	out := make([]book.Level, 0, len(raw))
	for _, lvl := range raw {
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
