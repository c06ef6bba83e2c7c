// Package okx implements the OKX exchange.Adapter.
package okx

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
	restBase = "https://www.okx.com"
	wsBase   = "wss://ws.okx.com:8443/ws/v5/public"
	// MaxCandlesPerRequest is OKX's per-request candle cap.
	MaxCandlesPerRequest = 300
)

var barMap = map[string]string{
	"1m": "1m", "5m": "5m", "15m": "15m", "1h": "1H", "4h": "4H", "1d": "1D",
}

// Adapter is the OKX exchange.Adapter implementation.
type Adapter struct {
	rest *exchange.RESTClient
}

func New(rest *exchange.RESTClient) *Adapter { return &Adapter{rest: rest} }

func (a *Adapter) Exchange() symbols.Exchange { return symbols.OKX }

func (a *Adapter) NormalizeSymbol(canonical string) (string, error) {
	return symbols.Normalize(symbols.OKX, canonical)
}

func (a *Adapter) DenormalizeSymbol(native string) (string, error) {
	return symbols.Denormalize(symbols.OKX, native)
}

func (a *Adapter) ListSymbols(ctx context.Context) ([]string, error) {
	var resp struct {
		Data []struct {
			InstID string `json:"instId"`
			State  string `json:"state"`
		} `json:"data"`
	}
	if err := a.rest.GetJSON(ctx, restBase+"/api/v5/public/instruments?instType=SPOT", &resp); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.State != "live" {
			continue
		}
		canonical, err := symbols.Denormalize(symbols.OKX, d.InstID)
		if err != nil {
			continue
		}
		out = append(out, canonical)
	}
	return out, nil
}

// FetchCandles paginates /api/v5/market/history-candles, which returns
// newest-first, walking backwards from endMS until startMS is covered.
func (a *Adapter) FetchCandles(ctx context.Context, nativeSymbol, interval string, startMS, endMS int64) ([]exchange.Candle, error) {
	bar, ok := barMap[interval]
	if !ok {
		return nil, apperr.ErrUnsupportedInterval
	}

	var out []exchange.Candle
	before := endMS
	for {
		url := fmt.Sprintf("%s/api/v5/market/history-candles?instId=%s&bar=%s&after=%d&limit=%d",
			restBase, nativeSymbol, bar, before, MaxCandlesPerRequest)

		var resp struct {
			Data [][]string `json:"data"`
		}
		if err := a.rest.GetJSON(ctx, url, &resp); err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 {
			break
		}

		oldestInPage := int64(0)
		for _, row := range resp.Data {
			c, err := parseCandle(row)
			if err != nil {
				return nil, apperr.Wrap(apperr.Upstream, "okx: parse candle: %v", err)
			}
			if c.TimestampMS < startMS {
				continue
			}
			out = append(out, c)
			if oldestInPage == 0 || c.TimestampMS < oldestInPage {
				oldestInPage = c.TimestampMS
			}
		}

		if oldestInPage == 0 || oldestInPage <= startMS || len(resp.Data) < MaxCandlesPerRequest {
			break
		}
		before = oldestInPage
	}

	reverse(out)
	return out, nil
}

func reverse(c []exchange.Candle) {
	for i, j := 0, len(c)-1; i < j; i, j = i+1, j-1 {
		c[i], c[j] = c[j], c[i]
	}
}

func parseCandle(row []string) (exchange.Candle, error) {
	if len(row) < 6 {
		return exchange.Candle{}, fmt.Errorf("short candle row")
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	open, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	high, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	low, err := strconv.ParseFloat(row[3], 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	cls, err := strconv.ParseFloat(row[4], 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	vol, err := strconv.ParseFloat(row[5], 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	return exchange.Candle{TimestampMS: ts, Open: open, High: high, Low: low, Close: cls, Volume: vol}, nil
}

func (a *Adapter) OpenBookStream(ctx context.Context, nativeSymbols []string) (exchange.BookStreamHandle, error) {
	cfg := exchange.StreamConfig{
		Exchange:     string(symbols.OKX),
		URL:          wsBase,
		PingInterval: 20 * time.Second,
		BuildSubscribe: func(syms []string) any {
			return subscribeMsg("subscribe", syms)
		},
		BuildUnsubscribe: func(syms []string) any {
			return subscribeMsg("unsubscribe", syms)
		},
		Parse: parseBookFrame,
	}
	return exchange.OpenStream(ctx, cfg, nativeSymbols)
}

type okxArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

func subscribeMsg(op string, syms []string) map[string]any {
	args := make([]okxArg, len(syms))
	for i, s := range syms {
		args[i] = okxArg{Channel: "books5", InstID: s}
	}
	return map[string]any{"op": op, "args": args}
}

type okxBookFrame struct {
	Arg  okxArg `json:"arg"`
	Data []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	} `json:"data"`
}

func parseBookFrame(data []byte) ([]exchange.BookUpdate, error) {
	var f okxBookFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Arg.Channel != "books5" || len(f.Data) == 0 {
		return nil, fmt.Errorf("not a books5 frame")
	}

	d := f.Data[0]
	bids, err := parseLevels(d.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(d.Asks)
	if err != nil {
		return nil, err
	}

	return []exchange.BookUpdate{{
		NativeSymbol: f.Arg.InstID,
		Book:         book.Book{Bids: bids, Asks: asks, Timestamp: time.Now()},
	}}, nil
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
