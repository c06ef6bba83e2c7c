package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/sawpanic/xgateway/internal/apperr"
	"github.com/sawpanic/xgateway/internal/breaker"
	"github.com/sawpanic/xgateway/internal/ratelimit"
	"github.com/sawpanic/xgateway/internal/symbols"
)

// RESTClient wraps a shared *http.Client with per-exchange rate limiting and
// circuit breaking, the common REST path every adapter's FetchCandles goes
// through.
type RESTClient struct {
	HTTP    *http.Client
	Limiter *ratelimit.Registry
	Breaker *breaker.Breaker
	Ex      symbols.Exchange

	// Retry paces transient-failure retries; Budget bounds the whole call
	// when the caller's context carries no deadline of its own.
	Retry  ReconnectPolicy
	Budget time.Duration
}

// NewRESTClient builds a RESTClient. A zero timeout falls back to 10s, a
// zero budget to 120s.
func NewRESTClient(ex symbols.Exchange, limiter *ratelimit.Registry, br *breaker.Breaker, timeout, budget time.Duration) *RESTClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if budget == 0 {
		budget = 120 * time.Second
	}
	return &RESTClient{
		HTTP:    &http.Client{Timeout: timeout},
		Limiter: limiter,
		Breaker: br,
		Ex:      ex,
		Retry:   ReconnectPolicy{Base: 250 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.3},
		Budget:  budget,
	}
}

// permanentError marks upstream responses retrying cannot fix (4xx).
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

// GetJSON waits for rate-limit admission, executes the request through the
// breaker, and decodes a 2xx JSON body into out. Transient failures (network
// errors, 5xx, an open breaker) retry with capped backoff until the
// total-operation budget runs out — the ctx deadline, or Budget when the
// caller set none — then the last error surfaces as an UpstreamError.
func (c *RESTClient) GetJSON(ctx context.Context, url string, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Budget)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := c.Limiter.Wait(ctx, c.Ex); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return fmt.Errorf("%w: %s: %v", apperr.Upstream, c.Ex, lastErr)
		}

		result, err := c.Breaker.Execute(func() (any, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			resp, err := c.HTTP.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode/100 == 4 {
				return nil, &permanentError{fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
			}
			if resp.StatusCode/100 != 2 {
				return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
			}
			return body, nil
		})
		if err == nil {
			body := result.([]byte)
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("%w: %s: decode response: %v", apperr.Upstream, c.Ex, err)
			}
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return fmt.Errorf("%w: %s: %v", apperr.Upstream, c.Ex, perm.err)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", apperr.Upstream, c.Ex, lastErr)
		case <-time.After(c.Retry.NextBackoff(attempt, rand.Float64)):
		}
	}
}
