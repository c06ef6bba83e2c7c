package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sawpanic/xgateway/internal/apperr"
	"github.com/sawpanic/xgateway/internal/breaker"
	"github.com/sawpanic/xgateway/internal/ratelimit"
	"github.com/sawpanic/xgateway/internal/symbols"
)

func newTestRESTClient(budget time.Duration) *RESTClient {
	c := NewRESTClient(symbols.Binance, ratelimit.NewRegistry(), breaker.New("rest-test"), time.Second, budget)
	c.Retry = ReconnectPolicy{Base: time.Millisecond, Max: 2 * time.Millisecond, Jitter: 0}
	return c
}

func TestGetJSON_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	if err := newTestRESTClient(time.Second).GetJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.OK || calls.Load() != 3 {
		t.Errorf("expected success on the third attempt, got ok=%v after %d calls", out.OK, calls.Load())
	}
}

func TestGetJSON_BudgetExhaustedSurfacesUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var out any
	err := newTestRESTClient(30 * time.Millisecond).GetJSON(context.Background(), srv.URL, &out)
	if !errors.Is(err, apperr.Upstream) {
		t.Fatalf("expected an UpstreamError once the budget runs out, got %v", err)
	}
}

func TestGetJSON_HonorsCallerDeadlineAsBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	var out any
	err := newTestRESTClient(time.Hour).GetJSON(ctx, srv.URL, &out)
	if !errors.Is(err, apperr.Upstream) {
		t.Fatalf("expected an UpstreamError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected the caller's deadline to bound the retries, took %s", elapsed)
	}
}

func TestGetJSON_DoesNotRetryClientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	var out any
	err := newTestRESTClient(time.Second).GetJSON(context.Background(), srv.URL, &out)
	if !errors.Is(err, apperr.Upstream) {
		t.Fatalf("expected an UpstreamError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected no retry on a 4xx response, got %d calls", calls.Load())
	}
}
