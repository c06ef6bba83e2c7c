// Package transport implements the gateway's external interfaces:
// the REST API and the client-facing /ws WebSocket endpoint.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sawpanic/xgateway/internal/apperr"
	"github.com/sawpanic/xgateway/internal/auth"
	"github.com/sawpanic/xgateway/internal/exchange"
	"github.com/sawpanic/xgateway/internal/hub"
	"github.com/sawpanic/xgateway/internal/metrics"
	"github.com/sawpanic/xgateway/internal/symbols"
	"github.com/sawpanic/xgateway/internal/twap"
)

// Server is the gateway's HTTP + WebSocket surface.
type Server struct {
	router       *mux.Router
	httpSrv      *http.Server
	auth         *auth.Service
	adapters     map[symbols.Exchange]exchange.Adapter
	engine       *twap.Engine
	hub          *hub.Hub
	metrics      *metrics.Registry
	klinesBudget time.Duration
}

// Config is the listener configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// KlinesBudget bounds one historical-candle fetch end to end, across
	// however many upstream pages it takes. Zero means 120s.
	KlinesBudget time.Duration
}

// New wires routes onto a fresh mux.Router.
func New(cfg Config, authSvc *auth.Service, adapters map[symbols.Exchange]exchange.Adapter, engine *twap.Engine, h *hub.Hub, m *metrics.Registry) *Server {
	if cfg.KlinesBudget == 0 {
		cfg.KlinesBudget = 120 * time.Second
	}
	s := &Server{
		router:       mux.NewRouter(),
		auth:         authSvc,
		adapters:     adapters,
		engine:       engine,
		hub:          h,
		metrics:      m,
		klinesBudget: cfg.KlinesBudget,
	}
	s.setupRoutes()
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// ListenAndServe starts the HTTP server (blocking).
func (s *Server) ListenAndServe() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(requestIDMiddleware)
	s.router.Use(loggingMiddleware)
	s.router.Use(metricsMiddleware(s.metrics))

	s.router.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)

	s.router.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	s.router.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	s.router.HandleFunc("/exchanges", s.handleExchanges).Methods(http.MethodGet)
	s.router.HandleFunc("/klines/{exchange}/{symbol}", s.handleKlines).Methods(http.MethodGet)

	// The streaming endpoint authenticates via a token query parameter
	// rather than the Authorization header, inside the handler itself.
	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	authed := s.router.NewRoute().Subrouter()
	authed.Use(authMiddleware(s.auth))

	authed.HandleFunc("/logoff", s.handleLogoff).Methods(http.MethodPost)
	authed.HandleFunc("/unregister", s.handleUnregister).Methods(http.MethodDelete)
	authed.HandleFunc("/orders/twap", s.handleSubmitTWAP).Methods(http.MethodPost)
	authed.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)
	authed.HandleFunc("/orders/{order_id}", s.handleGetOrder).Methods(http.MethodGet)
	authed.HandleFunc("/orders/{order_id}", s.handleCancelOrder).Methods(http.MethodDelete)

	admin := s.router.NewRoute().Subrouter()
	admin.Use(authMiddleware(s.auth))
	admin.Use(requireAdmin(s.auth))
	admin.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)

	// Registered last so the {exchange} wildcard never shadows a literal
	// first segment above.
	s.router.HandleFunc("/{exchange}/symbols", s.handleSymbols).Methods(http.MethodGet)

	s.router.Path("/metrics").Handler(s.metrics.Handler())
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.Client, "malformed request body"))
		return
	}
	if err := s.auth.Register(r.Context(), req.Username, req.Password, false); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message": "user " + req.Username + " registered"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.Client, "malformed request body"))
		return
	}
	token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token.ID,
		"token_type":   "bearer",
		"expires_at":   token.ExpiresAt,
	})
}

func (s *Server) handleLogoff(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logoff(r.Context(), bearerToken(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged off"})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	u, _ := userFromCtx(r.Context())
	if err := s.auth.Unregister(r.Context(), u.Username); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "unregistered"})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.auth.Users(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"exchanges": symbols.All()})
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	ex := symbols.Exchange(mux.Vars(r)["exchange"])
	adapter, ok := s.adapters[ex]
	if !ok {
		writeError(w, apperr.ErrUnknownExchange)
		return
	}
	syms, err := adapter.ListSymbols(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbols": syms})
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ex := symbols.Exchange(vars["exchange"])
	symbol := vars["symbol"]

	adapter, ok := s.adapters[ex]
	if !ok {
		writeError(w, apperr.ErrUnknownExchange)
		return
	}

	if !twap.ValidSymbol(symbol) {
		writeError(w, apperr.ErrInvalidSymbol)
		return
	}

	q := r.URL.Query()
	interval := q.Get("interval")
	if interval == "" {
		interval = "1d"
	}

	// Omitted bounds default to the last five days.
	now := time.Now().UTC()
	start, end := now.AddDate(0, 0, -5), now
	var err1, err2 error
	if v := q.Get("start_date"); v != "" {
		start, err1 = parseDate(v)
	}
	if v := q.Get("end_date"); v != "" {
		end, err2 = parseDate(v)
	}
	if err1 != nil || err2 != nil || !start.Before(end) {
		writeError(w, apperr.ErrInvalidRange)
		return
	}
	startMS := start.UnixMilli()
	endMS := end.UnixMilli()

	native, err := adapter.NormalizeSymbol(symbol)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Client, "%v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.klinesBudget)
	defer cancel()

	candles, err := adapter.FetchCandles(ctx, native, interval, startMS, endMS)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, candles)
}

// parseDate accepts YYYY-MM-DD or YYYY-MM-DDTHH:MM:SS, both UTC.
func parseDate(s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", s, time.UTC)
}

type twapRequest struct {
	OrderID              string   `json:"order_id"`
	Exchange             string   `json:"exchange"`
	Symbol               string   `json:"symbol"`
	Side                 string   `json:"side"`
	TotalQuantity        float64  `json:"total_quantity"`
	LimitPrice           *float64 `json:"limit_price"`
	DurationSeconds      int      `json:"duration_seconds"`
	SliceIntervalSeconds int      `json:"slice_interval_seconds"`
}

func (s *Server) handleSubmitTWAP(w http.ResponseWriter, r *http.Request) {
	u, _ := userFromCtx(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Client, "malformed request body"))
		return
	}

	var reqs []twapRequest
	if err := json.Unmarshal(body, &reqs); err != nil {
		var single twapRequest
		if err2 := json.Unmarshal(body, &single); err2 != nil {
			writeError(w, apperr.Wrap(apperr.Client, "malformed request body"))
			return
		}
		reqs = []twapRequest{single}
	}

	batch := make([]twap.Request, len(reqs))
	for i, req := range reqs {
		batch[i] = twap.Request{
			OrderID:              req.OrderID,
			Owner:                u.Username,
			Exchange:             symbols.Exchange(req.Exchange),
			Symbol:               req.Symbol,
			Side:                 twap.Side(req.Side),
			TotalQuantity:        req.TotalQuantity,
			LimitPrice:           req.LimitPrice,
			DurationSeconds:      req.DurationSeconds,
			SliceIntervalSeconds: req.SliceIntervalSeconds,
		}
	}

	orders, err := s.engine.SubmitBatch(r.Context(), batch)
	if err != nil {
		writeError(w, err)
		return
	}

	snapshots := make([]twap.Snapshot, len(orders))
	for i, o := range orders {
		snapshots[i] = o.Snapshot()
	}
	writeJSON(w, http.StatusAccepted, snapshots)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	u, _ := userFromCtx(r.Context())
	q := r.URL.Query()
	status := twap.Status(q.Get("order_status"))
	orderID := q.Get("order_id")

	orders := s.engine.List(u.Username, status)
	snapshots := make([]twap.Snapshot, 0, len(orders))
	for _, o := range orders {
		if orderID != "" && o.ID != orderID {
			continue
		}
		snapshots = append(snapshots, o.Snapshot())
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	u, _ := userFromCtx(r.Context())
	orderID := mux.Vars(r)["order_id"]

	o, ok := s.engine.Get(orderID)
	if !ok || o.Owner != u.Username {
		writeError(w, apperr.ErrOrderNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o.Snapshot())
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	u, _ := userFromCtx(r.Context())
	orderID := mux.Vars(r)["order_id"]

	if err := s.engine.Cancel(orderID, u.Username); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})
}
