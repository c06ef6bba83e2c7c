package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/xgateway/internal/auth"
	"github.com/sawpanic/xgateway/internal/book"
	"github.com/sawpanic/xgateway/internal/config"
	"github.com/sawpanic/xgateway/internal/exchange"
	"github.com/sawpanic/xgateway/internal/exchange/binance"
	"github.com/sawpanic/xgateway/internal/exchange/coinbase"
	"github.com/sawpanic/xgateway/internal/exchange/kraken"
	"github.com/sawpanic/xgateway/internal/exchange/okx"
	"github.com/sawpanic/xgateway/internal/feed"
	"github.com/sawpanic/xgateway/internal/hub"
	"github.com/sawpanic/xgateway/internal/metrics"
	"github.com/sawpanic/xgateway/internal/ratelimit"
	"github.com/sawpanic/xgateway/internal/symbols"
	"github.com/sawpanic/xgateway/internal/transport"
	"github.com/sawpanic/xgateway/internal/twap"
)

const (
	appName = "xgateway"
	version = "v0.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-exchange market-data and execution gateway",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("gatewayd: fatal")
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cache := book.NewCache()
	reg := metrics.New()
	cache.SetMetrics(reg)

	if cfg.Redis.Enabled {
		mirror := book.NewRedisMirror(cfg.Redis.Addr, cfg.Redis.DB, "xgateway:book_updates")
		cache.SetMirror(mirror.AsCallback())
		defer mirror.Close()
		log.Info().Str("addr", cfg.Redis.Addr).Msg("gatewayd: redis book mirror enabled")
	}

	limiter := ratelimit.NewRegistry()
	restClients := exchange.NewRESTClients(limiter, cfg.Exchanges.RESTTimeout, cfg.Exchanges.RESTBudget)

	adapters := map[symbols.Exchange]exchange.Adapter{
		symbols.Binance:     binance.New(restClients[symbols.Binance]),
		symbols.OKX:         okx.New(restClients[symbols.OKX]),
		symbols.CoinbasePro: coinbase.New(restClients[symbols.CoinbasePro]),
		symbols.Kraken:      kraken.New(restClients[symbols.Kraken]),
	}

	policy := exchange.ReconnectPolicy{Base: 250 * time.Millisecond, Max: cfg.Exchanges.ReconnectMaxBackoff, Jitter: 0.3}
	aggregator := feed.NewAggregator(cache, adapters, policy)
	aggregator.SetMetrics(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	aggregator.Start(ctx)
	defer aggregator.Stop()

	h := hub.New(aggregator, cache, symbols.All(), cfg.Auth.ClientSendGrace)
	engine := twap.NewEngine(aggregator, cache, adapters)
	engine.SetMetrics(reg)

	authStore, closeStore := buildAuthStore(cfg)
	if closeStore != nil {
		defer closeStore()
	}
	authSvc := auth.NewService(authStore, cfg.Auth.TokenTTL, cfg.Auth.AdminUsername)
	if err := authSvc.Register(ctx, cfg.Auth.AdminUsername, cfg.Auth.AdminPassword, true); err != nil {
		log.Warn().Err(err).Msg("gatewayd: admin account already present")
	}

	server := transport.New(transport.Config{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		KlinesBudget: cfg.Exchanges.RESTBudget,
	}, authSvc, adapters, engine, h, reg)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)).Msg("gatewayd: listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("gatewayd: shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// buildAuthStore wires a Postgres-backed auth.Store when enabled, otherwise
// an in-memory one.
func buildAuthStore(cfg config.Config) (auth.Store, func()) {
	if !cfg.Postgres.Enabled {
		return auth.NewMemoryStore(), nil
	}

	db, err := sqlx.Connect("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("gatewayd: connect postgres")
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	return auth.NewPostgresStore(db, cfg.Postgres.QueryTimeout), func() { db.Close() }
}
