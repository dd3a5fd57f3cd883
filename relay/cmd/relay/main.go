// Package main is the entry point for the Tradernet relay.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go_tradernet/relay/internal/api"
	"go_tradernet/relay/internal/auth"
	"go_tradernet/relay/internal/cache"
	"go_tradernet/relay/internal/clock"
	"go_tradernet/relay/internal/config"
	"go_tradernet/relay/internal/fanout"
	"go_tradernet/relay/internal/grpc"
	"go_tradernet/relay/internal/logger"
	"go_tradernet/relay/internal/metrics"
	"go_tradernet/relay/internal/pricestore"
	"go_tradernet/relay/internal/ratelimit"
	"go_tradernet/relay/internal/supervisor"
	"go_tradernet/relay/pkg/types"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("TRADERNET_RELAY_CONFIG"))
	if err != nil {
		logger.InitDefault()
		logger.Log.Fatal("Failed to load config", zap.Error(err))
	}

	// Initialize logger
	if err := logger.Init(&logger.Config{
		Level:       cfg.Logger.Level,
		Development: cfg.Logger.Development,
		Encoding:    cfg.Logger.Encoding,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.Component("relay")
	marketClock := clock.New(cfg.Market.MIC)
	log.Info("Starting Tradernet relay",
		zap.String("store", cfg.Store.Driver),
		zap.String("market", cfg.Market.MIC),
		zap.Stringer("market_tz", marketClock.Location()),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("grpc_port", cfg.Server.GRPCPort))

	m := metrics.NewMetrics()

	pool, err := ants.NewPool(cfg.Pool.Size, ants.WithNonblocking(true))
	if err != nil {
		log.Fatal("Failed to create worker pool", zap.Error(err))
	}
	defer pool.Release()

	// Price cache
	openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := pricestore.Open(openCtx, cfg)
	cancel()
	if err != nil {
		log.Fatal("Failed to open price cache", zap.Error(err))
	}
	defer store.Close()
	log.Info("Price cache opened")

	cacheLayer := cache.NewLayer()
	seedCache(cacheLayer, store, cfg.Store.Timeout, log)

	fanoutHub := fanout.NewHub(cfg.Fanout.QueueSize, cfg.Fanout.EmitterSize, log, m)
	defer fanoutHub.Close()

	rateLimiter := ratelimit.NewLimiter(&cfg.Rate)
	defer rateLimiter.Close()

	batcher := pricestore.NewBatcher(store, pool, &pricestore.BatcherConfig{
		FlushInterval: cfg.Store.FlushInterval,
		Timeout:       cfg.Store.Timeout,
	}, log)

	sup, err := supervisor.New(&cfg.Supervisor, supervisor.Deps{
		Dialer: &supervisor.WSDialer{
			URL:       cfg.Broker.StreamURL,
			ReadLimit: cfg.Supervisor.ReadLimit,
		},
		Auth:     auth.NewClient(&auth.Config{Endpoint: cfg.Broker.LoginURL}),
		Phase:    marketClock,
		Recorder: pricestore.NewRecorder(store),
		Cache:    cacheLayer,
		Sink:     fanoutHub,
		Pool:     pool,
		Logger:   log,
		Metrics:  m,
	})
	if err != nil {
		log.Fatal("Failed to create supervisor", zap.Error(err))
	}
	if err := sup.Start(); err != nil {
		log.Fatal("Failed to start supervisor", zap.Error(err))
	}
	sup.SetDesiredSubscriptions(cfg.Tickers)

	// Local API
	server := api.NewServer(&cfg.Server, api.Deps{
		Relay:   sup,
		Cache:   cacheLayer,
		Fanout:  fanoutHub,
		Batcher: batcher,
		Limiter: rateLimiter,
		Metrics: m,
		Logger:  log,
	})
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.GRPCPort,
	}, fanoutHub, rateLimiter, m, log)
	if err != nil {
		log.Fatal("Failed to create gRPC server", zap.Error(err))
	}
	go func() {
		if err := grpcServer.Start(); err != nil {
			log.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	var streamServer *http.Server
	if cfg.Server.StreamPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/v1/stream", api.NewStreamHandler(cacheLayer, fanoutHub, log))
		streamServer = &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.StreamPort)),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("Starting stream server", zap.String("addr", streamServer.Addr))
			if err := streamServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal("Stream server failed", zap.Error(err))
			}
		}()
	}

	go autoConnect(sup, &cfg.Broker, cfg.Supervisor.ConnectTimeout, log)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if streamServer != nil {
		if err := streamServer.Shutdown(ctx); err != nil {
			log.Error("Stream server shutdown error", zap.Error(err))
		}
	}
	if err := server.Shutdown(); err != nil {
		log.Error("Server shutdown error", zap.Error(err))
	}
	grpcServer.Stop()
	sup.Close()
	if err := batcher.Stop(); err != nil {
		log.Error("Final price flush failed", zap.Error(err))
	}

	select {
	case <-ctx.Done():
		log.Warn("Shutdown timed out")
	default:
		log.Info("Shutdown complete")
	}
}

// seedCache loads the persisted prices as non-live quotes.
func seedCache(layer *cache.Layer, store pricestore.Store, timeout time.Duration, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	recs, err := store.All(ctx)
	if err != nil {
		log.Warn("Failed to load cached prices", zap.Error(err))
		return
	}
	quotes := make([]types.Quote, 0, len(recs))
	for _, rec := range recs {
		quotes = append(quotes, rec.Quote())
	}
	log.Info("Seeded quotes from price cache", zap.Int("count", layer.Seed(quotes)))
}

// autoConnect opens the session from the configured SID or credentials.
func autoConnect(sup *supervisor.Supervisor, broker *config.BrokerConfig, timeout time.Duration, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
	defer cancel()

	switch {
	case broker.SID != "":
		if !sup.Connect(ctx, broker.SID) {
			log.Warn("Initial connect failed, retrying in background")
		}
	case broker.Login != "" && broker.Password != "":
		if !sup.AuthenticateAndConnect(ctx, broker.Login, broker.Password) {
			log.Warn("Initial login failed")
		}
	default:
		log.Info("No session configured, waiting for POST /v1/session/connect")
	}
}
