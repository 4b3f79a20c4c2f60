package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/photopay/payment-engine/internal/config"
	"github.com/photopay/payment-engine/internal/events"
	"github.com/photopay/payment-engine/internal/gateway"
	"github.com/photopay/payment-engine/internal/ledger"
	"github.com/photopay/payment-engine/internal/metrics"
	"github.com/photopay/payment-engine/internal/payment"
	"github.com/photopay/payment-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// Cleanup runs in reverse registration order.
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache and keep quotes in Redis if configured.
	var quotes store.QuoteCache = store.NewMemoryQuoteCache(cfg.QuoteTTL)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		quotes = store.NewRedisQuoteCache(rdb, cfg.QuoteTTL)
		slog.Info("Redis cache enabled")
	}

	// --- Event sinks ---
	ctx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	wsHub := events.NewWSHub()
	go wsHub.Run(ctx)

	publisher := events.Multi{wsHub}
	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.NATSURL)
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() {
			if err := nc.Drain(); err != nil {
				slog.Error("nats drain failed", "err", err)
			}
		})
		publisher = append(publisher, nc)
	}

	// --- Ledger and gateway ---
	ledgerClient := ledger.NewRPCClient(cfg.LedgerRPCURL, cfg.LedgerTimeout)
	gw := gateway.New(gateway.Config{
		Enabled: cfg.GatewayEnabled,
		BaseURL: cfg.GatewayURL,
		Timeout: cfg.GatewayTimeout,
	})
	slog.Info("ledger configured", "rpc", cfg.LedgerRPCURL, "gateway_enabled", gw.Enabled())

	// --- Payment service ---
	paymentSvc := payment.NewService(st, ledgerClient, gw, quotes, publisher, payment.RetryPolicy{
		Attempts:   cfg.VerifyAttempts,
		Backoff:    cfg.VerifyBackoff,
		MaxBackoff: cfg.VerifyMaxBackoff,
	})
	handler := payment.NewHandler(paymentSvc)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for the storefront.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"payment-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket feed of purchase events.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			// Confirmation may wait out several ledger round trips.
			r.Use(middleware.Timeout(time.Duration(cfg.VerifyAttempts) * (cfg.LedgerTimeout + cfg.VerifyMaxBackoff)))
			handler.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("payment-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down payment-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := ledgerClient.Close(shutdownCtx); err != nil {
		slog.Error("ledger client close", "err", err)
	}
	stopHub()
	fmt.Println("payment-engine stopped")
}
