package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/clearline/futures-engine/internal/api"
	"github.com/clearline/futures-engine/internal/custody"
	"github.com/clearline/futures-engine/internal/engine"
	"github.com/clearline/futures-engine/internal/instrument"
	"github.com/clearline/futures-engine/internal/metrics"
	"github.com/clearline/futures-engine/internal/oracle"
	"github.com/clearline/futures-engine/internal/risk"
	"github.com/clearline/futures-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := envOr("PORT", "8080")

	// --- Instrument ---
	inst, err := instrument.ParseSymbol(envOr("INSTRUMENT", "FUT-BTC-USD"))
	if err != nil {
		slog.Error("invalid INSTRUMENT", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Oracle ---
	oracleDecimals := envIntOr("ORACLE_DECIMALS", 8)
	priceMaxAge := time.Duration(envIntOr("ORACLE_MAX_AGE_SECONDS", 0)) * time.Second
	manual := oracle.NewManualOracle(oracleDecimals, priceMaxAge)
	if p := os.Getenv("ORACLE_INITIAL_PRICE"); p != "" {
		price, err := decimal.NewFromString(p)
		if err != nil || manual.SetPrice(price) != nil {
			slog.Error("invalid ORACLE_INITIAL_PRICE", "value", p)
			os.Exit(1)
		}
	}

	// --- Liquidation policy ---
	policy, err := risk.NewPolicy(
		int64(envIntOr("MAINTENANCE_MARGIN_BPS", 500)),
		int64(envIntOr("LIQUIDATION_REWARD_BPS", 500)),
	)
	if err != nil {
		slog.Error("invalid liquidation parameters", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- Position ledger ---
	ledger, err := engine.New(context.Background(), engine.Config{
		Store:      st,
		Oracle:     manual,
		Custody:    custody.NewMemoryLedger(),
		Policy:     policy,
		Instrument: inst.Symbol,
		Owner:      envOr("OWNER_ACCOUNT", "owner"),
		Notifier:   wsHub,
	})
	if err != nil {
		slog.Error("ledger init failed", "err", err)
		os.Exit(1)
	}

	svc := api.NewService(ledger, manual)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"futures-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time settlement events.
		r.Get("/ws", wsHub.HandleWS)

		// Position lifecycle.
		r.Get("/positions", svc.ListPositions)
		r.Post("/positions", svc.OpenPosition)
		r.Get("/positions/{positionID}", svc.GetPosition)
		r.Post("/positions/{positionID}/close", svc.ClosePosition)
		r.Post("/positions/{positionID}/settle", svc.SettleExpired)
		r.Post("/positions/{positionID}/liquidate", svc.Liquidate)
		r.Get("/positions/{positionID}/events", svc.ListPositionEvents)

		// Custody pool.
		r.Post("/fund", svc.Fund)
		r.Post("/withdraw", svc.Withdraw)

		// Oracle.
		r.Get("/oracle/price", svc.GetOraclePrice)
		r.Post("/oracle/price", svc.SetOraclePrice)

		// Audit log.
		r.Get("/events", svc.ListEvents)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("futures-engine listening", "port", port, "instrument", inst.Symbol)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down futures-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("futures-engine stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Error("invalid integer env var", "key", key, "value", v)
		os.Exit(1)
	}
	return n
}
