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

	"github.com/stlr/margin-engine/internal/api"
	"github.com/stlr/margin-engine/internal/combo"
	"github.com/stlr/margin-engine/internal/config"
	"github.com/stlr/margin-engine/internal/feed"
	"github.com/stlr/margin-engine/internal/ledger"
	"github.com/stlr/margin-engine/internal/locks"
	"github.com/stlr/margin-engine/internal/margin"
	"github.com/stlr/margin-engine/internal/metrics"
	"github.com/stlr/margin-engine/internal/order"
	"github.com/stlr/margin-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
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

	// --- WebSocket hub and price feed ---
	hub := feed.NewHub()
	go hub.Run()
	priceFeed := feed.NewMemoryFeed(cfg.Precision(), cfg.DepthLevels, cfg.DepthBaseSize, hub)

	// Re-register persisted open combos so they price without waiting for
	// the settlement sweep's lazy rehydration.
	if combosOpen, err := st.ListOpenCombos(context.Background()); err != nil {
		slog.Error("combo rehydration failed", "err", err)
	} else {
		for _, cp := range combosOpen {
			if err := priceFeed.RegisterCombo(cp.ComboID, cp.Legs); err != nil {
				slog.Warn("combo registration skipped", "combo", cp.ComboID, "err", err)
			}
		}
		if len(combosOpen) > 0 {
			slog.Info("open combos rehydrated", "count", len(combosOpen))
		}
	}

	// --- Engine components, sharing one per-user lock set ---
	lk := locks.NewPerUser()
	led := ledger.New(st, lk)
	monitor := margin.NewMonitor(st, priceFeed, led, cfg.MaintenanceRate(), hub)
	orders := order.NewManager(st, priceFeed, led, monitor)
	combos := combo.NewScheduler(st, priceFeed, lk)

	// --- Background sweeps ---
	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()
	go orders.Run(sweepCtx, cfg.FillSweepInterval)
	go monitor.Run(sweepCtx, cfg.LiquidationSweepInterval)
	go combos.Run(sweepCtx, cfg.ComboSweepInterval, cfg.WeeklySweepInterval, cfg.RewardSweepInterval)

	// --- HTTP router ---
	srv := api.NewServer(st, priceFeed, led, orders, monitor, combos, priceFeed, hub)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"margin-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", srv.Mount)

	// --- Server ---
	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("margin-engine listening", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown: stop sweeps first so no fill or settlement lands
	// mid-drain, then drain in-flight requests.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopSweeps()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down margin-engine...")
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("margin-engine stopped")
}
