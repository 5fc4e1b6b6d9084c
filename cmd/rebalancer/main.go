package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/lp-rebalancer/internal/api"
	"github.com/atmx/lp-rebalancer/internal/chain"
	"github.com/atmx/lp-rebalancer/internal/chain/sim"
	"github.com/atmx/lp-rebalancer/internal/config"
	"github.com/atmx/lp-rebalancer/internal/engine"
	"github.com/atmx/lp-rebalancer/internal/ledger"
	"github.com/atmx/lp-rebalancer/internal/liquidity"
	"github.com/atmx/lp-rebalancer/internal/logging"
	"github.com/atmx/lp-rebalancer/internal/metrics"
	"github.com/atmx/lp-rebalancer/internal/notify"
	"github.com/atmx/lp-rebalancer/internal/pricefeed"
	"github.com/atmx/lp-rebalancer/internal/queue"
	"github.com/atmx/lp-rebalancer/internal/store"
)

const defaultConfigPath = "config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to config.yaml")
	flag.Parse()

	path := *configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("lp-rebalancer stopped", zap.Error(err))
	}
	logger.Info("lp-rebalancer stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis.url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeStore)

	acct := ledger.NewAccount(st, logger)

	// --- Chain ---
	base, quote, wrapped := cfg.Tokens()
	simChain := sim.New(sim.Config{
		TokenA:        base,
		TokenB:        quote,
		Fee:           cfg.Pool.Fee,
		Price:         cfg.SimPoolPrice(),
		WrappedNative: wrapped,
		ConfirmAfter:  cfg.Sim.ConfirmAfter,
	})
	simChain.FundNative(cfg.Sim.Native)
	simChain.Fund(base, cfg.Sim.BaseBalance)
	simChain.Fund(quote, cfg.Sim.QuoteBalance)
	logger.Info("paper trading on simulated chain",
		zap.String("base", base.Symbol),
		zap.String("quote", quote.Symbol),
		zap.Uint32("fee", cfg.Pool.Fee),
		zap.Stringer("price", cfg.Sim.Price),
	)

	txs := chain.NewTxService(simChain, acct, cfg.Tx(), logger)

	// --- Queue ---
	q := queue.New(logger)
	q.Start(ctx)

	// --- Notifications ---
	hub := notify.NewHub(logger)
	notifiers := notify.Multi{notify.NewLogNotifier(logger), hub}
	if rdb != nil && cfg.Redis.NotifyChannel != "" {
		notifiers = append(notifiers, notify.NewRedisNotifier(rdb, cfg.Redis.NotifyChannel))
	}

	// --- Engine ---
	eng := engine.New(cfg.Engine(), engine.Deps{
		Chain:    simChain,
		Tx:       txs,
		Store:    st,
		Ledger:   acct,
		Notifier: notifiers,
		Queue:    q,
	}, logger)

	if eng.ReactsToPriceEvents() {
		simChain.Subscribe(func(tick int32) { eng.OnPriceEvent(tick) })
		logger.Info("zero tolerance, closing on price events")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for the operator dashboard.
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
		w.Write([]byte(`{"status":"ok","service":"lp-rebalancer"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc := api.NewService(eng, st, acct, logger)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live notifications.
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return eng.Run(gctx)
	})

	if cfg.PriceFeed.URL != "" {
		t0, t1 := simChain.Tokens()
		feed := pricefeed.New(cfg.PriceFeed.URL, func(ev pricefeed.Event) {
			if !ev.SqrtPriceX96.IsPositive() {
				return
			}
			simChain.SetPrice(liquidity.PriceFromSqrtX96(ev.SqrtPriceX96, t0.Decimals, t1.Decimals))
		}, logger)
		g.Go(func() error {
			return feed.Run(gctx)
		})
	}

	g.Go(func() error {
		logger.Info("lp-rebalancer listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down lp-rebalancer...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", zap.Error(err))
		}
		// After a fatal engine error the queue is already halted and holds
		// nothing, so this only waits for the task in flight.
		if err := q.Stop(shutdownCtx); err != nil {
			logger.Error("queue did not drain", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// openStore builds the configured store, wrapped in the Redis read-through
// cache when a client is given.
func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (store.Store, func(), error) {
	var st store.Store
	closeFn := func() {}

	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		st, closeFn = pg, pool.Close
		logger.Info("connected to PostgreSQL")
	case "sqlite":
		lite, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.Database.Path, err)
		}
		st, closeFn = lite, func() { lite.Close() }
		logger.Info("opened SQLite store", zap.String("path", cfg.Database.Path))
	default:
		logger.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(), closeFn, nil
	}

	if rdb != nil {
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
		logger.Info("Redis cache enabled")
	}
	return st, closeFn, nil
}
