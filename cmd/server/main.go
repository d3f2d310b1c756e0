package main

import (
	"context"
	"errors"
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
	"golang.org/x/sync/errgroup"

	"github.com/teamfolio/trade-engine/internal/api"
	"github.com/teamfolio/trade-engine/internal/auth"
	"github.com/teamfolio/trade-engine/internal/chat"
	"github.com/teamfolio/trade-engine/internal/config"
	"github.com/teamfolio/trade-engine/internal/execution"
	"github.com/teamfolio/trade-engine/internal/keylock"
	"github.com/teamfolio/trade-engine/internal/ledger"
	"github.com/teamfolio/trade-engine/internal/metrics"
	"github.com/teamfolio/trade-engine/internal/pricefeed"
	"github.com/teamfolio/trade-engine/internal/proposal"
	"github.com/teamfolio/trade-engine/internal/quote"
	"github.com/teamfolio/trade-engine/internal/room"
	"github.com/teamfolio/trade-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("trade-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("trade-engine stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Core services ---
	feed := pricefeed.NewFeed()
	priceHub := pricefeed.NewHub(feed)
	chatSvc := chat.NewService(st)
	ledgerSvc := ledger.NewService(st, feed)

	// Stays a nil interface when no quote API is configured.
	var quotes interface {
		execution.Quoter
		api.Quoter
	}
	if cfg.QuoteAPIURL != "" {
		quotes = quote.NewClient(cfg.QuoteAPIURL, cfg.QuoteTimeout)
	} else {
		slog.Warn("QUOTE_API_URL not set, market fills need a feed tick")
	}

	// The proposal and execution engines share the per-team lock.
	locks := keylock.New()
	exec := execution.NewEngine(st, ledgerSvc, feed, quotes, chatSvc, locks, execution.Options{Workers: cfg.ExecutionWorkers})
	defer exec.Close()
	feed.OnTick(exec.HandleTick)

	proposals := proposal.NewEngine(st, locks, exec, chatSvc, cfg.ProposalTTL)
	rooms := room.NewRegistry(st, room.Options{
		InitialCapital:  cfg.InitialCapital,
		DefaultCapacity: cfg.DefaultRoomCapacity,
	})

	if err := exec.Restore(ctx); err != nil {
		return fmt.Errorf("restore execution engine: %w", err)
	}

	authn := auth.New(cfg.JWTSecret)
	if cfg.AuthDisabled {
		slog.Warn("AUTH_DISABLED set, trusting X-User-ID headers")
		authn = auth.Dev()
	}

	deps := api.Deps{
		Rooms:     rooms,
		Ledger:    ledgerSvc,
		Proposals: proposals,
		Chat:      chatSvc,
		Feed:      feed,
		PriceHub:  priceHub,
		Quotes:    quotes,
	}
	apiSrv := api.NewServer(deps, authn)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-User-Nickname, X-User-Admin")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", apiSrv.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Port),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("trade-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down trade-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return proposals.RunSweeper(gctx, cfg.ExpirySweepInterval) })
	g.Go(func() error { return priceHub.Run(gctx) })

	if cfg.PriceFeedURL != "" {
		stream := pricefeed.NewStream(cfg.PriceFeedURL, feed, logger)
		g.Go(func() error { return stream.Run(gctx) })
	} else {
		slog.Warn("PRICE_FEED_URL not set, LIMIT and CONDITIONAL orders will not trigger")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStore selects PostgreSQL, optionally behind the Redis cache, or the
// in-memory store when no database is configured.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled")
	}
	return st, closeAll, nil
}
