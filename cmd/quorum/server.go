package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/quorum/pkg/api"
	"github.com/Mindburn-Labs/quorum/pkg/config"
	"github.com/Mindburn-Labs/quorum/pkg/credits"
	"github.com/Mindburn-Labs/quorum/pkg/ledger"
	"github.com/Mindburn-Labs/quorum/pkg/lifecycle"
	"github.com/Mindburn-Labs/quorum/pkg/notify"
	"github.com/Mindburn-Labs/quorum/pkg/observability"
	"github.com/Mindburn-Labs/quorum/pkg/retry"
	"github.com/Mindburn-Labs/quorum/pkg/store"
)

// app is one wired quorum server.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.SQLStore
	hub       *notify.Hub
	redis     *redis.Client
	queue     *ledger.Queue
	engine    *lifecycle.Engine
	limiter   *api.RateLimiter
	api       *api.Server
	telemetry *observability.Provider
}

func runServer(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	logger := newLogger(cfg.LogLevel, stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.ErrorContext(ctx, "startup failed", "error", err)
		return 1
	}
	defer a.close()

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		logger.ErrorContext(ctx, "listen failed", "port", cfg.Port, "error", err)
		return 1
	}
	if err := a.run(ctx, ln); err != nil {
		logger.ErrorContext(ctx, "server stopped", "error", err)
		return 1
	}
	return 0
}

// newApp connects every backing service and wires the components. Nothing
// runs until run is called.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "quorum",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	a.telemetry = telemetry
	metrics, err := observability.NewMetrics(telemetry.Meter())
	if err != nil {
		a.close()
		return nil, err
	}

	if a.store, err = openStore(ctx, cfg, logger); err != nil {
		a.close()
		return nil, err
	}

	client, err := newLedgerClient(ctx, cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.queue = ledger.NewQueue(a.store, client,
		ledger.WithLogger(logger),
		ledger.WithObserver(metrics),
		ledger.WithPolicy(retry.Policy{
			Base:        cfg.Ledger.BackoffBase,
			Max:         cfg.Ledger.BackoffMax,
			MaxJitter:   cfg.Ledger.BackoffBase / 2,
			MaxAttempts: cfg.Ledger.MaxAttempts,
		}),
	)

	a.hub = notify.NewHub(notify.WithDropObserver(metrics))
	var notifier notify.Notifier = a.hub
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		notifier = notify.NewRedisPublisher(a.redis, notify.DefaultChannel, a.hub, logger)
		logger.InfoContext(ctx, "redis: notification fanout enabled", "addr", opts.Addr)
	}

	a.engine, err = lifecycle.New(lifecycle.Config{
		Store:    a.store,
		Ledger:   a.queue,
		Notifier: notifier,
		Logger:   logger,
		Metrics:  metrics,
		Durations: lifecycle.Durations{
			Proposal: cfg.Lifecycle.ProposalTTL,
			Loan:     cfg.Lifecycle.LoanTTL,
			Sanction: cfg.Lifecycle.SanctionTTL,
		},
		StoreRetryInterval: cfg.Lifecycle.StoreRetryInterval,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	if cfg.RateLimit.RPS > 0 {
		a.limiter = api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	a.api, err = api.NewServer(api.Options{
		Lifecycle: a.engine,
		Credits:   credits.NewService(a.store, notifier, logger),
		Outbox:    a.queue,
		Hub:       a.hub,
		Limiter:   a.limiter,
		Logger:    logger,
		Auth:      api.NewJWTValidator(cfg.AuthSecret),
		Health:    func(ctx context.Context) error { return a.store.DB().PingContext(ctx) },
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// run re-arms persisted timers, then serves on ln alongside the ledger
// queue and the redis relay until ctx is cancelled or one of them fails.
func (a *app) run(ctx context.Context, ln net.Listener) error {
	if _, err := a.engine.Recover(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.queue.Run(ctx) })
	if a.redis != nil {
		relay := notify.NewRelay(a.redis, notify.DefaultChannel, a.hub, a.logger)
		g.Go(func() error { return relay.Run(ctx, nil) })
	}
	if a.limiter != nil {
		g.Go(func() error {
			a.limiter.Run(ctx)
			return nil
		})
	}

	srv := &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.logger.InfoContext(ctx, "listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown", "error", err)
		}
	}
}
