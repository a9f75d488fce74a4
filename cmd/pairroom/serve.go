package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/npezzotti/pairroom/internal/api"
	"github.com/npezzotti/pairroom/internal/config"
	"github.com/npezzotti/pairroom/internal/database"
	"github.com/npezzotti/pairroom/internal/ratelimit"
	"github.com/npezzotti/pairroom/internal/server"
	"github.com/npezzotti/pairroom/internal/stats"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	shutdownTimeout   = 10 * time.Second
	rateLimitPrefix   = "pairroom:ratelimit:"
)

type serveOptions struct {
	addr            string
	dsn             string
	signingKey      string
	allowedOrigins  []string
	redisAddr       string
	rateLimit       int
	rateLimitWindow time.Duration
	historyLimit    int
	migrate         bool
	dev             bool
}

func newServeCmd() *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", envOr("PAIRROOM_ADDR", "localhost:8000"), "server address")
	f.StringVar(&opts.dsn, "dsn", envOr("PAIRROOM_DSN", defaultDSN), "database connection string")
	f.StringVar(&opts.signingKey, "signing-key", envOr("PAIRROOM_SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	f.StringSliceVar(&opts.allowedOrigins, "allowed-origins", envListOr("PAIRROOM_ALLOWED_ORIGINS", nil), "comma-separated list of allowed origins for CORS")
	f.StringVar(&opts.redisAddr, "redis-addr", envOr("PAIRROOM_REDIS_ADDR", ""), "redis address for send rate limiting; disabled when empty")
	f.IntVar(&opts.rateLimit, "rate-limit", envIntOr("PAIRROOM_RATE_LIMIT", config.DefaultRateLimit), "messages allowed per user per window")
	f.DurationVar(&opts.rateLimitWindow, "rate-limit-window", envDurationOr("PAIRROOM_RATE_LIMIT_WINDOW", config.DefaultRateLimitWindow), "rate limit window")
	f.IntVar(&opts.historyLimit, "history-limit", envIntOr("PAIRROOM_HISTORY_LIMIT", config.DefaultHistoryLimit), "messages sent on join-room")
	f.BoolVar(&opts.migrate, "migrate", false, "apply database migrations before starting")
	f.BoolVar(&opts.dev, "dev", false, "human readable debug logging")

	return cmd
}

func (o serveOptions) config() (*config.Config, error) {
	cfgOpts := []config.Option{
		config.WithRateLimit(o.rateLimit, o.rateLimitWindow),
		config.WithHistoryLimit(o.historyLimit),
	}
	if o.redisAddr != "" {
		cfgOpts = append(cfgOpts, config.WithRedis(o.redisAddr))
	}

	return config.NewConfig(o.addr, o.dsn, o.signingKey, o.allowedOrigins, cfgOpts...)
}

func newLimiter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ratelimit.Limiter, func() error, error) {
	if cfg.RedisAddr == "" {
		logger.Info("send rate limiting disabled")
		return ratelimit.Noop{}, func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("send rate limiting enabled",
		zap.String("redis_addr", cfg.RedisAddr),
		zap.Int("limit", cfg.RateLimit),
		zap.Duration("window", cfg.RateLimitWindow))

	return ratelimit.NewRedisLimiter(client, rateLimitPrefix, cfg.RateLimit, cfg.RateLimitWindow), client.Close, nil
}

func runServe(ctx context.Context, opts serveOptions) error {
	logger, err := newLogger(opts.dev)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := opts.config()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if opts.migrate {
		if err := database.Migrate(cfg.DatabaseDSN); err != nil {
			return err
		}
		logger.Info("database migrated")
	}

	dbConn, err := database.NewPgGoChatRepository(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error("db close", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter, closeLimiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux, logger.Named("stats"))

	chatServer, err := server.NewChatServer(logger.Named("chat"), dbConn, statsUpdater,
		server.WithLimiter(limiter),
		server.WithHistoryLimit(cfg.HistoryLimit),
	)
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	app := api.NewGoChatApp(mux, logger, chatServer, dbConn, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		chatServer.Run()
		return nil
	})

	g.Go(func() error {
		if err := app.Start(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		if err := chatServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("chat server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return err
	}

	logger.Info("shutdown complete")
	return nil
}
