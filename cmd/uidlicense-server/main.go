// Command uidlicense-server serves the UID license activation API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/CloudNativeWorks/cnw-uid-license/internal/config"
	"github.com/CloudNativeWorks/cnw-uid-license/uidlicense"
	"github.com/CloudNativeWorks/cnw-uid-license/uidlicense/server"
	"github.com/CloudNativeWorks/cnw-uid-license/uidlicense/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("UIDLICENSE_CONFIG_FILE"), "path to an optional YAML config file")
	flag.Parse()

	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "uidlicense-server: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, health, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	managerOpts := []uidlicense.ManagerOption{uidlicense.WithLogger(logger)}
	if cfg.LicenseExpiry == "mark" {
		managerOpts = append(managerOpts, uidlicense.WithLicenseExpiryPolicy(uidlicense.LicenseExpiryMarkOnRead))
	}
	if cfg.Receipts.SigningKey != "" {
		key, err := uidlicense.ParseSigningKey(cfg.Receipts.SigningKey)
		if err != nil {
			return fmt.Errorf("receipts: %w", err)
		}
		signer, err := uidlicense.NewReceiptSigner(key)
		if err != nil {
			return fmt.Errorf("receipts: %w", err)
		}
		managerOpts = append(managerOpts, uidlicense.WithReceiptSigner(signer))
		logger.Info("receipt signing enabled", slog.String("public_key", signer.PublicKey()))
	}
	manager := uidlicense.NewManager(st, managerOpts...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithMetricsRegistry(reg),
		server.WithRequestTimeout(cfg.RequestTimeout),
		server.WithHealthCheck(health),
	}
	if len(cfg.AllowedOrigins) > 0 {
		serverOpts = append(serverOpts, server.WithAllowedOrigins(cfg.AllowedOrigins...))
	}
	if cfg.Admin.JWTSecret != "" {
		serverOpts = append(serverOpts, server.WithSessionVerifier(
			server.NewJWTVerifier([]byte(cfg.Admin.JWTSecret), cfg.Admin.JWTIssuer)))
	} else {
		logger.Warn("admin API disabled: UIDLICENSE_ADMIN_JWT_SECRET is not set")
	}
	if cfg.RateLimit.Enabled {
		limiter, closeLimiter, err := openLimiter(ctx, cfg.RateLimit, logger)
		if err != nil {
			return err
		}
		defer closeLimiter()
		serverOpts = append(serverOpts, server.WithLimiter(limiter))
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.New(manager, serverOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.HTTPAddr), slog.String("store", cfg.Store.Driver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, func(context.Context) error, func(), error) {
	switch cfg.Driver {
	case config.DriverMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		}
		st, err := store.NewMongoStore(ctx, client.Database(cfg.MongoDatabase), store.WithMongoLogger(logger))
		if err != nil {
			disconnect()
			return nil, nil, nil, fmt.Errorf("mongo store: %w", err)
		}
		logger.Info("mongo store ready",
			slog.String("database", cfg.MongoDatabase),
			slog.Bool("transactions", st.Transactional()),
		)
		if !st.Transactional() {
			logger.Warn("mongo standalone server: activation writes are compensated, not transactional")
		}
		ping := func(ctx context.Context) error { return client.Ping(ctx, nil) }
		return st, ping, disconnect, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		st, err := store.NewPostgresStore(ctx, pool, store.WithTablePrefix(cfg.TablePrefix))
		if err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		logger.Info("postgres store ready", slog.String("table_prefix", cfg.TablePrefix))
		return st, pool.Ping, pool.Close, nil

	default:
		logger.Warn("using in-memory store; data is lost on restart")
		return store.NewMemory(), nil, func() {}, nil
	}
}

func openLimiter(ctx context.Context, cfg config.RateLimitConfig, logger *slog.Logger) (server.Limiter, func(), error) {
	if cfg.RedisURL == "" {
		rps := float64(cfg.Requests) / cfg.Window.Seconds()
		return server.NewLocalLimiter(rps, cfg.Requests), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; rate limiting fails open until it recovers", slog.String("error", err.Error()))
	}
	return server.NewRedisLimiter(client, cfg.Requests, cfg.Window), func() { client.Close() }, nil
}
