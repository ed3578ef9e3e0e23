package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/bggone/internal/apperror"
	"github.com/example/bggone/internal/config"
	"github.com/example/bggone/internal/grpchealth"
	"github.com/example/bggone/internal/handlers"
	"github.com/example/bggone/internal/logging"
	"github.com/example/bggone/internal/provider"
	"github.com/example/bggone/internal/repository"
	"github.com/example/bggone/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "optional TOML config file")
	healthcheck := flag.Bool("healthcheck", false, "query the gRPC health endpoint and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, apperror.Message(err, err.Error()))
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if *healthcheck {
		os.Exit(runHealthProbe(cfg.GRPCHealthAddr, logger))
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("relay stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	gemini, err := provider.NewClient(provider.Config{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.ProviderTimeoutDuration(),
	}, logger)
	if err != nil {
		return err
	}

	var logRepo usecase.LogRepository
	if cfg.DatabaseDSN != "" {
		repo, err := initDatabase(ctx, cfg.DatabaseDSN, logger)
		if err != nil {
			return err
		}
		logRepo = repo
	}

	var limiter *usecase.RateLimiter
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		redisCancel()
		defer redisClient.Close()
		limiter = usecase.NewRateLimiter(usecase.NewRedisCache(redisClient), cfg.RateLimitPerMinute, logger)
	}

	uc := usecase.NewRemovalUseCase(gemini, logRepo, logger)

	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := handlers.NewRouter(logger, cfg.CORSAllowOrigins, cfg.TrustedProxies)
	if err != nil {
		return apperror.Wrap(apperror.KindConfiguration, "main.router", "invalid trusted proxies", err)
	}
	handlers.RegisterRoutes(router, uc, handlers.Options{
		MaxBodySize: cfg.MaxBodySizeBytes(),
		Limiter:     limiter,
		Logger:      logger,
	})

	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return logging.NewOperationError("main.listen", "", err)
	}

	opts := serveOptions{listener: listener}
	if cfg.GRPCHealthAddr != "" {
		healthSrv, err := startHealthServer(cfg.GRPCHealthAddr, logger)
		if err != nil {
			_ = listener.Close()
			return err
		}
		defer healthSrv.Stop()
		healthSrv.SetServing(true)
		opts.onShutdown = func() { healthSrv.SetServing(false) }
	}

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("background removal relay listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("model", cfg.Model),
		zap.Bool("audit", logRepo != nil),
		zap.Bool("rate_limit", limiter != nil),
		zap.Strings("trusted_proxies", cfg.TrustedProxies),
	)
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, opts)
}

func initDatabase(ctx context.Context, dsn string, logger *zap.Logger) (*repository.RelayRepository, error) {
	db, err := repository.Open(dsn)
	if err != nil {
		return nil, logging.LogOperationError(logger, "main.init_database", "", "failed to connect to database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, logging.LogOperationError(logger, "main.init_database", "", "failed to access db handle", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, logging.LogOperationError(logger, "main.init_database", "", "database ping failed", err)
	}

	repo := repository.NewRelayRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		return nil, logging.LogOperationError(logger, "main.auto_migrate", "", "auto migrate failed", err)
	}
	return repo, nil
}

// initRedis never fails: the rate limiter lets traffic through while Redis
// is unreachable.
func initRedis(ctx context.Context, addr string, logger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, rate limiting will fail open", zap.String("addr", addr), zap.Error(err))
	}
	return client
}

func startHealthServer(addr string, logger *zap.Logger) (*grpchealth.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, logging.NewOperationError("main.grpc_health_listen", "", err)
	}
	srv := grpchealth.NewServer(logger)
	go func() {
		if err := srv.Serve(lis); err != nil {
			logger.Error("gRPC health server stopped", zap.Error(err))
		}
	}()
	return srv, nil
}

func runHealthProbe(addr string, logger *zap.Logger) int {
	if addr == "" {
		fmt.Fprintln(os.Stderr, config.EnvGRPCHealthAddr+" is not set")
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := grpchealth.Dial(ctx, addr, logger)
	if err != nil {
		return 1
	}
	defer conn.Close()

	status, err := grpchealth.Check(ctx, conn, grpchealth.Service)
	if err != nil || status != healthpb.HealthCheckResponse_SERVING {
		fmt.Fprintln(os.Stderr, "relay not serving:", status)
		return 1
	}
	return 0
}

type serveOptions struct {
	listener   net.Listener
	signalCh   <-chan os.Signal
	onShutdown func()
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, opts serveOptions) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if opts.listener != nil {
			err = server.Serve(opts.listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if opts.signalCh != nil {
		sigCh = opts.signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		if opts.onShutdown != nil {
			opts.onShutdown()
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
