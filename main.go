package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/fruit-quality/internal/auth"
	"github.com/example/fruit-quality/internal/config"
	"github.com/example/fruit-quality/internal/handlers"
	"github.com/example/fruit-quality/internal/healthcheck"
	"github.com/example/fruit-quality/internal/logging"
	"github.com/example/fruit-quality/internal/mlclient"
	"github.com/example/fruit-quality/internal/repository"
	"github.com/example/fruit-quality/internal/usecase"
)

func main() {
	configPath := flag.String("config", os.Getenv("FQ_CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewClassificationRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)

	if cfg.MLServiceURL == "" {
		logger.Warn("ML service URL not configured; classifications will fail with CONNECTION_ERROR")
	}
	client := mlclient.New(cfg.MLServiceURL,
		mlclient.WithTimeout(cfg.MLTimeout),
		mlclient.WithLogger(logger),
	)

	runCtx, stopProbe := context.WithCancel(context.Background())
	defer stopProbe()
	probe := healthcheck.NewProbe(client, cfg.HealthInterval, logger)
	go probe.Run(runCtx)

	grpcServer := probe.NewGRPCServer()
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen for gRPC health", zap.Error(err))
	}
	go serveGRPCHealth(grpcServer, grpcListener, logger)
	defer stopGRPCServer(grpcServer, cfg.ShutdownTimeout)

	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewClassificationUseCase(repo, cache, client, logger,
		usecase.WithImageConfig(cfg.Image),
		usecase.WithResultTTL(cfg.ResultTTL),
	)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	if cfg.JWTSecret == "" {
		logger.Warn("JWT secret not configured; requests are attributed to the anonymous user")
	}
	authMiddleware := auth.Middleware(cfg.JWTSecret, cfg.JWTAudience)

	handlers.RegisterRoutes(r, uc, authMiddleware, probe)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("classification gateway listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.String("ml_service_url", client.Endpoint()),
		zap.Duration("ml_timeout", client.Timeout()))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveGRPCHealth(server *grpc.Server, listener net.Listener, logger *zap.Logger) {
	if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		logger.Error("gRPC health server stopped", zap.Error(err))
	}
}

// stopGRPCServer drains in-flight RPCs but gives up after timeout, since
// health Watch streams never finish on their own.
func stopGRPCServer(server *grpc.Server, timeout time.Duration) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		server.Stop()
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
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

	if signalCh != nil {
		sigCh = signalCh
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
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
