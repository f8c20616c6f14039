package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/leftright/internal/auth"
	"github.com/example/leftright/internal/classifier"
	"github.com/example/leftright/internal/config"
	"github.com/example/leftright/internal/grpchealth"
	"github.com/example/leftright/internal/handlers"
	"github.com/example/leftright/internal/inference"
	"github.com/example/leftright/internal/logging"
	"github.com/example/leftright/internal/mqttrpc"
	"github.com/example/leftright/internal/photo"
	"github.com/example/leftright/internal/queue"
	"github.com/example/leftright/internal/repository"
	"github.com/example/leftright/internal/usecase"
	"github.com/example/leftright/internal/worker"
)

const jobTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(os.Getenv("DEBUG") != "")
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewPredictionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
	defer redisClient.Close()

	health := grpchealth.New(logger)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen for gRPC", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}
	go func() {
		if err := health.Serve(grpcListener); err != nil {
			logger.Error("gRPC health server failed", zap.Error(err))
		}
	}()

	models, err := inference.NewPool(cfg.ModelPoolSize, func() (inference.Model, error) {
		return inference.Open(inference.Options{
			Backend:     cfg.ModelBackend,
			Path:        cfg.ModelPath,
			Model:       cfg.Model,
			LibraryPath: cfg.ONNXLibraryPath,
		})
	})
	if err != nil {
		logger.Fatal("failed to load model",
			zap.String("path", cfg.ModelPath),
			zap.String("backend", cfg.ModelBackend),
			zap.Error(err))
	}
	cls, err := classifier.New(cfg.Model, models)
	if err != nil {
		logger.Fatal("failed to build classifier", zap.Error(err))
	}
	logger.Info("model pool ready",
		zap.String("path", cfg.ModelPath),
		zap.String("backend", cfg.ModelBackend),
		zap.Int("size", models.Size()),
		zap.Strings("labels", cls.Labels()))
	workers := worker.New(cls, cfg.Workers, cfg.Workers*4, logger)

	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewPredictionUseCase(repo, cache, workers, logger)

	photos, err := photo.NewStore(cfg.PhotoDir, logger)
	if err != nil {
		logger.Fatal("failed to open photo directory", zap.String("dir", cfg.PhotoDir), zap.Error(err))
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience)
	if err != nil {
		logger.Fatal("invalid JWT settings", zap.Error(err))
	}

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, uc, photos, verifier.Middleware())

	var rpc *mqttrpc.Server
	if cfg.MQTTBroker != "" {
		rpc = startMQTT(cfg, uc, logger)
	}

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	if cfg.SQSQueueURL != "" {
		startSQS(consumerCtx, cfg, uc, logger, consumerDone)
	} else {
		close(consumerDone)
	}

	health.SetServing(true)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}
	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.HTTPAddr), zap.Error(err))
	}

	logger.Info("classifier API listening", zap.String("addr", listener.Addr().String()))
	serveErr := serveHTTPServerWithListener(server, cfg.ShutdownTimeout, logger, listener)

	health.SetServing(false)
	stopConsumer()
	<-consumerDone
	if rpc != nil {
		rpc.Stop()
	}
	workers.Close()
	if err := models.Close(); err != nil {
		logger.Warn("failed to release models", zap.Error(err))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stopCancel()
	health.Stop(stopCtx)

	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
	logger.Info("shutdown complete")
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Info)})
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

func startMQTT(cfg *config.Config, predictor mqttrpc.Predictor, logger *zap.Logger) *mqttrpc.Server {
	client := mqtt.NewClient(mqttrpc.NewClientOptions(cfg.MQTTBroker))
	token := client.Connect()
	if !token.WaitTimeout(30*time.Second) || token.Error() != nil {
		logger.Fatal("mqtt connect failed", zap.String("broker", cfg.MQTTBroker), zap.Error(token.Error()))
	}
	rpc := mqttrpc.New(client, cfg.MQTTTopicPrefix, predictor, jobTimeout, logger)
	if err := rpc.Start(); err != nil {
		logger.Fatal("mqtt subscribe failed", zap.Error(err))
	}
	return rpc
}

func startSQS(ctx context.Context, cfg *config.Config, predictor queue.Predictor, logger *zap.Logger, done chan<- struct{}) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.Fatal("failed to load AWS config", zap.Error(err))
	}
	consumer := queue.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL, predictor, jobTimeout, logger)
	go func() {
		defer close(done)
		consumer.Start(ctx)
	}()
}

func serveHTTPServerWithListener(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, listener, nil)
}

// serveHTTPServerWithOptions serves until the server fails or a signal
// arrives, then drains in-flight requests for up to shutdownTimeout. A nil
// signalCh listens for SIGINT and SIGTERM.
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

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

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
