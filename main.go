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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/food-recognition/internal/auth"
	"github.com/example/food-recognition/internal/awsclient"
	"github.com/example/food-recognition/internal/config"
	"github.com/example/food-recognition/internal/handlers"
	"github.com/example/food-recognition/internal/imageprocessor"
	"github.com/example/food-recognition/internal/logging"
	"github.com/example/food-recognition/internal/queue"
	"github.com/example/food-recognition/internal/recognition"
	"github.com/example/food-recognition/internal/registry"
	"github.com/example/food-recognition/internal/repository"
	"github.com/example/food-recognition/internal/staging"
	"github.com/example/food-recognition/internal/usecase"
	"github.com/example/food-recognition/internal/worker"
)

// sweepSlack is added to the retry envelope before the sweeper gives up on a job.
const sweepSlack = 2 * time.Minute

func main() {
	cfg, err := config.New(".env")
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.Database, logger)
	jobRepo := repository.NewJobRepository(db, logger)
	if err := jobRepo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	cancelRepo := repository.NewCancelRepository(db, logger)

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.Redis, logger)
	defer redisClient.Close()

	var awsCfg *aws.Config
	if cfg.Queue.Backend == "sqs" || cfg.Staging.Backend == "s3" {
		loadCtx, loadCancel := context.WithTimeout(context.Background(), cfg.AWS.CfgLoadTimeout)
		loaded, err := awsclient.LoadConfig(loadCtx, cfg.AWS)
		loadCancel()
		if err != nil {
			logger.Fatal("failed to load aws config", zap.Error(err))
		}
		awsCfg = &loaded
	}

	store := initStaging(cfg, redisClient, awsCfg)
	jobQueue := initQueue(cfg, redisClient, awsCfg, logger)

	cache := registry.NewRedisCache(redisClient)
	cancellations := registry.New(cache, cfg.Cancellation.RegistryTTL)
	revoker := worker.NewRevoker(redisClient, worker.DefaultRevokeChannel, logger)

	intake := usecase.NewIntake(jobRepo, store, jobQueue, cache, usecase.IntakeConfig{
		MaxUploadBytes: cfg.Pipeline.MaxUploadSize,
		DefaultLocale:  cfg.Recognition.Locale,
	}, logger)
	cancellation := usecase.NewCancellationService(cancelRepo, cancellations, logger)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	var (
		pool   *worker.Pool
		health *worker.HealthServer
	)
	if cfg.Pipeline.Enabled {
		policy := usecase.RetryPolicy{
			MaxRetries:  cfg.Pipeline.MaxRetries,
			BaseBackoff: cfg.Pipeline.BaseBackoff,
			MaxBackoff:  cfg.Pipeline.MaxBackoff,
		}
		recognizer := recognition.NewHTTPClient(recognition.Config{
			URL:            cfg.Recognition.URL,
			Secret:         cfg.Recognition.Secret,
			SecretHeader:   cfg.Recognition.SecretHeader,
			ConnectTimeout: cfg.Recognition.ConnectTimeout,
			ReadTimeout:    cfg.Recognition.ReadTimeout,
		}, logger)
		normalizer := imageprocessor.NewNormalizer(imageprocessor.Options{
			MaxSide:     cfg.Normalization.MaxSide,
			MaxBytes:    cfg.Normalization.MaxBytes,
			Budget:      cfg.Normalization.Budget,
			JPEGQuality: cfg.Normalization.JPEGQuality,
		})
		pipeline := usecase.NewPipeline(jobRepo, store, jobQueue, cancellations, normalizer, recognizer, policy, logger)

		pool = worker.NewPool(jobQueue, pipeline, logger,
			worker.WithWorkers(cfg.Pipeline.Workers),
			worker.WithJobTimeout(cfg.Pipeline.JobTimeout),
			worker.WithRequeueDelay(cfg.Queue.RequeueDelay),
		)
		pool.Start(runCtx)
		go revoker.Listen(runCtx, redisClient, pool)

		sweeper := worker.NewSweeper(jobRepo, store, cfg.Pipeline.SweepInterval, policy.Envelope(cfg.Pipeline.JobTimeout)+sweepSlack, logger)
		go sweeper.Run(runCtx)

		health = worker.NewHealthServer(logger)
		lis, err := net.Listen("tcp", cfg.Health.GRPCAddr)
		if err != nil {
			logger.Fatal("failed to listen for health checks", zap.Error(err))
		}
		go func() {
			if err := health.Serve(lis); err != nil {
				logger.Error("health server stopped", zap.Error(err))
			}
		}()
		health.SetServing(true)
		logger.Info("recognition workers running", zap.Int("workers", cfg.Pipeline.Workers))
	}

	if cfg.HTTP.Enabled {
		r := gin.New()
		r.Use(gin.Recovery())
		r.MaxMultipartMemory = handlers.MaxUploadSize

		authMiddleware := auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
		handlers.RegisterRoutes(r, handlers.Services{
			Intake:       intake,
			Cancellation: cancellation,
			Tasks:        revoker,
			Logger:       logger,
		}, authMiddleware)

		server := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		logger.Info("food recognition API listening", zap.String("addr", cfg.HTTP.Addr))
		if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger); err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	} else {
		waitForSignal(logger)
	}

	if health != nil {
		health.SetServing(false)
	}
	if pool != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		pool.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	stopRun()
	if health != nil {
		health.Shutdown()
	}
}

func initDatabase(ctx context.Context, cfg config.Database, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg config.Redis, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func initStaging(cfg *config.Config, client *redis.Client, awsCfg *aws.Config) staging.Store {
	if cfg.Staging.Backend == "s3" {
		return staging.NewS3Store(awsclient.NewS3(*awsCfg, cfg.AWS), cfg.Staging.S3Bucket, cfg.Staging.S3Prefix)
	}
	return staging.NewRedisStore(client, cfg.Staging.TTL)
}

func initQueue(cfg *config.Config, client *redis.Client, awsCfg *aws.Config, logger *zap.Logger) queue.Queue {
	if cfg.Queue.Backend == "sqs" {
		return queue.NewSQSQueue(awsclient.NewSQS(*awsCfg, cfg.AWS), cfg.Queue.SQSURL, cfg.Queue.PollTimeout, logger)
	}
	return queue.NewRedisQueue(client, cfg.Queue.RedisKey, cfg.Queue.PollTimeout, logger)
}

func waitForSignal(logger *zap.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(ch)
	sig := <-ch
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))
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
