package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		HTTP          HTTP
		Log           Log
		Database      Database
		Redis         Redis
		Auth          Auth
		Recognition   Recognition
		Normalization Normalization
		Pipeline      Pipeline
		Queue         Queue
		Staging       Staging
		Cancellation  Cancellation
		Health        Health
		AWS           AWS
	}

	HTTP struct {
		Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
		Enabled         bool          `env:"RUN_API" envDefault:"true"`
	}

	Log struct {
		Level string `env:"LOG_LEVEL" envDefault:"info"`
	}

	Database struct {
		DSN             string        `env:"DATABASE_DSN" envDefault:"host=postgres user=postgres password=postgres dbname=foodrec port=5432 sslmode=disable"`
		MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS" envDefault:"5"`
		MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"20"`
		ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"1h"`
	}

	Redis struct {
		Addr     string `env:"REDIS_ADDR" envDefault:"redis:6379"`
		Password string `env:"REDIS_PASSWORD"`
		DB       int    `env:"REDIS_DB" envDefault:"0"`
	}

	Auth struct {
		JWTSecret   string `env:"JWT_SECRET" envDefault:"dev-secret"`
		JWTAudience string `env:"JWT_AUDIENCE"`
	}

	Recognition struct {
		URL            string        `env:"RECOGNITION_URL"`
		Secret         string        `env:"RECOGNITION_SECRET"`
		SecretHeader   string        `env:"RECOGNITION_SECRET_HEADER" envDefault:"X-Proxy-Secret"`
		ConnectTimeout time.Duration `env:"RECOGNITION_CONNECT_TIMEOUT" envDefault:"5s"`
		ReadTimeout    time.Duration `env:"RECOGNITION_READ_TIMEOUT" envDefault:"60s"`
		Locale         string        `env:"RECOGNITION_LOCALE" envDefault:"en"`
	}

	Normalization struct {
		MaxSide     int           `env:"NORMALIZE_MAX_SIDE" envDefault:"1024"`
		MaxBytes    int           `env:"NORMALIZE_MAX_BYTES" envDefault:"1572864"`
		Budget      time.Duration `env:"NORMALIZE_BUDGET" envDefault:"800ms"`
		JPEGQuality int           `env:"NORMALIZE_JPEG_QUALITY" envDefault:"85"`
	}

	Pipeline struct {
		Workers       int           `env:"WORKER_COUNT" envDefault:"4"`
		Enabled       bool          `env:"RUN_WORKER" envDefault:"true"`
		MaxRetries    int           `env:"PIPELINE_MAX_RETRIES" envDefault:"3"`
		BaseBackoff   time.Duration `env:"PIPELINE_BASE_BACKOFF" envDefault:"2s"`
		MaxBackoff    time.Duration `env:"PIPELINE_MAX_BACKOFF" envDefault:"30s"`
		JobTimeout    time.Duration `env:"PIPELINE_JOB_TIMEOUT" envDefault:"90s"`
		MaxUploadSize int64         `env:"MAX_UPLOAD_BYTES" envDefault:"10485760"`
		SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	}

	Queue struct {
		Backend      string        `env:"QUEUE_BACKEND" envDefault:"redis"`
		RedisKey     string        `env:"QUEUE_REDIS_KEY" envDefault:"recognition:queue"`
		SQSURL       string        `env:"QUEUE_SQS_URL"`
		PollTimeout  time.Duration `env:"QUEUE_POLL_TIMEOUT" envDefault:"5s"`
		RequeueDelay time.Duration `env:"QUEUE_REQUEUE_DELAY" envDefault:"5s"`
	}

	Staging struct {
		Backend  string        `env:"STAGING_BACKEND" envDefault:"redis"`
		TTL      time.Duration `env:"STAGING_TTL" envDefault:"1h"`
		S3Bucket string        `env:"STAGING_S3_BUCKET"`
		S3Prefix string        `env:"STAGING_S3_PREFIX" envDefault:"staging/"`
	}

	Cancellation struct {
		RegistryTTL time.Duration `env:"CANCEL_REGISTRY_TTL" envDefault:"10m"`
	}

	AWS struct {
		Region         string        `env:"AWS_REGION" envDefault:"us-east-1"`
		Endpoint       string        `env:"AWS_ENDPOINT_URL"`
		AccessKey      string        `env:"AWS_ACCESS_KEY_ID"`
		SecretKey      string        `env:"AWS_SECRET_ACCESS_KEY"`
		UsePathStyle   bool          `env:"AWS_S3_USE_PATH_STYLE" envDefault:"true"`
		CfgLoadTimeout time.Duration `env:"AWS_LOAD_CFG_TIMEOUT" envDefault:"10s"`
	}

	Health struct {
		GRPCAddr string `env:"GRPC_HEALTH_ADDR" envDefault:":9090"`
	}
)

// New loads an optional .env file and then parses the environment.
func New(dotenvFiles ...string) (*Config, error) {
	if len(dotenvFiles) > 0 {
		// Missing files are fine: the environment alone is a valid source.
		_ = godotenv.Load(dotenvFiles...)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Recognition.URL == "" {
		errs = append(errs, errors.New("RECOGNITION_URL is required"))
	}
	if c.Recognition.Secret == "" {
		errs = append(errs, errors.New("RECOGNITION_SECRET is required"))
	}
	switch c.Queue.Backend {
	case "redis":
	case "sqs":
		if c.Queue.SQSURL == "" {
			errs = append(errs, errors.New("QUEUE_SQS_URL is required for the sqs queue backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend))
	}
	switch c.Staging.Backend {
	case "redis":
	case "s3":
		if c.Staging.S3Bucket == "" {
			errs = append(errs, errors.New("STAGING_S3_BUCKET is required for the s3 staging backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STAGING_BACKEND %q", c.Staging.Backend))
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, errors.New("WORKER_COUNT must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config error: %w", errors.Join(errs...))
	}
	return nil
}
