package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

// Config holds all configuration for the worker and CLI
type Config struct {
	Worker     WorkerConfig
	Store      StoreConfig
	Lock       LockConfig
	Sweep      SweepConfig
	Validation ValidationConfig
	Recovery   RecoveryConfig
	Queue      QueueConfig
	Redis      RedisConfig
	Storage    StorageConfig
	Metrics    MetricsConfig
	Tracing    TracingConfig
	Logging    LoggingConfig
}

// WorkerConfig identifies a worker process
type WorkerConfig struct {
	ID           string
	PollInterval time.Duration
}

// StoreConfig holds the job record store configuration
type StoreConfig struct {
	Root      string
	TempGrace time.Duration
}

// LockConfig holds per-job lock configuration
type LockConfig struct {
	AcquireTimeout time.Duration
	PollInterval   time.Duration
}

// SweepConfig holds parameter sweep execution settings
type SweepConfig struct {
	MaxParallel       int
	EncodeTimeout     time.Duration
	MetricTimeout     time.Duration
	FFmpegPath        string
	FFprobePath       string
	OutputBufferBytes int
	AllowedMetrics    []string
	VMAFModel         string
}

// ValidationConfig bounds what a submission may ask for
type ValidationConfig struct {
	MaxParameterValues int
	ABRMaxKbps         int
	CRFMin             int
	CRFMax             int
}

// RecoveryConfig holds recovery sweeper settings
type RecoveryConfig struct {
	Interval time.Duration
	IdleOnly bool
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
	Prefetch int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration
}

// StorageConfig holds object storage configuration for report export
type StorageConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// TracingConfig holds Jaeger tracing configuration
type TracingConfig struct {
	Enabled      bool
	ServiceName  string
	AgentHost    string
	AgentPort    int
	SamplerType  string
	SamplerParam float64
	LogSpans     bool
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	TimeFormat string
}

// Load reads configuration from file and environment variables. An empty
// configPath uses defaults and environment only. Environment variables are
// prefixed RATESWEEP_ with dots replaced by underscores, e.g.
// RATESWEEP_SWEEP_MAXPARALLEL.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ratesweep")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Worker defaults
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.pollInterval", "2s")

	// Store defaults
	v.SetDefault("store.root", "./jobs")
	v.SetDefault("store.tempGrace", "10m")

	// Lock defaults
	v.SetDefault("lock.acquireTimeout", "0s")
	v.SetDefault("lock.pollInterval", "100ms")

	// Sweep defaults
	v.SetDefault("sweep.maxParallel", 1)
	v.SetDefault("sweep.encodeTimeout", "600s")
	v.SetDefault("sweep.metricTimeout", "600s")
	v.SetDefault("sweep.ffmpegPath", "ffmpeg")
	v.SetDefault("sweep.ffprobePath", "ffprobe")
	v.SetDefault("sweep.outputBufferBytes", 64*1024)
	v.SetDefault("sweep.allowedMetrics", []string{"psnr", "ssim", "vmaf"})
	v.SetDefault("sweep.vmafModel", "")

	// Validation defaults
	v.SetDefault("validation.maxParameterValues", 10)
	v.SetDefault("validation.abrMaxKbps", 100000)
	v.SetDefault("validation.crfMin", 0)
	v.SetDefault("validation.crfMax", 51)

	// Recovery defaults
	v.SetDefault("recovery.interval", "5m")
	v.SetDefault("recovery.idleOnly", true)

	// Queue defaults
	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 5672)
	v.SetDefault("queue.user", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.vhost", "/")
	v.SetDefault("queue.prefetch", 1)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "24h")

	// Storage defaults
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.accessKeyID", "minioadmin")
	v.SetDefault("storage.secretAccessKey", "minioadmin")
	v.SetDefault("storage.bucketName", "ratesweep-reports")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.useSSL", false)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9091)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "ratesweep-worker")
	v.SetDefault("tracing.agentHost", "localhost")
	v.SetDefault("tracing.agentPort", 6831)
	v.SetDefault("tracing.samplerType", "const")
	v.SetDefault("tracing.samplerParam", 1.0)
	v.SetDefault("tracing.logSpans", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.timeFormat", "RFC3339")
}

// Validate rejects settings the worker cannot run with
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Store.Root) == "" {
		errs = append(errs, errors.New("store.root is required"))
	}
	if c.Store.TempGrace <= 0 {
		errs = append(errs, errors.New("store.tempGrace must be positive"))
	}
	if c.Lock.AcquireTimeout < 0 {
		errs = append(errs, errors.New("lock.acquireTimeout must not be negative"))
	}
	if c.Sweep.MaxParallel < 1 || c.Sweep.MaxParallel > 16 {
		errs = append(errs, fmt.Errorf("sweep.maxParallel must be between 1 and 16, got %d", c.Sweep.MaxParallel))
	}
	if c.Sweep.EncodeTimeout <= 0 || c.Sweep.MetricTimeout <= 0 {
		errs = append(errs, errors.New("sweep timeouts must be positive"))
	}
	if strings.TrimSpace(c.Sweep.FFmpegPath) == "" {
		errs = append(errs, errors.New("sweep.ffmpegPath is required"))
	}
	if strings.TrimSpace(c.Sweep.FFprobePath) == "" {
		errs = append(errs, errors.New("sweep.ffprobePath is required"))
	}
	for _, m := range c.Sweep.AllowedMetrics {
		switch models.MetricFamily(strings.ToLower(m)) {
		case models.MetricFamilyPSNR, models.MetricFamilySSIM, models.MetricFamilyVMAF:
		default:
			errs = append(errs, fmt.Errorf("sweep.allowedMetrics: unsupported metric %q", m))
		}
	}
	if c.Validation.MaxParameterValues < 1 || c.Validation.MaxParameterValues > models.MaxParameterValues {
		errs = append(errs, fmt.Errorf("validation.maxParameterValues must be between 1 and %d, got %d",
			models.MaxParameterValues, c.Validation.MaxParameterValues))
	}
	if c.Validation.ABRMaxKbps < 1 {
		errs = append(errs, errors.New("validation.abrMaxKbps must be positive"))
	}
	if c.Validation.CRFMin > c.Validation.CRFMax {
		errs = append(errs, errors.New("validation.crfMin exceeds validation.crfMax"))
	}
	if c.Queue.Enabled && c.Queue.Prefetch < 1 {
		errs = append(errs, errors.New("queue.prefetch must be at least 1"))
	}

	return errors.Join(errs...)
}

// Limits converts validation settings to submission limits
func (c *Config) Limits() models.Limits {
	allowed := make([]string, 0, len(c.Sweep.AllowedMetrics))
	for _, m := range c.Sweep.AllowedMetrics {
		allowed = append(allowed, strings.ToLower(strings.TrimSpace(m)))
	}
	return models.Limits{
		MaxParameterValues: c.Validation.MaxParameterValues,
		ABRMaxKbps:         c.Validation.ABRMaxKbps,
		CRFMin:             c.Validation.CRFMin,
		CRFMax:             c.Validation.CRFMax,
		AllowedMetrics:     allowed,
	}
}

// AMQPURL builds the broker URL
func (q QueueConfig) AMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", q.User, q.Password, q.Host, q.Port, q.Vhost)
}

// Addr returns host:port for the Redis server
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
