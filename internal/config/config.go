package config

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"seriesview/internal/logger"
)

// Config is the process configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Series       SeriesConfig       `yaml:"series"`
	Source       SourceConfig       `yaml:"source"`
	Redis        RedisConfig        `yaml:"redis"`
	MinIO        MinioConfig        `yaml:"minio"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Auth         AuthConfig         `yaml:"auth"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Log          logger.LogConfig   `yaml:"log"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	RestPort        string          `yaml:"rest_port"`
	GrpcPort        string          `yaml:"grpc_port"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	Keepalive       KeepaliveConfig `yaml:"keepalive"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	CORS            bool            `yaml:"cors"`
}

// KeepaliveConfig mirrors grpc keepalive server parameters.
type KeepaliveConfig struct {
	Time              time.Duration `yaml:"time"`
	Timeout           time.Duration `yaml:"timeout"`
	MinTime           time.Duration `yaml:"min_time"`
	MaxConnectionIdle time.Duration `yaml:"max_connection_idle"`
}

// RateLimitTier is one token bucket shape.
type RateLimitTier struct {
	Name            string        `yaml:"name"`
	RequestsPerSec  float64       `yaml:"requests_per_sec"`
	BurstSize       int           `yaml:"burst_size"`
	Window          time.Duration `yaml:"window"`
	BackoffDuration time.Duration `yaml:"backoff_duration"`
}

// PathRateLimit assigns a tier to requests whose path starts with Pattern.
type PathRateLimit struct {
	Pattern string `yaml:"pattern"`
	Tier    string `yaml:"tier"`
}

// RateLimitConfig configures per-client REST rate limiting.
type RateLimitConfig struct {
	Enabled         bool            `yaml:"enabled"`
	DefaultTier     string          `yaml:"default_tier"`
	Tiers           []RateLimitTier `yaml:"tiers"`
	PathLimits      []PathRateLimit `yaml:"path_limits"`
	CleanupInterval time.Duration   `yaml:"cleanup_interval"`
}

// SeriesConfig configures every buffer the registry creates.
type SeriesConfig struct {
	PreloadFactor float64  `yaml:"preload_factor"`
	RefillPolicy  string   `yaml:"refill_policy"` // latest, pinned
	Preregister   []string `yaml:"preregister"`
}

// SourceConfig selects and configures the loader back-end.
type SourceConfig struct {
	Type      string            `yaml:"type"` // synthetic, redis, archive, duckdb
	Synthetic SyntheticConfig   `yaml:"synthetic"`
	Redis     RedisSourceConfig `yaml:"redis"`
	Archive   ArchiveConfig     `yaml:"archive"`
	DuckDB    DuckDBConfig      `yaml:"duckdb"`
}

// SyntheticConfig shapes the generated waveform.
// MaxSamples caps the samples one Fetch may generate.
type SyntheticConfig struct {
	Step       float64 `yaml:"step"`
	Amplitude  float64 `yaml:"amplitude"`
	Frequency  float64 `yaml:"frequency"`
	Offset     float64 `yaml:"offset"`
	MaxSamples int     `yaml:"max_samples"`
}

// RedisSourceConfig configures sorted-set reads.
type RedisSourceConfig struct {
	KeyPrefix  string        `yaml:"key_prefix"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// ArchiveConfig configures parquet segment reads.
type ArchiveConfig struct {
	Prefix   string `yaml:"prefix"`
	CacheDir string `yaml:"cache_dir"`
}

// DuckDBConfig configures the SQL source.
type DuckDBConfig struct {
	DSN   string `yaml:"dsn"` // empty for in-memory
	Table string `yaml:"table"`
}

// RedisConfig holds Redis connection details.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MinioConfig holds object store connection details.
type MinioConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
}

// SubscriptionConfig configures live ingest.
type SubscriptionConfig struct {
	Redis RedisSubscriptionConfig `yaml:"redis"`
	Kafka KafkaSubscriptionConfig `yaml:"kafka"`
	Dedup DedupConfig             `yaml:"dedup"`
}

// RedisSubscriptionConfig configures pub/sub ingest.
type RedisSubscriptionConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// KafkaSubscriptionConfig configures consumer-group ingest.
type KafkaSubscriptionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	GroupID        string        `yaml:"group_id"`
	MinBytes       int           `yaml:"min_bytes"`
	MaxBytes       int           `yaml:"max_bytes"`
	MaxWait        time.Duration `yaml:"max_wait"`
	CommitInterval time.Duration `yaml:"commit_interval"`
}

// DedupConfig sizes the batch-id bloom filter.
type DedupConfig struct {
	Enabled           bool    `yaml:"enabled"`
	ExpectedBatches   uint    `yaml:"expected_batches"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

// AuthConfig configures REST authentication.
type AuthConfig struct {
	Enabled     bool              `yaml:"enabled"`
	JWTSecret   string            `yaml:"jwt_secret"`
	TokenExpiry time.Duration     `yaml:"token_expiry"`
	APIKeys     []string          `yaml:"api_keys"`
	Users       map[string]string `yaml:"users"` // username -> bcrypt hash
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadConfig reads configPath (optional), applies env overrides and validates.
func LoadConfig(ctx context.Context, configPath string) (*Config, error) {
	config := Default()

	if configPath != "" && fileExists(configPath) {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		logger.LogInfo(ctx, "config file loaded", zap.String("path", configPath))
	} else if configPath != "" {
		logger.LogWarn(ctx, "config file not found, using defaults", zap.String("path", configPath))
	}

	config.overrideWithEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// Default returns the built-in defaults without reading files or env.
func Default() *Config {
	config := &Config{}
	config.setDefaults()
	return config
}

func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		RestPort:        ":8081",
		GrpcPort:        ":8080",
		ShutdownTimeout: 30 * time.Second,
		Keepalive: KeepaliveConfig{
			Time:              60 * time.Second,
			Timeout:           10 * time.Second,
			MinTime:           10 * time.Second,
			MaxConnectionIdle: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			DefaultTier: "read",
			Tiers: []RateLimitTier{
				{Name: "health", RequestsPerSec: 100, BurstSize: 200, Window: time.Minute, BackoffDuration: time.Second},
				{Name: "read", RequestsPerSec: 50, BurstSize: 100, Window: time.Minute, BackoffDuration: 2 * time.Second},
				{Name: "write", RequestsPerSec: 30, BurstSize: 60, Window: time.Minute, BackoffDuration: 5 * time.Second},
				{Name: "strict", RequestsPerSec: 5, BurstSize: 10, Window: time.Minute, BackoffDuration: 10 * time.Second},
			},
			PathLimits: []PathRateLimit{
				{Pattern: "/v1/health", Tier: "health"},
				{Pattern: "/metrics", Tier: "health"},
				{Pattern: "/v1/auth", Tier: "strict"},
			},
			CleanupInterval: 5 * time.Minute,
		},
	}

	c.Series = SeriesConfig{
		PreloadFactor: 0.2,
		RefillPolicy:  "latest",
	}

	c.Source = SourceConfig{
		Type: "synthetic",
		Synthetic: SyntheticConfig{
			Step:       1,
			Amplitude:  1,
			Frequency:  1,
			MaxSamples: 1000000,
		},
		Redis: RedisSourceConfig{
			KeyPrefix:  "series:",
			MaxRetries: 3,
			RetryDelay: 100 * time.Millisecond,
		},
		Archive: ArchiveConfig{
			Prefix:   "series",
			CacheDir: os.TempDir(),
		},
		DuckDB: DuckDBConfig{
			Table: "samples",
		},
	}

	c.Redis = RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     20,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	c.MinIO = MinioConfig{
		Endpoint: "localhost:9000",
		Bucket:   "seriesview",
	}

	c.Subscription = SubscriptionConfig{
		Redis: RedisSubscriptionConfig{
			ChannelPrefix: "series:ingest:",
		},
		Kafka: KafkaSubscriptionConfig{
			Brokers:        []string{"localhost:9092"},
			Topic:          "series-samples",
			GroupID:        "seriesview",
			MinBytes:       1,
			MaxBytes:       10 << 20,
			MaxWait:        500 * time.Millisecond,
			CommitInterval: time.Second,
		},
		Dedup: DedupConfig{
			Enabled:           true,
			ExpectedBatches:   1_000_000,
			FalsePositiveRate: 0.0001,
		},
	}

	c.Auth = AuthConfig{
		TokenExpiry: 24 * time.Hour,
	}

	c.Metrics = MetricsConfig{
		Enabled: true,
		Path:    "/metrics",
	}

	c.Log = logger.DefaultLogConfig
}

func (c *Config) overrideWithEnv() {
	if v := os.Getenv("REST_PORT"); v != "" {
		c.Server.RestPort = normalizePort(v)
	}
	if v := os.Getenv("GRPC_PORT"); v != "" {
		c.Server.GrpcPort = normalizePort(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		c.MinIO.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		c.MinIO.AccessKeyID = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.MinIO.SecretAccessKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		c.MinIO.Bucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		c.MinIO.UseSSL = true
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Subscription.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("SOURCE_TYPE"); v != "" {
		c.Source.Type = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) validate() error {
	if err := validatePort(c.Server.RestPort); err != nil {
		return fmt.Errorf("rest_port validation failed: %w", err)
	}
	if err := validatePort(c.Server.GrpcPort); err != nil {
		return fmt.Errorf("grpc_port validation failed: %w", err)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if rl := c.Server.RateLimit; rl.Enabled {
		tiers := make(map[string]bool, len(rl.Tiers))
		for _, t := range rl.Tiers {
			if t.RequestsPerSec <= 0 || t.BurstSize <= 0 {
				return fmt.Errorf("rate limit tier %q needs positive requests_per_sec and burst_size", t.Name)
			}
			tiers[t.Name] = true
		}
		if !tiers[rl.DefaultTier] {
			return fmt.Errorf("rate limit default_tier %q is not defined", rl.DefaultTier)
		}
		for _, p := range rl.PathLimits {
			if !tiers[p.Tier] {
				return fmt.Errorf("rate limit path %q uses undefined tier %q", p.Pattern, p.Tier)
			}
		}
	}

	f := c.Series.PreloadFactor
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("preload_factor must be a finite non-negative number, got %v", f)
	}
	switch c.Series.RefillPolicy {
	case "latest", "pinned":
	default:
		return fmt.Errorf("refill_policy must be latest or pinned, got %q", c.Series.RefillPolicy)
	}
	seen := make(map[string]bool, len(c.Series.Preregister))
	for _, id := range c.Series.Preregister {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("preregister contains an empty series id")
		}
		if seen[id] {
			return fmt.Errorf("preregister lists %q twice", id)
		}
		seen[id] = true
	}

	switch c.Source.Type {
	case "synthetic":
		if c.Source.Synthetic.Step <= 0 {
			return fmt.Errorf("synthetic step must be positive")
		}
		if c.Source.Synthetic.MaxSamples <= 0 {
			return fmt.Errorf("synthetic max_samples must be positive")
		}
	case "redis":
		if err := validateAddress(c.Redis.Addr); err != nil {
			return fmt.Errorf("redis addr validation failed: %w", err)
		}
	case "archive":
		if c.MinIO.Endpoint == "" {
			return fmt.Errorf("minio endpoint is required for the archive source")
		}
		if err := validateBucketName(c.MinIO.Bucket); err != nil {
			return fmt.Errorf("minio bucket name validation failed: %w", err)
		}
	case "duckdb":
		if c.Source.DuckDB.Table == "" {
			return fmt.Errorf("duckdb table is required")
		}
	default:
		return fmt.Errorf("unknown source type %q", c.Source.Type)
	}

	if c.Subscription.Redis.Enabled {
		if err := validateAddress(c.Redis.Addr); err != nil {
			return fmt.Errorf("redis addr validation failed: %w", err)
		}
		if c.Subscription.Redis.ChannelPrefix == "" {
			return fmt.Errorf("redis subscription channel_prefix is required")
		}
	}
	if c.Subscription.Kafka.Enabled {
		if len(c.Subscription.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required")
		}
		if c.Subscription.Kafka.Topic == "" || c.Subscription.Kafka.GroupID == "" {
			return fmt.Errorf("kafka topic and group_id are required")
		}
	}
	if d := c.Subscription.Dedup; d.Enabled {
		if d.ExpectedBatches == 0 {
			return fmt.Errorf("dedup expected_batches must be positive")
		}
		if d.FalsePositiveRate <= 0 || d.FalsePositiveRate >= 1 {
			return fmt.Errorf("dedup false_positive_rate must be in (0,1)")
		}
	}

	if c.Auth.Enabled {
		if err := validateJWTSecret(c.Auth.JWTSecret); err != nil {
			return fmt.Errorf("JWT secret validation failed: %w", err)
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /")
	}

	if c.Log.MaxSize < 0 || c.Log.MaxSize > 1000 {
		return fmt.Errorf("log max_size must be in range 0-1000 MB")
	}

	return nil
}

func normalizePort(port string) string {
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validatePort(port string) error {
	if port == "" {
		return fmt.Errorf("port is required")
	}
	idx := strings.LastIndex(port, ":")
	portNum, err := strconv.Atoi(port[idx+1:])
	if err != nil {
		return fmt.Errorf("invalid port number: %s", port)
	}
	if portNum < 1024 || portNum > 65535 {
		return fmt.Errorf("port must be in range 1024-65535, got %d", portNum)
	}
	return nil
}

func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	idx := strings.LastIndex(addr, ":")
	if idx <= 0 {
		return fmt.Errorf("invalid address format, expected host:port")
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port in address %s", addr)
	}
	return nil
}

func validateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return fmt.Errorf("bucket name must be between 3 and 63 characters, got %d", len(name))
	}
	for i, char := range name {
		valid := (char >= 'a' && char <= 'z') ||
			(char >= '0' && char <= '9') ||
			char == '-' || char == '.'
		if !valid {
			return fmt.Errorf("bucket name contains invalid character at position %d: %c", i, char)
		}
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") ||
		strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return fmt.Errorf("bucket name cannot start or end with a hyphen or period")
	}
	return nil
}

func validateJWTSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("JWT secret is required; set JWT_SECRET or auth.jwt_secret")
	}
	for _, weak := range []string{"secret", "jwt-secret", "change-me", "default-secret", "test-secret"} {
		if secret == weak {
			return fmt.Errorf("JWT secret matches a known weak or default value")
		}
	}
	if len(secret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 characters long, got %d", len(secret))
	}
	return nil
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
