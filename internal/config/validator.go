package config

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"seriesview/internal/logger"
)

// ValidationResult is the outcome of one connectivity check.
type ValidationResult struct {
	Component string                 `json:"component"`
	Status    string                 `json:"status"` // ok, warning, error
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ConfigValidator checks the external systems a config points at.
type ConfigValidator struct {
	cfg     *Config
	timeout time.Duration
}

// NewConfigValidator creates a validator with a per-check timeout of 5s.
func NewConfigValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg, timeout: 5 * time.Second}
}

// ValidateAll checks only the systems the configuration actually uses.
func (v *ConfigValidator) ValidateAll(ctx context.Context) []ValidationResult {
	var results []ValidationResult

	if v.cfg.Source.Type == "redis" || v.cfg.Subscription.Redis.Enabled {
		results = append(results, v.validateRedis(ctx))
	}
	if v.cfg.Source.Type == "archive" {
		results = append(results, v.validateMinIO(ctx))
	}
	if v.cfg.Subscription.Kafka.Enabled {
		results = append(results, v.validateKafka(ctx))
	}

	for _, r := range results {
		logger.LogInfo(ctx, "connectivity check",
			zap.String("component", r.Component),
			zap.String("status", r.Status),
			zap.String("message", r.Message))
	}
	return results
}

func (v *ConfigValidator) validateRedis(ctx context.Context) ValidationResult {
	client := redis.NewClient(&redis.Options{
		Addr:     v.cfg.Redis.Addr,
		Password: v.cfg.Redis.Password,
		DB:       v.cfg.Redis.DB,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return ValidationResult{
			Component: "redis",
			Status:    "error",
			Message:   "Failed to connect to Redis",
			Details:   map[string]interface{}{"addr": v.cfg.Redis.Addr, "error": err.Error()},
		}
	}
	return ValidationResult{
		Component: "redis",
		Status:    "ok",
		Message:   "Redis connection successful",
		Details:   map[string]interface{}{"addr": v.cfg.Redis.Addr, "db": v.cfg.Redis.DB},
	}
}

func (v *ConfigValidator) validateMinIO(ctx context.Context) ValidationResult {
	cfg := v.cfg.MinIO
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return ValidationResult{
			Component: "minio",
			Status:    "error",
			Message:   "Failed to create MinIO client",
			Details:   map[string]interface{}{"error": err.Error()},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return ValidationResult{
			Component: "minio",
			Status:    "error",
			Message:   "Failed to reach MinIO",
			Details:   map[string]interface{}{"endpoint": cfg.Endpoint, "error": err.Error()},
		}
	}
	if !exists {
		return ValidationResult{
			Component: "minio",
			Status:    "warning",
			Message:   fmt.Sprintf("Bucket %s does not exist", cfg.Bucket),
		}
	}
	return ValidationResult{
		Component: "minio",
		Status:    "ok",
		Message:   "MinIO connection successful",
		Details:   map[string]interface{}{"endpoint": cfg.Endpoint, "bucket": cfg.Bucket},
	}
}

func (v *ConfigValidator) validateKafka(ctx context.Context) ValidationResult {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	dialer := &kafka.Dialer{Timeout: v.timeout}
	var lastErr error
	for _, broker := range v.cfg.Subscription.Kafka.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		partitions, err := conn.ReadPartitions(v.cfg.Subscription.Kafka.Topic)
		conn.Close()
		if err != nil {
			return ValidationResult{
				Component: "kafka",
				Status:    "warning",
				Message:   "Connected to Kafka but failed to read topic partitions",
				Details:   map[string]interface{}{"topic": v.cfg.Subscription.Kafka.Topic, "error": err.Error()},
			}
		}
		return ValidationResult{
			Component: "kafka",
			Status:    "ok",
			Message:   "Kafka connection successful",
			Details:   map[string]interface{}{"broker": broker, "partitions": len(partitions)},
		}
	}
	return ValidationResult{
		Component: "kafka",
		Status:    "error",
		Message:   "Failed to connect to any Kafka broker",
		Details:   map[string]interface{}{"error": fmt.Sprint(lastErr)},
	}
}

// GetOverallStatus folds results into ok, warning or error.
func GetOverallStatus(results []ValidationResult) string {
	status := "ok"
	for _, r := range results {
		switch r.Status {
		case "error":
			return "error"
		case "warning":
			status = "warning"
		}
	}
	return status
}
