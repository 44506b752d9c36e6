package pool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"seriesview/internal/config"
)

const defaultRegion = "us-east-1"

// MinIOPool owns the object store client for archived segments.
type MinIOPool struct {
	client    *minio.Client
	config    config.MinioConfig
	transport *http.Transport
}

// NewMinIOPool builds a client with a tuned transport. It does not dial;
// call HealthCheck or EnsureBucket to verify connectivity.
func NewMinIOPool(cfg config.MinioConfig) (*MinIOPool, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          runtime.NumCPU() * 10,
		MaxIdleConnsPerHost:   runtime.NumCPU() * 2,
		MaxConnsPerHost:       runtime.NumCPU() * 4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:    cfg.UseSSL,
		Region:    defaultRegion,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &MinIOPool{
		client:    client,
		config:    cfg,
		transport: transport,
	}, nil
}

// GetClient returns the shared client.
func (p *MinIOPool) GetClient() *minio.Client {
	return p.client
}

// Bucket is the configured bucket name.
func (p *MinIOPool) Bucket() string {
	return p.config.Bucket
}

// HealthCheck verifies the configured bucket is reachable.
func (p *MinIOPool) HealthCheck(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.config.Bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", p.config.Bucket)
	}
	return nil
}

// EnsureBucket creates the configured bucket when missing.
func (p *MinIOPool) EnsureBucket(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.config.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := p.client.MakeBucket(ctx, p.config.Bucket, minio.MakeBucketOptions{Region: defaultRegion}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", p.config.Bucket, err)
	}
	return nil
}

// GetConnectionInfo describes the client.
func (p *MinIOPool) GetConnectionInfo() map[string]interface{} {
	return map[string]interface{}{
		"endpoint": p.config.Endpoint,
		"bucket":   p.config.Bucket,
		"use_ssl":  p.config.UseSSL,
	}
}

// Close drops idle connections.
func (p *MinIOPool) Close() {
	if p.transport != nil {
		p.transport.CloseIdleConnections()
	}
}
