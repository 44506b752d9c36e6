package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStore is the subset of object storage the archive needs.
type ObjectStore interface {
	PutObject(ctx context.Context, objectName string, reader io.Reader, objectSize int64) error
	GetObjectBytes(ctx context.Context, objectName string) ([]byte, error)
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
	HealthCheck(ctx context.Context) error
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}
