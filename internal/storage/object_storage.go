package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"

	"seriesview/internal/pool"
)

// MinIOStore implements ObjectStore on a MinIO bucket.
type MinIOStore struct {
	pool *pool.MinIOPool
}

// NewMinIOStore wraps p. All objects live in p's configured bucket.
func NewMinIOStore(p *pool.MinIOPool) *MinIOStore {
	return &MinIOStore{pool: p}
}

func (s *MinIOStore) client() (*minio.Client, error) {
	if s.pool == nil || s.pool.GetClient() == nil {
		return nil, fmt.Errorf("minio client not available")
	}
	return s.pool.GetClient(), nil
}

// PutObject uploads one object.
func (s *MinIOStore) PutObject(ctx context.Context, objectName string, reader io.Reader, objectSize int64) error {
	client, err := s.client()
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, s.pool.Bucket(), objectName, reader, objectSize, minio.PutObjectOptions{
		ContentType: "application/vnd.apache.parquet",
	})
	return err
}

// GetObjectBytes downloads one object fully.
func (s *MinIOStore) GetObjectBytes(ctx context.Context, objectName string) ([]byte, error) {
	client, err := s.client()
	if err != nil {
		return nil, err
	}

	obj, err := client.GetObject(ctx, s.pool.Bucket(), objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	return io.ReadAll(obj)
}

// ListObjects lists every object under prefix.
func (s *MinIOStore) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	client, err := s.client()
	if err != nil {
		return nil, err
	}

	objectCh := client.ListObjects(ctx, s.pool.Bucket(), minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var objects []ObjectInfo
	for obj := range objectCh {
		if obj.Err != nil {
			return nil, obj.Err
		}
		objects = append(objects, ObjectInfo{
			Name:         obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return objects, nil
}

// HealthCheck delegates to the pool.
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("minio pool not configured")
	}
	return s.pool.HealthCheck(ctx)
}
