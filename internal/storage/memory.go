package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process ObjectStore, used when no object store is
// deployed and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data     []byte
	modified time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) PutObject(ctx context.Context, objectName string, reader io.Reader, objectSize int64) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return err
	}
	if objectSize >= 0 && int64(buf.Len()) != objectSize {
		return fmt.Errorf("object %s: size mismatch: got %d, want %d", objectName, buf.Len(), objectSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectName] = memoryObject{data: buf.Bytes(), modified: time.Now()}
	return nil
}

func (m *MemoryStore) GetObjectBytes(ctx context.Context, objectName string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[objectName]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectName)
	}
	return bytes.Clone(obj.data), nil
}

// ListObjects returns matches sorted by name.
func (m *MemoryStore) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var objects []ObjectInfo
	for name, obj := range m.objects {
		if strings.HasPrefix(name, prefix) {
			objects = append(objects, ObjectInfo{
				Name:         name,
				Size:         int64(len(obj.data)),
				LastModified: obj.modified,
			})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}
