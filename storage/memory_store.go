package storage

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// StoredObject is one object held by MemoryObjectStore
type StoredObject struct {
	Data        []byte
	ContentType string
}

// MemoryObjectStore is an in-process ObjectStore for tests and dry runs.
// Signed URLs use the memory:// scheme and carry the expiry as a query
// parameter.
type MemoryObjectStore struct {
	mu      sync.Mutex
	objects map[string]StoredObject
	now     func() time.Time

	// FailPaths makes Upload fail for the listed bucket/path keys
	FailPaths map[string]error
}

// NewMemoryObjectStore creates an empty store
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{
		objects:   make(map[string]StoredObject),
		now:       time.Now,
		FailPaths: make(map[string]error),
	}
}

func objectKey(bucket, objectPath string) string {
	return bucket + "/" + objectPath
}

// Upload stores a copy of data
func (m *MemoryObjectStore) Upload(_ context.Context, bucket, objectPath string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := objectKey(bucket, objectPath)
	if err, ok := m.FailPaths[key]; ok {
		return err
	}
	m.objects[key] = StoredObject{Data: append([]byte(nil), data...), ContentType: contentType}
	return nil
}

// SignedURL returns a memory:// URL for an existing object
func (m *MemoryObjectStore) SignedURL(_ context.Context, bucket, objectPath string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[objectKey(bucket, objectPath)]; !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, objectPath)
	}

	u := url.URL{Scheme: "memory", Host: bucket, Path: "/" + objectPath}
	q := u.Query()
	q.Set("expires", m.now().Add(ttl).UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Object returns a stored object
func (m *MemoryObjectStore) Object(bucket, objectPath string) (StoredObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[objectKey(bucket, objectPath)]
	return obj, ok
}

// Len returns the number of stored objects
func (m *MemoryObjectStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

var _ ObjectStore = (*MemoryObjectStore)(nil)
