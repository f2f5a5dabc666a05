package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	body         []byte
	metadata     map[string]string
	contentType  string
	lastModified time.Time
}

// MemoryClient is an in-process Client used for local development and tests.
// Buckets are created implicitly on first write.
type MemoryClient struct {
	mu      sync.RWMutex
	buckets map[string]map[string]*memoryObject
	now     func() time.Time
}

// NewMemoryClient creates an empty in-memory object store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		buckets: make(map[string]map[string]*memoryObject),
		now:     time.Now,
	}
}

// PutObject implements Client.
func (m *MemoryClient) PutObject(ctx context.Context, bucket, key string, body []byte, metadata map[string]string, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	objects, ok := m.buckets[bucket]
	if !ok {
		objects = make(map[string]*memoryObject)
		m.buckets[bucket] = objects
	}
	if _, exists := objects[key]; exists && opts.IfNoneMatch {
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, ErrObjectExists)
	}

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	objects[key] = &memoryObject{
		body:         bytes.Clone(body),
		metadata:     meta,
		contentType:  opts.ContentType,
		lastModified: m.now().UTC(),
	}
	return nil
}

// GetObject implements Client.
func (m *MemoryClient) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	obj, err := m.lookup(bucket, key)
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(obj.body)), extractMetadata(obj.metadata), nil
}

// HeadObject implements Client.
func (m *MemoryClient) HeadObject(ctx context.Context, bucket, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	obj, err := m.lookup(bucket, key)
	if err != nil {
		return nil, err
	}
	metadata := extractMetadata(obj.metadata)
	metadata[MetaContentLength] = strconv.Itoa(len(obj.body))
	metadata[MetaLastModified] = obj.lastModified.Format(time.RFC3339Nano)
	if obj.contentType != "" {
		metadata[MetaContentType] = obj.contentType
	}
	return metadata, nil
}

// DeleteObject implements Client.
func (m *MemoryClient) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if objects, ok := m.buckets[bucket]; ok {
		delete(objects, key)
	}
	return nil
}

// ListObjects implements Client. Keys are returned in lexical order; Marker is the
// last key of the previous page.
func (m *MemoryClient) ListObjects(ctx context.Context, bucket, prefix string, opts ListOptions) (*ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0)
	for key := range m.buckets[bucket] {
		if strings.HasPrefix(key, prefix) && key > opts.Marker {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	result := &ListResult{}
	if opts.MaxKeys > 0 && len(keys) > int(opts.MaxKeys) {
		keys = keys[:opts.MaxKeys]
		result.IsTruncated = true
		result.NextMarker = keys[len(keys)-1]
	}
	for _, key := range keys {
		obj := m.buckets[bucket][key]
		result.Objects = append(result.Objects, ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.body)),
			LastModified: obj.lastModified,
		})
	}
	return result, nil
}

// HeadBucket implements Client. Every bucket is reachable in memory.
func (m *MemoryClient) HeadBucket(ctx context.Context, _ string) error {
	return ctx.Err()
}

// Len reports the number of objects stored in bucket.
func (m *MemoryClient) Len(bucket string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buckets[bucket])
}

// Corrupt applies fn to the stored bytes of key in place.
func (m *MemoryClient) Corrupt(bucket, key string, fn func([]byte) []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.buckets[bucket][key]
	if !ok {
		return fmt.Errorf("object %s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	obj.body = fn(obj.body)
	return nil
}

func (m *MemoryClient) lookup(bucket, key string) (*memoryObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	return obj, nil
}
