// Package memory provides an in-process storage.Backend used by tests and
// single-node deployments that do not need a durable archive.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/rseata/internal/storage"
	"pkt.systems/rseata/internal/correlation"
)

type object struct {
	data        []byte
	etag        string
	contentType string
	modified    time.Time
}

// Store keeps objects in a map guarded by a RWMutex.
type Store struct {
	mu      sync.RWMutex
	objects map[string]*object
}

// New returns an empty memory store.
func New() *Store {
	return &Store{objects: make(map[string]*object)}
}

// PutObject stores a copy of body under key.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[key]; exists && opts.IfNotExists {
		return nil, storage.ErrCASMismatch
	}
	obj := &object{
		data:        data,
		etag:        correlation.NewID(),
		contentType: contentType,
		modified:    time.Now().UTC(),
	}
	s.objects[key] = obj
	return obj.info(key), nil
}

// GetObject returns a reader over the stored bytes.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(obj.data)),
		Info:   obj.info(key),
	}, nil
}

// DeleteObject removes key.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

// ListObjects enumerates keys under opts.Prefix.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		if !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	result := &storage.ListResult{}
	for _, key := range keys {
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			break
		}
		result.Objects = append(result.Objects, *s.objects[key].info(key))
		result.NextStartAfter = key
	}
	s.mu.RUnlock()
	return result, nil
}

// Close drops every object.
func (s *Store) Close() error {
	s.mu.Lock()
	s.objects = make(map[string]*object)
	s.mu.Unlock()
	return nil
}

func (o *object) info(key string) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         o.etag,
		Size:         int64(len(o.data)),
		LastModified: o.modified,
		ContentType:  o.contentType,
	}
}
