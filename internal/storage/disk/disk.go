// Package disk stores archive objects as plain files below a root directory.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rseata/internal/storage"
)

// Config controls the disk backend.
type Config struct {
	Root string
	// Retention removes objects older than this age. Zero keeps everything.
	Retention       time.Duration
	JanitorInterval time.Duration
	Now             func() time.Time
}

// Store implements storage.Backend on the local filesystem.
type Store struct {
	root      string
	objectDir string
	tmpDir    string
	retention time.Duration
	interval  time.Duration
	now       func() time.Time

	mu          sync.Mutex
	stopJanitor chan struct{}
	doneJanitor chan struct{}
}

// New prepares the directory layout under cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("disk: retention must be >= 0")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	objectDir := filepath.Join(root, "objects")
	tmpDir := filepath.Join(root, "tmp")
	for _, dir := range []string{objectDir, tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	s := &Store{
		root:      root,
		objectDir: objectDir,
		tmpDir:    tmpDir,
		retention: cfg.Retention,
		interval:  cfg.JanitorInterval,
		now:       cfg.Now,
	}
	if s.interval <= 0 {
		s.interval = time.Hour
	}
	if s.retention > 0 {
		s.stopJanitor = make(chan struct{})
		s.doneJanitor = make(chan struct{})
		go s.janitorLoop()
	}
	return s, nil
}

// Root returns the configured root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) objectPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(key, "/")))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return filepath.Join(s.objectDir, clean), nil
}

// PutObject writes body to a temp file and renames it into place.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := pslog.LoggerFromContext(ctx)
	dataPath, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	if opts.IfNotExists {
		if _, err := os.Stat(dataPath); err == nil {
			logger.Debug("disk.put_object.exists", "key", key)
			return nil, storage.ErrCASMismatch
		}
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return nil, fmt.Errorf("disk: create temp object for %q: %w", key, err)
	}
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: sync object %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: close object %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: rename object %q: %w", key, err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	logger.Trace("disk.put_object.success", "key", key, "bytes", written)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         hex.EncodeToString(hasher.Sum(nil)),
		Size:         written,
		LastModified: s.now().UTC(),
		ContentType:  contentType,
	}, nil
}

// GetObject opens the file backing key.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	dataPath, err := s.objectPath(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	return storage.GetObjectResult{
		Reader: f,
		Info: &storage.ObjectInfo{
			Key:          key,
			Size:         st.Size(),
			LastModified: st.ModTime().UTC(),
			ContentType:  contentTypeFor(key),
		},
	}, nil
}

// DeleteObject removes the file backing key.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	dataPath, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dataPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	return nil
}

// ListObjects walks the object directory.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	var keys []string
	err := filepath.WalkDir(s.objectDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.objectDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, opts.Prefix) {
			return nil
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	result := &storage.ListResult{}
	for _, key := range keys {
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			break
		}
		info := storage.ObjectInfo{Key: key, ContentType: contentTypeFor(key)}
		if st, err := os.Stat(filepath.Join(s.objectDir, filepath.FromSlash(key))); err == nil {
			info.Size = st.Size()
			info.LastModified = st.ModTime().UTC()
		}
		result.Objects = append(result.Objects, info)
		result.NextStartAfter = key
	}
	return result, nil
}

// Close stops the retention janitor.
func (s *Store) Close() error {
	s.mu.Lock()
	stop := s.stopJanitor
	s.stopJanitor = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-s.doneJanitor
	}
	return nil
}

func (s *Store) janitorLoop() {
	defer close(s.doneJanitor)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.mu.Lock()
	stop := s.stopJanitor
	s.mu.Unlock()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

// sweepExpired removes objects older than the retention window.
func (s *Store) sweepExpired() int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.retention)
	removed := 0
	_ = filepath.WalkDir(s.objectDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(p) == nil {
				removed++
			}
		}
		return nil
	})
	return removed
}

func contentTypeFor(key string) string {
	if strings.HasSuffix(key, ".json") {
		return storage.ContentTypeJSON
	}
	return storage.ContentTypeOctetStream
}
