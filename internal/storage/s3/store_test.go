package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/rseata/internal/storage"
)

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "rseata-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "archive",
		Insecure:       true,
		ForcePathStyle: true,
	}
	return server, cfg
}

func TestS3ObjectLifecycle(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	payload := []byte(`{"xid":"abc","status":9}`)
	info, err := store.PutObject(ctx, "sessions/abc.json", bytes.NewReader(payload), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("put object: %v", err)
	}
	if info.Key != "sessions/abc.json" {
		t.Fatalf("unexpected key %q", info.Key)
	}
	res, err := store.GetObject(ctx, "sessions/abc.json")
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	data, err := io.ReadAll(res.Reader)
	res.Reader.Close()
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("payload mismatch: %s", data)
	}
	list, err := store.ListObjects(ctx, storage.ListOptions{Prefix: "sessions/"})
	if err != nil {
		t.Fatalf("list objects: %v", err)
	}
	if len(list.Objects) != 1 || list.Objects[0].Key != "sessions/abc.json" {
		t.Fatalf("unexpected listing: %+v", list.Objects)
	}
	if err := store.DeleteObject(ctx, "sessions/abc.json", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete object: %v", err)
	}
	if _, err := store.GetObject(ctx, "sessions/abc.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.DeleteObject(ctx, "sessions/abc.json", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore-not-found delete: %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	if isRetryable(nil) {
		t.Fatalf("nil must not be retryable")
	}
	if !isRetryable(context.DeadlineExceeded) {
		t.Fatalf("deadline should be retryable")
	}
	if !isRetryable(syscall.ECONNRESET) {
		t.Fatalf("connection reset should be retryable")
	}
	if isRetryable(errors.New("boom")) {
		t.Fatalf("plain errors must not be retryable")
	}
}
