package disk

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/rseata/internal/storage"
)

func TestDiskObjectLifecycle(t *testing.T) {
	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	info, err := store.PutObject(ctx, "sessions/x1.json", bytes.NewBufferString(`{"xid":"x1"}`), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.ETag == "" || info.Size != int64(len(`{"xid":"x1"}`)) {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.PutObject(ctx, "sessions/x1.json", bytes.NewBufferString("{}"), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	res, err := store.GetObject(ctx, "sessions/x1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(res.Reader)
	res.Reader.Close()
	if string(data) != `{"xid":"x1"}` || res.Info.ContentType != storage.ContentTypeJSON {
		t.Fatalf("unexpected object %q %+v", data, res.Info)
	}
	list, err := store.ListObjects(ctx, storage.ListOptions{Prefix: "sessions/"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Objects) != 1 || list.Objects[0].Key != "sessions/x1.json" {
		t.Fatalf("unexpected listing %+v", list.Objects)
	}
	if err := store.DeleteObject(ctx, "sessions/x1.json", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetObject(ctx, "sessions/x1.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDiskRejectsEscapingKeys(t *testing.T) {
	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.PutObject(context.Background(), "../escape", bytes.NewBufferString("x"), storage.PutObjectOptions{}); err == nil {
		t.Fatalf("expected invalid key error")
	}
}

func TestDiskRetentionSweep(t *testing.T) {
	now := time.Now()
	root := t.TempDir()
	store, err := New(Config{Root: root, Retention: time.Hour, JanitorInterval: time.Hour, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	store.PutObject(ctx, "sessions/old.json", bytes.NewBufferString("{}"), storage.PutObjectOptions{})
	store.PutObject(ctx, "sessions/new.json", bytes.NewBufferString("{}"), storage.PutObjectOptions{})
	old := now.Add(-2 * time.Hour)
	if err := os.Chtimes(filepath.Join(root, "objects", "sessions", "old.json"), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if removed := store.sweepExpired(); removed != 1 {
		t.Fatalf("expected 1 expired object, got %d", removed)
	}
	if _, err := store.GetObject(ctx, "sessions/new.json"); err != nil {
		t.Fatalf("fresh object removed: %v", err)
	}
}
