package rseata

import (
	"context"
	"errors"
	"io"
	"testing"

	"pkt.systems/rseata/internal/storage"
	"pkt.systems/rseata/internal/storage/memory"
)

func TestVerifyArchiveMemory(t *testing.T) {
	res, err := VerifyArchive(context.Background(), Config{Archive: "mem://"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Passed() {
		t.Fatalf("expected all checks to pass: %+v", res.Checks)
	}
	if len(res.Checks) != 7 {
		t.Fatalf("expected 7 checks, got %d", len(res.Checks))
	}
	if res.Provider != "mem" {
		t.Fatalf("unexpected provider %q", res.Provider)
	}
}

func TestVerifyArchiveDiskLeavesNoProbe(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Archive: "disk://" + dir}
	res, err := VerifyArchive(context.Background(), cfg)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Passed() {
		t.Fatalf("expected disk checks to pass: %+v", res.Checks)
	}
	backend, err := openArchiveBackend(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer backend.Close()
	list, err := backend.ListObjects(context.Background(), storage.ListOptions{Prefix: diagnosticsPrefix})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Objects) != 0 {
		t.Fatalf("expected probe cleanup, found %v", list.Objects)
	}
}

type failingPutBackend struct {
	storage.Backend
}

func (failingPutBackend) PutObject(context.Context, string, io.Reader, storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	return nil, errors.New("read-only bucket")
}

func TestProbeArchiveStopsAfterFailedPut(t *testing.T) {
	steps := probeArchive(context.Background(), failingPutBackend{Backend: memory.New()})
	if len(steps) != 1 || steps[0].Name != "PutObject" || steps[0].Err == nil {
		t.Fatalf("unexpected steps %+v", steps)
	}
}

func TestVerifyArchiveRejectsBadURL(t *testing.T) {
	if _, err := VerifyArchive(context.Background(), Config{Archive: "://"}); err == nil {
		t.Fatal("expected parse failure")
	}
}
