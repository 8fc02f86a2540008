package retry_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rseata/internal/storage"
	"pkt.systems/rseata/internal/storage/retry"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.Sleep(d)
	ch := make(chan time.Time, 1)
	ch <- f.now
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
}

type stubBackend struct {
	putErrs   []error
	putCalls  int
	putBodies []string
	getErrs   []error
	getCalls  int
}

func (s *stubBackend) PutObject(_ context.Context, key string, body io.Reader, _ storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	s.putCalls++
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.putBodies = append(s.putBodies, string(data))
	if idx := s.putCalls - 1; idx < len(s.putErrs) && s.putErrs[idx] != nil {
		return nil, s.putErrs[idx]
	}
	return &storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *stubBackend) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	s.getCalls++
	if idx := s.getCalls - 1; idx < len(s.getErrs) && s.getErrs[idx] != nil {
		return storage.GetObjectResult{}, s.getErrs[idx]
	}
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(nil)), Info: &storage.ObjectInfo{Key: key}}, nil
}

func (s *stubBackend) DeleteObject(context.Context, string, storage.DeleteObjectOptions) error {
	return nil
}

func (s *stubBackend) ListObjects(context.Context, storage.ListOptions) (*storage.ListResult, error) {
	return &storage.ListResult{}, nil
}

func (s *stubBackend) Close() error { return nil }

func TestPutObjectRetriesWithFullBody(t *testing.T) {
	stub := &stubBackend{putErrs: []error{
		storage.NewTransientError(errors.New("slow down")),
		storage.NewTransientError(errors.New("slow down")),
	}}
	clk := &fakeClock{now: time.Unix(0, 0)}
	backend := retry.Wrap(stub, pslog.NoopLogger(), clk, retry.Config{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    15 * time.Millisecond,
		Multiplier:  2,
	})
	info, err := backend.PutObject(context.Background(), "sessions/a.json", bytes.NewBufferString(`{"xid":"a"}`), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("put object: %v", err)
	}
	if info.Size != int64(len(`{"xid":"a"}`)) {
		t.Fatalf("unexpected size %d", info.Size)
	}
	if stub.putCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", stub.putCalls)
	}
	for i, body := range stub.putBodies {
		if body != `{"xid":"a"}` {
			t.Fatalf("attempt %d uploaded %q", i+1, body)
		}
	}
	want := []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}
	if len(clk.sleeps) != len(want) {
		t.Fatalf("unexpected sleeps %v", clk.sleeps)
	}
	for i := range want {
		if clk.sleeps[i] != want[i] {
			t.Fatalf("sleep %d: got %v want %v", i, clk.sleeps[i], want[i])
		}
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	stub := &stubBackend{getErrs: []error{storage.ErrNotFound}}
	clk := &fakeClock{}
	backend := retry.Wrap(stub, nil, clk, retry.Config{MaxAttempts: 4})
	if _, err := backend.GetObject(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if stub.getCalls != 1 || len(clk.sleeps) != 0 {
		t.Fatalf("expected single attempt, got calls=%d sleeps=%v", stub.getCalls, clk.sleeps)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	transient := storage.NewTransientError(errors.New("503"))
	stub := &stubBackend{getErrs: []error{transient, transient, transient}}
	backend := retry.Wrap(stub, nil, &fakeClock{}, retry.Config{MaxAttempts: 3})
	_, err := backend.GetObject(context.Background(), "k")
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if stub.getCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", stub.getCalls)
	}
}

func TestConditionalPutLandedBeforeTransientError(t *testing.T) {
	stub := &stubBackend{putErrs: []error{
		storage.NewTransientError(errors.New("connection reset")),
		storage.ErrCASMismatch,
	}}
	backend := retry.Wrap(stub, nil, &fakeClock{}, retry.Config{MaxAttempts: 3})
	info, err := backend.PutObject(context.Background(), "sessions/b.json", bytes.NewBufferString(`{}`), storage.PutObjectOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("expected landed put to succeed, got %v", err)
	}
	if info == nil || info.Key != "sessions/b.json" || info.Size != 2 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestConditionalPutConflictWithoutRetryFails(t *testing.T) {
	stub := &stubBackend{putErrs: []error{storage.ErrCASMismatch}}
	backend := retry.Wrap(stub, nil, &fakeClock{}, retry.Config{MaxAttempts: 3})
	_, err := backend.PutObject(context.Background(), "sessions/c.json", bytes.NewBufferString(`{}`), storage.PutObjectOptions{IfNotExists: true})
	if !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	transient := storage.NewTransientError(errors.New("503"))
	stub := &stubBackend{getErrs: []error{transient, transient, transient}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backend := retry.Wrap(stub, nil, blockingClock{}, retry.Config{MaxAttempts: 3})
	if _, err := backend.GetObject(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if stub.getCalls != 1 {
		t.Fatalf("expected one attempt before cancel, got %d", stub.getCalls)
	}
}

type blockingClock struct{}

func (blockingClock) Now() time.Time                       { return time.Unix(0, 0) }
func (blockingClock) After(time.Duration) <-chan time.Time { return nil }
func (blockingClock) Sleep(time.Duration)                  {}
