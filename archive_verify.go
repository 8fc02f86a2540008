package rseata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"

	"pkt.systems/rseata/internal/correlation"
	"pkt.systems/rseata/internal/storage"
)

// ArchiveCheck captures the outcome of archive verification.
type ArchiveCheck struct {
	Archive     string
	Provider    string
	Credentials CredentialSummary
	Checks      []ArchiveCheckStep
}

// ArchiveCheckStep is the outcome of a single verification step.
type ArchiveCheckStep struct {
	Name string
	Err  error
}

// Passed reports whether all checks succeeded.
func (r ArchiveCheck) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// diagnosticsPrefix keeps probe objects away from archived sessions.
const diagnosticsPrefix = "diagnostics/"

// VerifyArchive opens the archive named by cfg and walks a probe object
// through the operations the session archive depends on. The probe is
// removed afterwards.
func VerifyArchive(ctx context.Context, cfg Config) (ArchiveCheck, error) {
	result := ArchiveCheck{Archive: cfg.Archive}
	u, err := url.Parse(cfg.Archive)
	if err != nil {
		return result, fmt.Errorf("parse archive URL: %w", err)
	}
	result.Provider = u.Scheme
	switch u.Scheme {
	case "s3":
		_, creds, err := BuildGenericS3Config(cfg)
		if err != nil {
			return result, err
		}
		result.Credentials = creds
	case "aws":
		_, creds, err := BuildAWSConfig(cfg)
		if err != nil {
			return result, err
		}
		result.Credentials = creds
	}
	backend, err := openArchiveBackend(cfg)
	if err == nil {
		var sealed storage.Backend
		if sealed, err = sealArchive(cfg, backend); err != nil {
			_ = backend.Close()
		}
		backend = sealed
	}
	if err != nil {
		result.Checks = append(result.Checks, ArchiveCheckStep{Name: "Open", Err: err})
		return result, nil
	}
	defer backend.Close()
	result.Checks = append(result.Checks, ArchiveCheckStep{Name: "Open"})
	result.Checks = append(result.Checks, probeArchive(ctx, backend)...)
	return result, nil
}

func probeArchive(ctx context.Context, backend storage.Backend) []ArchiveCheckStep {
	key := path.Join(diagnosticsPrefix, correlation.NewID()+".json")
	payload := []byte(`{"probe":true}`)
	var steps []ArchiveCheckStep
	record := func(name string, err error) bool {
		steps = append(steps, ArchiveCheckStep{Name: name, Err: err})
		return err == nil
	}

	_, err := backend.PutObject(ctx, key, bytes.NewReader(payload), storage.PutObjectOptions{
		ContentType: storage.ContentTypeJSON,
		IfNotExists: true,
	})
	if !record("PutObject", err) {
		return steps
	}
	defer func() {
		_ = backend.DeleteObject(context.WithoutCancel(ctx), key, storage.DeleteObjectOptions{IgnoreNotFound: true})
	}()

	_, err = backend.PutObject(ctx, key, bytes.NewReader(payload), storage.PutObjectOptions{
		ContentType: storage.ContentTypeJSON,
		IfNotExists: true,
	})
	switch {
	case errors.Is(err, storage.ErrCASMismatch):
		err = nil
	case err == nil:
		err = errors.New("conditional put overwrote an existing object")
	}
	record("PutObjectIfNotExists", err)

	record("GetObject", func() error {
		obj, err := backend.GetObject(ctx, key)
		if err != nil {
			return err
		}
		defer obj.Reader.Close()
		got, err := io.ReadAll(obj.Reader)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, payload) {
			return fmt.Errorf("read back %d bytes, want %d", len(got), len(payload))
		}
		return nil
	}())

	record("ListObjects", func() error {
		list, err := backend.ListObjects(ctx, storage.ListOptions{Prefix: diagnosticsPrefix})
		if err != nil {
			return err
		}
		for _, obj := range list.Objects {
			if obj.Key == key {
				return nil
			}
		}
		return fmt.Errorf("probe %s missing from listing", key)
	}())

	if !record("DeleteObject", backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{})) {
		return steps
	}
	_, err = backend.GetObject(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		err = nil
	case err == nil:
		err = errors.New("object still readable after delete")
	}
	record("GetAfterDelete", err)
	return steps
}
