// Package crypto seals archive objects with a kryptograf envelope so terminal
// sessions rest encrypted in whichever backend holds them.
package crypto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"

	"pkt.systems/rseata/internal/storage"
)

const (
	descriptorName    = "rseata/archive"
	descriptorContext = "rseata/archive"
)

// Keys is the root key plus archive DEK material loaded from a key bundle.
type Keys struct {
	Root     keymgmt.RootKey
	Material kryptograf.Material
}

// LoadKeyFile reads the PEM key bundle at path, minting the root key and the
// archive descriptor on first use. New material is written back with mode
// 0600 so restarts decrypt what earlier runs archived.
func LoadKeyFile(path string) (Keys, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Keys{}, fmt.Errorf("archive crypto: read key file: %w", err)
	}
	keys, out, err := ensureKeys(existing)
	if err != nil {
		return Keys{}, err
	}
	if !bytes.Equal(out, existing) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return Keys{}, fmt.Errorf("archive crypto: key dir: %w", err)
		}
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return Keys{}, fmt.Errorf("archive crypto: write key file: %w", err)
		}
	}
	return keys, nil
}

func ensureKeys(existing []byte) (Keys, []byte, error) {
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return Keys{}, nil, fmt.Errorf("archive crypto: load key bundle: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return Keys{}, nil, fmt.Errorf("archive crypto: ensure root key: %w", err)
	}
	mat, err := store.EnsureDescriptor(descriptorName, root, []byte(descriptorContext))
	if err != nil {
		return Keys{}, nil, fmt.Errorf("archive crypto: ensure descriptor: %w", err)
	}
	if err := store.Commit(); err != nil {
		return Keys{}, nil, fmt.Errorf("archive crypto: commit key bundle: %w", err)
	}
	if len(out) == 0 {
		out = existing
	}
	if len(out) == 0 {
		if out, err = store.Bytes(); err != nil {
			return Keys{}, nil, fmt.Errorf("archive crypto: serialize key bundle: %w", err)
		}
	}
	return Keys{Root: root, Material: mat}, out, nil
}

type backend struct {
	inner storage.Backend
	kg    kryptograf.Kryptograf
	mat   kryptograf.Material
}

// Wrap encrypts every object body written through inner and decrypts it on
// read. Keys and listings pass through untouched.
func Wrap(inner storage.Backend, keys Keys) storage.Backend {
	return &backend{
		inner: inner,
		kg:    kryptograf.New(keys.Root).WithSnappy(),
		mat:   keys.Material,
	}
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	var buf bytes.Buffer
	w, err := b.kg.EncryptWriter(&buf, b.mat)
	if err != nil {
		return nil, fmt.Errorf("archive crypto: encrypt %s: %w", key, err)
	}
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("archive crypto: encrypt %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("archive crypto: encrypt %s close: %w", key, err)
	}
	opts.ContentType = storage.ContentTypeOctetStream
	return b.inner.PutObject(ctx, key, &buf, opts)
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	res, err := b.inner.GetObject(ctx, key)
	if err != nil {
		return res, err
	}
	r, err := b.kg.DecryptReader(res.Reader, b.mat)
	if err != nil {
		_ = res.Reader.Close()
		return storage.GetObjectResult{}, fmt.Errorf("archive crypto: decrypt %s: %w", key, err)
	}
	return storage.GetObjectResult{Reader: &sealedReader{plain: r, raw: res.Reader}, Info: res.Info}, nil
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	return b.inner.DeleteObject(ctx, key, opts)
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	return b.inner.ListObjects(ctx, opts)
}

func (b *backend) Close() error {
	b.mat.Zero()
	return b.inner.Close()
}

type sealedReader struct {
	plain io.ReadCloser
	raw   io.ReadCloser
}

func (r *sealedReader) Read(p []byte) (int, error) { return r.plain.Read(p) }

func (r *sealedReader) Close() error {
	return errors.Join(r.plain.Close(), r.raw.Close())
}
