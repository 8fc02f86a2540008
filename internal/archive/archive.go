// Package archive keeps terminal global sessions after they leave the live
// store, one JSON object per xid.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rseata/internal/clock"
	"pkt.systems/rseata/internal/core"
	"pkt.systems/rseata/internal/loggingutil"
	"pkt.systems/rseata/internal/storage"
	"pkt.systems/rseata/internal/txn"
)

const (
	keyPrefix = "sessions/"
	keySuffix = ".json"
)

// Record is the stored form of an archived session.
type Record struct {
	Session    *txn.GlobalSession `json:"session"`
	ArchivedAt time.Time          `json:"archived_at"`
}

// Archive reads and writes records through a storage backend.
type Archive struct {
	backend storage.Backend
	logger  pslog.Logger
	clock   clock.Clock
}

// New wraps backend.
func New(backend storage.Backend, logger pslog.Logger, clk clock.Clock) *Archive {
	return &Archive{
		backend: backend,
		logger:  loggingutil.WithSubsystem(logger, "tc.archive"),
		clock:   clock.Ensure(clk),
	}
}

// Key returns the object key for xid.
func Key(xid string) string { return keyPrefix + xid + keySuffix }

func validXid(xid string) error {
	if xid == "" || xid == "." || xid == ".." {
		return core.InvalidArgument("invalid xid %q", xid)
	}
	for _, r := range xid {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return core.InvalidArgument("invalid xid %q", xid)
		}
	}
	return nil
}

// Put stores g, replacing an earlier record for the same xid.
func (a *Archive) Put(ctx context.Context, g *txn.GlobalSession) error {
	if g == nil {
		return core.InvalidArgument("archive: nil session")
	}
	if err := validXid(g.Xid); err != nil {
		return err
	}
	payload, err := json.Marshal(Record{Session: g, ArchivedAt: a.clock.Now()})
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", g.Xid, err)
	}
	if _, err := a.backend.PutObject(ctx, Key(g.Xid), bytes.NewReader(payload), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON}); err != nil {
		return core.Backend(fmt.Errorf("archive %s: %w", g.Xid, err))
	}
	a.logger.Debug("archive.put", "xid", g.Xid, "status", g.Status.String(), "branches", len(g.BranchSessions))
	return nil
}

// Get returns the archived session for xid or a not_found failure.
func (a *Archive) Get(ctx context.Context, xid string) (*Record, error) {
	if err := validXid(xid); err != nil {
		return nil, err
	}
	res, err := a.backend.GetObject(ctx, Key(xid))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, core.NotFound("global session %s not found", xid)
		}
		return nil, core.Backend(fmt.Errorf("archive %s: %w", xid, err))
	}
	defer res.Reader.Close()
	payload, err := io.ReadAll(res.Reader)
	if err != nil {
		return nil, core.Backend(fmt.Errorf("archive %s: %w", xid, err))
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("archive: decode %s: %w", xid, err)
	}
	if rec.Session == nil {
		return nil, fmt.Errorf("archive: record %s has no session", xid)
	}
	return &rec, nil
}

// Delete removes the record for xid. Missing records are ignored.
func (a *Archive) Delete(ctx context.Context, xid string) error {
	if err := validXid(xid); err != nil {
		return err
	}
	if err := a.backend.DeleteObject(ctx, Key(xid), storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		return core.Backend(fmt.Errorf("archive %s: %w", xid, err))
	}
	return nil
}

// Page is one listing page of archived xids.
type Page struct {
	Xids      []string
	NextAfter string
	Truncated bool
}

// List returns archived xids in key order after startAfter.
func (a *Archive) List(ctx context.Context, startAfter string, limit int) (Page, error) {
	opts := storage.ListOptions{Prefix: keyPrefix, Limit: limit}
	if startAfter != "" {
		opts.StartAfter = Key(startAfter)
	}
	res, err := a.backend.ListObjects(ctx, opts)
	if err != nil {
		return Page{}, core.Backend(fmt.Errorf("archive list: %w", err))
	}
	page := Page{Truncated: res.Truncated}
	for _, obj := range res.Objects {
		name := strings.TrimPrefix(obj.Key, keyPrefix)
		if !strings.HasSuffix(name, keySuffix) {
			continue
		}
		page.Xids = append(page.Xids, strings.TrimSuffix(name, keySuffix))
	}
	if page.Truncated && len(page.Xids) > 0 {
		page.NextAfter = page.Xids[len(page.Xids)-1]
	}
	return page, nil
}

// Close closes the backend.
func (a *Archive) Close() error {
	return a.backend.Close()
}
