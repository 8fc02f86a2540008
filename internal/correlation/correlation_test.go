package correlation

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  xyz  "); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	if Has(ctx) {
		t.Fatalf("expected empty context to have no correlation id")
	}
	ctx = Set(ctx, "")
	if Has(ctx) {
		t.Fatalf("expected invalid set to be ignored")
	}
	ctx = Set(ctx, "foo")
	if got := ID(ctx); got != "foo" {
		t.Fatalf("expected foo, got %q", got)
	}
}

func TestSetXidVisibleToDerivedContexts(t *testing.T) {
	parent := Set(context.Background(), "req-1")
	child, cancel := context.WithCancel(parent)
	defer cancel()
	SetXid(parent, "10.0.0.1:8091:7")
	if got := Xid(child); got != "10.0.0.1:8091:7" {
		t.Fatalf("expected derived context to see xid, got %q", got)
	}
	fields := Fields(child)
	if len(fields) != 4 || fields[0] != "cid" || fields[1] != "req-1" || fields[2] != "xid" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if Fields(context.Background()) != nil {
		t.Fatal("expected no fields without state")
	}
}

func TestNewIDIsVersion7(t *testing.T) {
	raw := NewID()
	id, err := uuid.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	if id.Version() != 7 {
		t.Fatalf("expected version 7, got %d", id.Version())
	}
	if _, ok := Normalize(Generate()); !ok {
		t.Fatal("generated id should be a valid correlation id")
	}
}
