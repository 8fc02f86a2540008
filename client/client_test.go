package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/rseata/api"
)

func TestNormalizeEndpoint(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1":                  "http://127.0.0.1:8091",
		"localhost:9000":             "http://localhost:9000",
		"https://tc.example.com/":    "https://tc.example.com:8091",
		"http://tc:8091/base/?x=1#f": "http://tc:8091/base",
	}
	for in, want := range cases {
		got, err := normalizeEndpoint(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Fatalf("%s: got %q want %q", in, got, want)
		}
	}
	for _, bad := range []string{"", "  ", "ftp://tc", "http://"} {
		if _, err := normalizeEndpoint(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestBeginAndCommit(t *testing.T) {
	var gotCorrelation string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tm/begin", func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get(headerCorrelationID)
		var req api.BeginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TransactionName != "checkout" {
			t.Errorf("unexpected begin body %+v %v", req, err)
		}
		_ = json.NewEncoder(w).Encode(api.BeginResponse{Xid: "x-1", TransactionID: 7})
	})
	mux.HandleFunc("/v1/tm/commit", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.GlobalStatusResponse{Xid: "x-1", GlobalStatus: 9, StatusName: "Committed"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := WithCorrelationID(context.Background(), "corr-1")
	begin, err := cli.Begin(ctx, api.BeginRequest{TransactionName: "checkout"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if begin.Xid != "x-1" || begin.TransactionID != 7 {
		t.Fatalf("unexpected begin %+v", begin)
	}
	if gotCorrelation != "corr-1" {
		t.Fatalf("correlation header not sent: %q", gotCorrelation)
	}
	status, err := cli.Commit(ctx, begin.Xid)
	if err != nil || status.GlobalStatus != 9 {
		t.Fatalf("commit: %+v %v", status, err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: "lock_rollbacking", Detail: "row t:1", RetryAfterSeconds: 1})
	}))
	defer srv.Close()
	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = cli.BranchRegister(context.Background(), api.BranchRegisterRequest{Xid: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T %v", err, err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.RetryAfterDuration() != time.Second {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if !IsConflict(err) || IsNotFound(err) {
		t.Fatalf("classification failed for %v", err)
	}
	if apiErr.Error() != "rseata: lock_rollbacking (row t:1)" {
		t.Fatalf("unexpected message %q", apiErr.Error())
	}
}

func TestNonJSONErrorKeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer srv.Close()
	cli, _ := New(srv.URL)
	_, err := cli.Status(context.Background(), "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway || len(apiErr.Body) == 0 {
		t.Fatalf("unexpected error %v", err)
	}
	if ErrorCode(err) != "" {
		t.Fatalf("expected empty code")
	}
}

func TestInstructionStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ann api.ResourceAnnouncement
		if err := json.NewDecoder(r.Body).Decode(&ann); err != nil || ann.ResourceID != "db" {
			t.Errorf("unexpected announcement %+v %v", ann, err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		_ = enc.Encode(api.Instruction{Type: api.InstructionPing, ConnectionID: "conn-1"})
		_, _ = w.Write([]byte("\n"))
		_ = enc.Encode(api.Instruction{Type: api.InstructionRollback, Xid: "x-1", BranchID: 3, ResourceID: "db"})
	}))
	defer srv.Close()
	cli, _ := New(srv.URL)
	stream, err := cli.OpenInstructionStream(context.Background(), api.ResourceAnnouncement{ResourceID: "db", ClientID: "c"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()
	if stream.ConnectionID() != "conn-1" {
		t.Fatalf("unexpected connection id %q", stream.ConnectionID())
	}
	ins, err := stream.Next()
	if err != nil || ins.Type != api.InstructionRollback || ins.BranchID != 3 {
		t.Fatalf("unexpected instruction %+v %v", ins, err)
	}
	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestInstructionStreamRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: "shutdown_draining"})
	}))
	defer srv.Close()
	cli, _ := New(srv.URL)
	if _, err := cli.OpenInstructionStream(context.Background(), api.ResourceAnnouncement{ResourceID: "db"}); ErrorCode(err) != "shutdown_draining" {
		t.Fatalf("expected shutdown_draining, got %v", err)
	}
}
