package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rseata/api"
	"pkt.systems/rseata/internal/loggingutil"
)

const headerCorrelationID = "X-Correlation-Id"

// DefaultHTTPTimeout bounds unary requests. Instruction streams are not
// bounded.
const DefaultHTTPTimeout = 30 * time.Second

// DefaultPort is used when the endpoint omits one.
const DefaultPort = "8091"

// Client talks to one coordinator endpoint.
type Client struct {
	endpoint    string
	httpClient  *http.Client
	httpTimeout time.Duration
	logger      pslog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = loggingutil.WithSubsystem(logger, "client.sdk")
	}
}

// WithHTTPTimeout overrides the per request timeout of unary calls. Zero
// disables it.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpTimeout = d
	}
}

// New constructs a Client for baseURL. A bare host:port is treated as http.
func New(baseURL string, opts ...Option) (*Client, error) {
	endpoint, err := normalizeEndpoint(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		endpoint:    endpoint,
		httpClient:  &http.Client{},
		httpTimeout: DefaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the normalized coordinator URL.
func (c *Client) Endpoint() string { return c.endpoint }

func normalizeEndpoint(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("baseURL required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q: host required", raw)
	}
	if u.Port() == "" {
		u.Host = u.Host + ":" + DefaultPort
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Begin starts a global transaction.
func (c *Client) Begin(ctx context.Context, req api.BeginRequest) (*api.BeginResponse, error) {
	var resp api.BeginResponse
	if err := c.postJSON(ctx, "/v1/tm/begin", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Commit asks the coordinator to commit xid and returns the outcome.
func (c *Client) Commit(ctx context.Context, xid string) (*api.GlobalStatusResponse, error) {
	var resp api.GlobalStatusResponse
	if err := c.postJSON(ctx, "/v1/tm/commit", api.GlobalRequest{Xid: xid}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Rollback asks the coordinator to roll back xid and returns the outcome.
func (c *Client) Rollback(ctx context.Context, xid string) (*api.GlobalStatusResponse, error) {
	var resp api.GlobalStatusResponse
	if err := c.postJSON(ctx, "/v1/tm/rollback", api.GlobalRequest{Xid: xid}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status reads the current or archived status of xid.
func (c *Client) Status(ctx context.Context, xid string) (*api.GlobalStatusResponse, error) {
	var resp api.GlobalStatusResponse
	if err := c.getJSON(ctx, "/v1/tm/status", url.Values{"xid": {xid}}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Report records an externally decided outcome for xid.
func (c *Client) Report(ctx context.Context, xid string, status int32) (*api.GlobalStatusResponse, error) {
	var resp api.GlobalStatusResponse
	if err := c.postJSON(ctx, "/v1/tm/report", api.GlobalReportRequest{Xid: xid, GlobalStatus: status}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BranchRegister enlists a branch and returns its id.
func (c *Client) BranchRegister(ctx context.Context, req api.BranchRegisterRequest) (uint64, error) {
	var resp api.BranchRegisterResponse
	if err := c.postJSON(ctx, "/v1/rm/branch/register", req, &resp); err != nil {
		return 0, err
	}
	return resp.BranchID, nil
}

// BranchReport reports a branch status.
func (c *Client) BranchReport(ctx context.Context, req api.BranchReportRequest) error {
	return c.postJSON(ctx, "/v1/rm/branch/report", req, &api.BranchReportResponse{})
}

// LockQuery reports whether the rows in req are lockable by req.Xid.
func (c *Client) LockQuery(ctx context.Context, req api.LockQueryRequest) (bool, error) {
	var resp api.LockQueryResponse
	if err := c.postJSON(ctx, "/v1/rm/lock/query", req, &resp); err != nil {
		return false, err
	}
	return resp.Lockable, nil
}

// Resources lists the resource managers connected to the coordinator.
func (c *Client) Resources(ctx context.Context) ([]api.ResourceInfo, error) {
	var resp api.ResourceListResponse
	if err := c.getJSON(ctx, "/v1/rm/resource/list", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Resources, nil
}

// Audit returns up to limit of the most recent coordinator events. Zero
// returns the whole ring.
func (c *Client) Audit(ctx context.Context, limit int) (*api.AuditResponse, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var resp api.AuditResponse
	if err := c.getJSON(ctx, "/v1/audit", query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// APIError describes an error response from the coordinator.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint from headers, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("rseata: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("rseata: status %d", e.Status)
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

// ErrorCode returns the coordinator error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Response.ErrorCode
	}
	return ""
}

// IsNotFound reports a not_found response.
func IsNotFound(err error) bool { return ErrorCode(err) == "not_found" }

// IsConflict reports a lock conflict, including a holder that is rolling
// back.
func IsConflict(err error) bool {
	code := ErrorCode(err)
	return code == "conflict" || code == "lock_rollbacking"
}

func (c *Client) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if c.httpTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, c.httpTimeout)
}

func (c *Client) applyCorrelationHeader(ctx context.Context, req *http.Request) {
	if id := CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set(headerCorrelationID, id)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	c.logTraceCtx(ctx, "client.http.post.start", "path", path)
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return err
	}
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyCorrelationHeader(ctx, req)
	return c.do(ctx, req, path, out)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	c.logTraceCtx(ctx, "client.http.get.start", "path", path)
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	target := c.endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	c.applyCorrelationHeader(ctx, req)
	return c.do(ctx, req, path, out)
}

func (c *Client) do(ctx context.Context, req *http.Request, path string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logErrorCtx(ctx, "client.http.transport_error", "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.logWarnCtx(ctx, "client.http.error", "path", path, "status", resp.StatusCode)
		return c.decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	c.logTraceCtx(ctx, "client.http.success", "path", path, "status", resp.StatusCode)
	return nil
}

func (c *Client) decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			// leave errResp empty, but keep body for diagnostics
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
	if retryAfter == 0 && errResp.RetryAfterSeconds > 0 {
		retryAfter = time.Duration(errResp.RetryAfterSeconds) * time.Second
	}
	return &APIError{
		Status:     resp.StatusCode,
		Response:   errResp,
		Body:       data,
		RetryAfter: retryAfter,
	}
}

func parseRetryAfterHeader(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func (c *Client) enrichKeyvals(ctx context.Context, keyvals []any) []any {
	cid := CorrelationIDFromContext(ctx)
	if cid == "" {
		return keyvals
	}
	return append(append([]any(nil), keyvals...), "cid", cid)
}

func (c *Client) logTraceCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Trace(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Debug(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logWarnCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Warn(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logErrorCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Error(msg, c.enrichKeyvals(ctx, keyvals)...)
}
