package rpctx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/rbaliyan/rpctx/pool"
)

// Span attribute keys for RPC call traces.
const (
	spanKeyRPCService = "rpc.service"
	spanKeyRPCMethod  = "rpc.method"
	spanKeyRPCModel   = "rpc.model"
	spanKeyRPCSite    = "rpc.endpoint"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 30 * time.Second

// Client talks JSON-RPC 2.0 to a business-application server.
//
// The zero value is not usable; create clients with New. A Client is safe
// for concurrent use.
type Client struct {
	endpoint string
	db       string
	username string
	password string

	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	tracing    bool
	timeout    time.Duration

	reqID atomic.Int64

	mu  sync.Mutex
	uid int64
}

// ClientOption configures a Client. Options with invalid values are
// ignored.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for requests. Nil is ignored.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger. Nil loggers are ignored.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRateLimit enables client-side token-bucket rate limiting: at most
// rps requests per second with the given burst. Non-positive values are
// ignored.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithTracing enables OpenTelemetry spans around every RPC call.
func WithTracing(enabled bool) ClientOption {
	return func(c *Client) {
		c.tracing = enabled
	}
}

// WithTimeout sets the per-request timeout. Non-positive values are
// ignored.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a client for the server at endpoint, authenticating against
// db with the given credentials. No network traffic happens until the
// first call.
func New(endpoint, db, username, password string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		db:         db,
		username:   username,
		password:   password,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With("component", "client", "endpoint", c.endpoint)
	return c
}

// Factory returns a pool.Factory that creates one authenticated client
// per pooled connection.
func Factory(endpoint, db, username, password string, opts ...ClientOption) pool.Factory {
	return func(ctx context.Context) (pool.Conn, error) {
		c := New(endpoint, db, username, password, opts...)
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// rpcRequest is the JSON-RPC 2.0 envelope the server expects.
type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *ServerError    `json:"error"`
}

// call sends one JSON-RPC request and decodes the result into out, which
// may be nil when the caller ignores the result.
func (c *Client) call(ctx context.Context, service, method string, args []any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if c.tracing {
		var span trace.Span
		ctx, span = otel.Tracer("rpctx").Start(ctx, fmt.Sprintf("rpc.%s.%s", service, method),
			trace.WithAttributes(
				attribute.String(spanKeyRPCService, service),
				attribute.String(spanKeyRPCMethod, method),
				attribute.String(spanKeyRPCSite, c.endpoint),
			))
		defer span.End()

		err := c.doCall(ctx, service, method, args, out)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}

	return c.doCall(ctx, service, method, args, out)
}

func (c *Client) doCall(ctx context.Context, service, method string, args []any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.reqID.Add(1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc %s.%s: %w", service, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("rpc %s.%s: unexpected status %d", service, method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	c.logger.DebugContext(ctx, "rpc call",
		"service", service,
		"method", method,
		"duration", time.Since(start))

	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if rpcResp.Result == nil {
		return ErrEmptyResponse
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// Authenticate logs in and stores the session uid for subsequent calls.
// The server answers false for bad credentials, surfaced as
// ErrAuthFailed.
func (c *Client) Authenticate(ctx context.Context) error {
	var result any
	err := c.call(ctx, "common", "authenticate",
		[]any{c.db, c.username, c.password, map[string]any{}}, &result)
	if err != nil {
		return err
	}

	uid, ok := asInt64(result)
	if !ok || uid <= 0 {
		return ErrAuthFailed
	}

	c.mu.Lock()
	c.uid = uid
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "authenticated", "database", c.db, "uid", uid)
	return nil
}

// session returns the uid, authenticating first if needed.
func (c *Client) session(ctx context.Context) (int64, error) {
	c.mu.Lock()
	uid := c.uid
	c.mu.Unlock()
	if uid != 0 {
		return uid, nil
	}

	if err := c.Authenticate(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid, nil
}

// Version probes the server without authenticating.
func (c *Client) Version(ctx context.Context) (map[string]any, error) {
	var version map[string]any
	if err := c.call(ctx, "common", "version", []any{}, &version); err != nil {
		return nil, err
	}
	return version, nil
}

// Ping verifies the server is reachable. It satisfies pool.Conn so
// pooled clients can be health checked.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Version(ctx)
	return err
}

// Close releases idle HTTP connections. The client remains usable; the
// method exists to satisfy pool.Conn.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
