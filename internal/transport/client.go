// Package transport implements the agent's HTTP transport: a classifying
// post_json/get_json pair, gzip body compression, bearer/user-id auth
// headers, and a connectivity probe. A single mutex serializes every
// outbound request so the uploader, heartbeat loop, and event reporter never
// interleave writes on the shared connection pool.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/lw-agent/logwatch/internal/config"
	"github.com/lw-agent/logwatch/internal/observability"
)

// Class is the classification a response or transport error is sorted into.
type Class string

const (
	// ClassOK means the request succeeded (HTTP 2xx).
	ClassOK Class = "ok"
	// ClassRetryable means the request failed in a way that is worth
	// retrying later: any non-2xx, non-409 status, a connection error, or
	// a timeout.
	ClassRetryable Class = "retryable"
	// ClassTaskDeleted is the authoritative signal (HTTP 409) that the
	// server has purged this task; local queue rows should be archived.
	ClassTaskDeleted Class = "task_deleted"
)

// Client sends requests to the log-monitoring server. It holds one
// persistent connection pool shared by every caller, guarded by a mutex so
// one in-flight request never interleaves headers with another.
type Client struct {
	httpClient *http.Client
	cfg        *config.Config
	metrics    *observability.Metrics
	mu         sync.Mutex
}

// NewClient creates a transport Client with the agent's tuned connection
// pool settings. If logger is non-nil, every request is logged at debug
// level via WithLogging.
func NewClient(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) *Client {
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	var rt http.RoundTripper = base
	if logger != nil {
		rt = WithLogging(logger, base)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: rt,
		},
		cfg:     cfg,
		metrics: metrics,
	}
}

// Result is the outcome of a classified request: its class, the best-effort
// decoded JSON body (nil if absent or undecodable), and the raw HTTP status
// (0 if the request never reached the server).
type Result struct {
	Class      Class
	Body       json.RawMessage
	StatusCode int
}

// PostJSON POSTs body as JSON to path, gzip-compressing it when its
// marshaled size is >= gzipThreshold bytes.
func (c *Client) PostJSON(ctx context.Context, path string, body any, gzipThreshold int) (Result, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("transport: marshal request: %w", err)
	}

	payload := raw
	gzipped := false
	if len(raw) >= gzipThreshold {
		compressed, err := c.gzipCompress(raw)
		if err != nil {
			return Result{}, fmt.Errorf("transport: gzip compress: %w", err)
		}
		payload = compressed
		gzipped = true
	}

	if c.metrics != nil {
		c.metrics.BatchSizeBytes.Observe(float64(len(raw)))
		if gzipped && len(raw) > 0 {
			c.metrics.CompressionRatio.Set(float64(len(payload)) / float64(len(raw)))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Server+path, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	c.applyAuthHeaders(req)

	return c.do(req, path)
}

// GetJSON issues a GET to path with the given query parameters.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values) (Result, error) {
	u := c.cfg.Server + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, fmt.Errorf("transport: build request: %w", err)
	}
	c.applyAuthHeaders(req)

	return c.do(req, path)
}

// CheckConnectivity probes the server's health endpoint without auth
// headers. It reports only reachability, not authentication.
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Server+"/api/health", nil)
	if err != nil {
		return false
	}

	c.mu.Lock()
	resp, err := c.httpClient.Do(req)
	c.mu.Unlock()
	if err != nil {
		return false
	}
	defer drainAndClose(resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) do(req *http.Request, endpoint string) (Result, error) {
	start := time.Now()

	c.mu.Lock()
	resp, err := c.httpClient.Do(req)
	c.mu.Unlock()

	elapsed := time.Since(start)
	if c.metrics != nil {
		c.metrics.TransportRequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
	}

	if err != nil {
		if c.metrics != nil {
			c.metrics.TransportRetries.Inc()
		}
		return Result{Class: ClassRetryable}, nil
	}
	defer drainAndClose(resp.Body)

	raw, _ := io.ReadAll(resp.Body)

	class := classifyStatus(resp.StatusCode)
	var decoded json.RawMessage
	if class == ClassOK && len(raw) > 0 && json.Valid(raw) {
		decoded = raw
	}
	if class == ClassRetryable && c.metrics != nil {
		c.metrics.TransportRetries.Inc()
	}

	return Result{Class: class, Body: decoded, StatusCode: resp.StatusCode}, nil
}

// applyAuthHeaders sets Authorization and X-User-Id independently: each is
// present only if its corresponding credential is non-empty.
func (c *Client) applyAuthHeaders(req *http.Request) {
	if c.cfg.UserToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.UserToken)
	}
	if c.cfg.UserID != "" {
		req.Header.Set("X-User-Id", c.cfg.UserID)
	}
}

func (c *Client) gzipCompress(raw []byte) ([]byte, error) {
	start := time.Now()
	var buf bytes.Buffer
	cw := NewCountingWriter(&buf)
	level := config.NormalizedCompressionLevel(c.cfg.CompressionLevel)
	zw, err := gzip.NewWriterLevel(cw, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.CompressionDuration.Observe(time.Since(start).Seconds())
	}
	return buf.Bytes(), nil
}

// classifyStatus applies the transport's classification rule: 2xx is ok,
// 409 is task_deleted (the server has purged this task), anything else is
// retryable.
func classifyStatus(statusCode int) Class {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ClassOK
	case statusCode == http.StatusConflict:
		return ClassTaskDeleted
	default:
		return ClassRetryable
	}
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}
