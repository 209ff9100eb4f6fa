package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// StatusError is returned when a backend answers with a non-2xx status
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// HasStatus reports whether err is a StatusError with one of the given codes
func HasStatus(err error, codes ...int) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	for _, code := range codes {
		if se.StatusCode == code {
			return true
		}
	}
	return false
}

// Options configures a Client
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Meter      metric.Meter
}

// Client is the shared HTTP transport for the identity, history and registry APIs.
// All three sit behind the same gateway base URL and share the bearer token.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	latency    metric.Float64Histogram

	mu    sync.RWMutex
	token string
}

// NewClient creates a new backend client
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("backend")
	}
	meter := opts.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("backend")
	}

	latency, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("Backend request latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With("component", "backend"),
		tracer:     tracer,
		latency:    latency,
	}, nil
}

// SetToken sets the bearer token sent with every authenticated request
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// request describes one JSON call
type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any

	// basicAuth replaces the bearer token when set (registration)
	basicAuth *[2]string
}

// do sends req and decodes a JSON response body into out when out is non-nil
func (c *Client) do(ctx context.Context, req request, out any) error {
	ctx, span := c.tracer.Start(ctx, req.op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", req.op, err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", req.op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.basicAuth != nil {
		httpReq.SetBasicAuth(req.basicAuth[0], req.basicAuth[1])
	} else if token := c.Token(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		elapsed := float64(time.Since(start).Milliseconds())
		c.latency.Record(ctx, elapsed, metric.WithAttributes(
			attribute.String("op", req.op),
			attribute.String("error", "transport"),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("request failed", "op", req.op, "duration_ms", elapsed, "error", err)
		return fmt.Errorf("%s: failed to send request: %w", req.op, err)
	}
	defer resp.Body.Close()

	elapsed := float64(time.Since(start).Milliseconds())
	c.latency.Record(ctx, elapsed, metric.WithAttributes(
		attribute.String("op", req.op),
		attribute.Int("status", resp.StatusCode),
	))
	span.SetAttributes(
		attribute.String("http.method", req.method),
		attribute.String("http.path", req.path),
		attribute.Int("http.status_code", resp.StatusCode),
	)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", req.op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Op: req.op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		span.SetStatus(codes.Error, statusErr.Error())
		c.logger.Warn("backend error", "op", req.op, "status", resp.StatusCode, "duration_ms", elapsed)
		return statusErr
	}

	c.logger.Debug("request completed", "op", req.op, "status", resp.StatusCode, "duration_ms", elapsed)

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: failed to unmarshal response: %w", req.op, err)
	}
	return nil
}
