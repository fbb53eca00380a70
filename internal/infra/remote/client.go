// Package remote talks to the backend REST and function endpoints.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/vietddude/lifeline/internal/core/failure"
)

var tracer = otel.Tracer("lifeline.remote")

// Config holds remote API settings.
type Config struct {
	BaseURL     string        `yaml:"base_url"     validate:"omitempty,url"`
	APIKey      string        `yaml:"api_key"`
	AccessToken string        `yaml:"access_token"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"  validate:"gte=0,lte=10"`
	RateLimit   float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst       int           `yaml:"burst"`
	HealthPath  string        `yaml:"health_path"`
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus exposes the status to the failure classifier.
func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

// UserMessage returns the backend message, if any.
func (e *HTTPError) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.StatusCode)
}

// ErrNotConfigured is returned when no base URL is set.
var ErrNotConfigured = errors.New("remote api not configured")

// HTTPClient is a JSON client for the backend.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	token      string
	healthPath string
	maxRetries int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewHTTPClient creates a new client. A zero config yields an unconfigured client.
func NewHTTPClient(cfg Config, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "/auth/v1/health"
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		token:      cfg.AccessToken,
		healthPath: healthPath,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.With("component", "remote"),
	}
}

// Configured reports whether a backend is set.
func (c *HTTPClient) Configured() bool {
	return c.baseURL != ""
}

// SetAccessToken replaces the bearer token used for user-scoped calls.
func (c *HTTPClient) SetAccessToken(token string) {
	c.token = token
}

// Insert creates a row. idempotencyKey lets the backend ignore a replayed insert.
func (c *HTTPClient) Insert(ctx context.Context, table string, row map[string]any, idempotencyKey string) error {
	path := "/rest/v1/" + table
	headers := map[string]string{"Prefer": "return=minimal"}
	if idempotencyKey != "" {
		path += "?on_conflict=idempotency_key"
		headers["Prefer"] = "return=minimal,resolution=ignore-duplicates"
		headers["Idempotency-Key"] = idempotencyKey
	}
	return c.doJSON(ctx, http.MethodPost, path, headers, row, nil)
}

// Update patches the rows matching match and returns how many changed.
func (c *HTTPClient) Update(ctx context.Context, table string, match map[string]string, fields map[string]any) (int, error) {
	var rows []json.RawMessage
	headers := map[string]string{"Prefer": "return=representation"}
	if err := c.doJSON(ctx, http.MethodPatch, "/rest/v1/"+table+filterQuery(match), headers, fields, &rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Delete removes the rows matching match and returns how many were removed.
func (c *HTTPClient) Delete(ctx context.Context, table string, match map[string]string) (int, error) {
	var rows []json.RawMessage
	headers := map[string]string{"Prefer": "return=representation"}
	if err := c.doJSON(ctx, http.MethodDelete, "/rest/v1/"+table+filterQuery(match), headers, nil, &rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Invoke calls a named remote function with a JSON body.
func (c *HTTPClient) Invoke(ctx context.Context, function string, body any, out any) error {
	return c.doJSON(ctx, http.MethodPost, "/functions/v1/"+function, nil, body, out)
}

// Probe checks backend reachability with a single GET on the health path.
func (c *HTTPClient) Probe(ctx context.Context) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	ctx, span := tracer.Start(ctx, "remote.Probe")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &failure.NetworkError{Op: "GET " + c.healthPath, Err: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := &HTTPError{StatusCode: resp.StatusCode, Message: "health check failed"}
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func filterQuery(match map[string]string) string {
	if len(match) == 0 {
		return ""
	}
	q := url.Values{}
	for k, v := range match {
		q.Set(k, "eq."+v)
	}
	return "?" + q.Encode()
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	ctx, span := tracer.Start(ctx, "remote."+method)
	defer span.End()
	span.SetAttributes(attribute.String("http.path", requestPath))

	err := c.do(ctx, method, requestPath, headers, body, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *HTTPClient) do(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return failure.Invalid("body", err.Error())
		}
	}
	correlation := uuid.NewString()

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.apiKey != "" {
			req.Header.Set("apikey", c.apiKey)
		}
		token := c.token
		if token == "" {
			token = c.apiKey
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", correlation)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				c.logger.Debug("Retrying request after transport error", "path", requestPath, "attempt", attempt+1, "error", err)
				if waitErr := waitWithContext(ctx, retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &failure.NetworkError{Op: method + " " + requestPath, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &failure.NetworkError{Op: method + " " + requestPath, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		msg := errPayload.Message
		if msg == "" {
			msg = errPayload.Error
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    msg,
		}
	}
}

const (
	baseRetryDelay = 100 * time.Millisecond
	maxRetryDelay  = 2 * time.Second
)

func retryDelay(attempt int, retryAfter string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs >= 0 {
		return min(time.Duration(secs)*time.Second, maxRetryDelay)
	}
	delay := baseRetryDelay << (attempt - 1)
	delay = min(delay, maxRetryDelay)
	jitter := time.Duration(rand.Int64N(int64(delay)/4 + 1))
	return delay + jitter
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
