// Package upstream is a JSON-over-HTTP client for third-party providers.
// Every call goes through the provider's circuit breaker and is retried on
// transient failures.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"goflare.io/scribe/internal/breaker"
	"goflare.io/scribe/internal/retrier"
)

const (
	defaultTimeout   = 15 * time.Second
	maxErrorBodySize = 4 << 10
	maxBodySize      = 4 << 20
)

// ErrMissingBaseURL is returned by New without a base URL.
var ErrMissingBaseURL = errors.New("upstream base url is required")

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded with status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying may help.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// RetryOptions configures the retry policy inside the breaker.
type RetryOptions struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Factor      float64       `yaml:"factor"`
	Jitter      float64       `yaml:"jitter"`
}

// DefaultRetryOptions returns three attempts with exponential backoff.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Factor:      2,
		Jitter:      0.2,
	}
}

// Options configures a Client.
type Options struct {
	Name    string
	BaseURL string
	APIKey  string

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	Breaker breaker.Settings
	Retry   RetryOptions

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls one provider.
type Client struct {
	name    string
	baseURL string
	apiKey  string

	http    *http.Client
	breaker *breaker.Breaker
	retrier *retrier.Retrier
	logger  *zap.Logger
}

// New creates a new Client instance.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryOptions()
	}
	if opts.Breaker.Name == "" {
		opts.Breaker.Name = opts.Name
	}

	logger := opts.Logger.With(zap.String("provider", opts.Name))

	b, err := breaker.New(opts.Breaker, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create breaker for %s: %w", opts.Name, err)
	}

	r, err := retrier.NewRetrier(
		opts.Retry.MaxAttempts,
		opts.Retry.BaseDelay,
		opts.Retry.MaxDelay,
		opts.Retry.Factor,
		opts.Retry.Jitter,
		retrier.ExponentialBackoff,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrier for %s: %w", opts.Name, err)
	}

	return &Client{
		name:    opts.Name,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    opts.HTTPClient,
		breaker: b,
		retrier: r,
		logger:  logger,
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string { return c.name }

// Breaker returns the provider's breaker.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// Do sends body as JSON to path and decodes the response into out. A nil
// body sends no payload, a nil out discards the response. An open breaker
// yields breaker.ErrCircuitOpen without a request.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	raw, err := breaker.Do(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
		var resp []byte
		err := c.retrier.Run(ctx, func(ctx context.Context) error {
			var err error
			resp, err = c.send(ctx, method, path, payload)
			return err
		})
		return resp, err
	})
	if err != nil {
		c.logger.Debug("Upstream call failed", zap.String("path", path), zap.Error(err))
		return err
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.name, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, retrier.MarkTemporary(fmt.Errorf("%s request failed: %w", c.name, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, retrier.MarkTemporary(fmt.Errorf("failed to read %s response: %w", c.name, err))
	}
	return data, nil
}
