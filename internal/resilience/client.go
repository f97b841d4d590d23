package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrCircuitOpen is returned without calling the remote service while the breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ServerError is a 5xx answer from the remote service
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Options configures a Client
type Options struct {
	Name            string
	Timeout         time.Duration
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Breaker         BreakerOptions
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Body       []byte
}

// Client performs HTTP calls with exponential backoff on network errors and
// 5xx answers. All attempts go through one circuit breaker per client.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*Response]
	opts       Options
	logger     *slog.Logger
}

// NewClient creates a new resilient client
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.InitialInterval == 0 {
		opts.InitialInterval = 100 * time.Millisecond
	}
	if opts.MaxInterval == 0 {
		opts.MaxInterval = 5 * time.Second
	}
	if opts.Breaker.MinRequests == 0 {
		opts.Breaker = DefaultBreakerOptions()
	}

	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		breaker:    newBreaker[*Response](opts.Name, opts.Breaker, logger),
		opts:       opts,
		logger:     logger,
	}
}

// Do sends body (nil for none) as JSON and returns the response once a
// non-5xx status is received. 4xx answers are returned, not retried.
func (c *Client) Do(ctx context.Context, method, url string, body []byte) (*Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialInterval
	bo.MaxInterval = c.opts.MaxInterval
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.opts.MaxRetries), ctx)

	var result *Response
	attempt := 0
	operation := func() error {
		attempt++
		req, err := newRequest(ctx, method, url, body)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.breaker.Execute(func() (*Response, error) {
			return c.roundTrip(req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				c.logger.Warn("Remote call rejected by circuit breaker",
					slog.String("client", c.opts.Name),
					slog.String("url", url),
					slog.String("breaker_state", c.BreakerState().String()),
				)
				return backoff.Permanent(fmt.Errorf("%s: %w", c.opts.Name, ErrCircuitOpen))
			}
			c.logger.Debug("Remote call failed",
				slog.String("client", c.opts.Name),
				slog.String("url", url),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			return err
		}

		result = resp
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	return result, nil
}

func (c *Client) roundTrip(req *http.Request) (*Response, error) {
	r, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if r.StatusCode >= http.StatusInternalServerError {
		return nil, &ServerError{StatusCode: r.StatusCode}
	}
	return &Response{StatusCode: r.StatusCode, Body: data}, nil
}

func newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// BreakerState returns the current state of the circuit breaker
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}
