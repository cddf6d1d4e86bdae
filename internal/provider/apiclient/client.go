// Package apiclient is the JSON-over-HTTP client shared by the live providers.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jask/moneysync/internal/logging"
	"github.com/jask/moneysync/internal/metrics"
)

// ErrCircuitOpen is returned without calling upstream while the provider's
// breaker is open.
var ErrCircuitOpen = errors.New("provider circuit open")

// StatusError is a non-2xx response. Body is the upstream payload, truncated.
type StatusError struct {
	Provider string
	Method   string
	Path     string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s %s: status %d: %s", e.Provider, e.Method, e.Path, e.Status, e.Body)
}

// ClientError reports a 4xx response: the request was rejected, the upstream is up.
func (e *StatusError) ClientError() bool {
	return e.Status >= 400 && e.Status < 500
}

// Signer adds authentication to an outgoing request. body is the encoded
// request body, or nil.
type Signer func(req *http.Request, body []byte) error

// Config configures a Client.
type Config struct {
	Provider string
	BaseURL  string
	Timeout  time.Duration
	// BreakerFailures is the number of consecutive failures that opens the
	// breaker. Zero means 5.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open. Zero means 30s.
	BreakerCooldown time.Duration
	Header          http.Header
	HTTPClient      *http.Client
	Logger          *logging.Logger
	Metrics         metrics.Collector
}

// Client issues JSON requests to one provider. It is safe for concurrent
// use and is shared by every connection of that provider so the breaker sees
// all traffic.
type Client struct {
	provider string
	baseURL  string
	header   http.Header
	http     *http.Client
	cb       *gobreaker.CircuitBreaker
	logger   *logging.Logger
	metrics  metrics.Collector
}

func New(cfg Config) *Client {
	c := &Client{
		provider: cfg.Provider,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		header:   cfg.Header,
		http:     cfg.HTTPClient,
		logger:   logging.OrNop(cfg.Logger).Named("http").With(zap.String("provider", cfg.Provider)),
		metrics:  metrics.OrNoOp(cfg.Metrics),
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Provider,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			var state metrics.CircuitState
			switch to {
			case gobreaker.StateClosed:
				state = metrics.CircuitClosed
			case gobreaker.StateHalfOpen:
				state = metrics.CircuitHalfOpen
			case gobreaker.StateOpen:
				state = metrics.CircuitOpen
			}
			c.metrics.RecordCircuitState(name, state)
		},
	})
	return c
}

// isSuccessful keeps rejected requests and caller cancellations from counting
// against the upstream.
func isSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.ClientError()
}

// Provider returns the provider name the client was built for.
func (c *Client) Provider() string { return c.provider }

// Request describes one call.
type Request struct {
	Method string
	// Path is joined to the base URL unless it is already absolute.
	Path   string
	Query  url.Values
	Body   any
	Header http.Header
	Signer Signer
	// Endpoint labels metrics; it defaults to Path and should be set when
	// Path embeds ids.
	Endpoint string
}

// Do sends r and decodes a JSON response into out when out is non-nil.
func (c *Client) Do(ctx context.Context, r Request, out any) error {
	endpoint := r.Endpoint
	if endpoint == "" {
		endpoint = r.Path
	}
	start := time.Now()
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, r, out)
	})
	duration := time.Since(start)
	c.metrics.RecordProviderCall(c.provider, endpoint, err == nil, duration)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Warn("circuit open, request rejected", zap.String("endpoint", endpoint))
		return fmt.Errorf("%s %s: %w", c.provider, endpoint, ErrCircuitOpen)
	}
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("method", r.Method),
			zap.String("endpoint", endpoint),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return err
	}
	c.logger.Debug("request ok",
		zap.String("method", r.Method),
		zap.String("endpoint", endpoint),
		zap.Duration("duration", duration),
	)
	return nil
}

func (c *Client) do(ctx context.Context, r Request, out any) error {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	target, err := c.resolve(r.Path, r.Query)
	if err != nil {
		return err
	}

	var body []byte
	if r.Body != nil {
		body, err = json.Marshal(r.Body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", r.Path, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range r.Header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.Signer != nil {
		if err := r.Signer(req, body); err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s %s: %w", c.provider, method, r.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{
			Provider: c.provider,
			Method:   method,
			Path:     r.Path,
			Status:   resp.StatusCode,
			Body:     strings.TrimSpace(string(raw)),
		}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", r.Path, err)
	}
	return nil
}

func (c *Client) resolve(path string, query url.Values) (string, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		target = c.baseURL + path
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", target, err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
