// Package sources contains the external data-provider adapters and the
// guarded HTTP client they share. Adapters return typed values or an error;
// they never panic, and callers treat errors as "metric unavailable today".
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 16 << 20
)

// Client is a shared HTTP client with per-host rate limiting and circuit
// breaking. A provider that starts failing trips its own breaker without
// affecting the others.
type Client struct {
	http *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker

	// rates overrides the default per-host request rate.
	rates map[string]rate.Limit
}

// NewClient creates the guarded client used by all adapters.
func NewClient() *Client {
	return &Client{
		http:     &http.Client{Timeout: defaultTimeout},
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		rates:    make(map[string]rate.Limit),
	}
}

// SetHostRate overrides the request rate for one host. Free-tier APIs such
// as Alpha Vantage need far less than the default.
func (c *Client) SetHostRate(host string, perSecond float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[host] = rate.Limit(perSecond)
	delete(c.limiters, host)
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.limiters[host]; ok {
		return l
	}
	r, ok := c.rates[host]
	if !ok {
		r = rate.Limit(2)
	}
	l := rate.NewLimiter(r, 1)
	c.limiters[host] = l
	return l
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.breakers[host]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Provider circuit breaker state change")
		},
	})
	c.breakers[host] = b
	return b
}

// GetJSON performs a rate-limited, breaker-guarded GET and decodes the JSON
// body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out interface{}) error {
	body, err := c.get(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetBytes performs a rate-limited, breaker-guarded GET and returns the raw
// body. Used by adapters whose payloads need custom parsing.
func (c *Client) GetBytes(ctx context.Context, rawURL string) ([]byte, error) {
	return c.get(ctx, rawURL)
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	host := u.Host

	if err := c.limiter(host).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	result, err := c.breaker(host).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "stresswatch/1.0")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, host)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		return body, nil
	})
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", host, err)
	}
	return result.([]byte), nil
}
