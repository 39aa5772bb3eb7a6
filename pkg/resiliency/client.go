// Package resiliency wraps http.Client with the retry and circuit-breaker
// behavior used for outbound dispatch targets (ticket systems, webhooks).
package resiliency

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// Client wraps http.Client with resilience patterns:
// - Exponential backoff & jitter
// - Circuit breaking
// - Trace-context injection
type Client struct {
	client     *http.Client
	maxRetries int
	breaker    *CircuitBreaker
}

// NewClient creates a client with defaults suited to ticket/webhook
// endpoints: 30s request timeout, 3 retries, breaker opening after 5
// consecutive failures.
func NewClient(name string) *Client {
	return &Client{
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		breaker:    NewCircuitBreaker(name, 5, 10*time.Second),
	}
}

// WithMaxRetries overrides the retry count.
func (c *Client) WithMaxRetries(n int) *Client {
	c.maxRetries = n
	return c
}

// Do executes an HTTP request with retry, jitter, and circuit breaking.
// Responses with status >= 500 count as failures and are retried; 4xx
// responses are returned to the caller as-is (retrying them cannot help).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	// W3C trace context injection for downstream correlation.
	var traceBytes [16]byte
	traceID := ""
	if _, err := rand.Read(traceBytes[:]); err == nil {
		traceID = hex.EncodeToString(traceBytes[:])
	} else {
		traceID = fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	req.Header.Set("traceparent", fmt.Sprintf("00-%s-0000000000000001-01", traceID))

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("resiliency: circuit breaker open for %s", c.breaker.name)
	}

	var resp *http.Response
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.client.Do(req)

		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}

		if i == c.maxRetries {
			break
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				break
			}
			req.Body = body
		}

		// Backoff: base * 2^i + jitter.
		backoff := time.Duration(math.Pow(2, float64(i))) * 100 * time.Millisecond
		jitter := time.Duration(0)
		if n, jerr := rand.Int(rand.Reader, big.NewInt(50)); jerr == nil {
			jitter = time.Duration(n.Int64()) * time.Millisecond
		}
		time.Sleep(backoff + jitter)
	}

	c.breaker.Failure()
	if err != nil {
		return resp, fmt.Errorf("resiliency: request failed after %d retries: %w", c.maxRetries, err)
	}
	return resp, nil
}

// CircuitBreaker implements a simple state machine for failure detection.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
}

// NewCircuitBreaker builds a breaker opening after threshold consecutive
// failures and probing again after timeout.
func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
	}
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

// Success records a successful request.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "HALF_OPEN" {
		cb.state = "CLOSED"
	}
	cb.failureCount = 0
}

// Failure records a failed request, opening the breaker at the threshold.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}
