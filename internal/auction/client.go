// Package auction provides a client for the backend mediation auction
package auction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/thenexusengine/tne_mediation/internal/ad"
	"github.com/thenexusengine/tne_mediation/internal/config"
	"github.com/thenexusengine/tne_mediation/pkg/circuitbreaker"
)

// ErrCircuitOpen is returned while the auction backend is considered down
var ErrCircuitOpen = errors.New("auction circuit breaker is open")

// Client requests ranked bids from the auction backend
type Client struct {
	baseURL        string
	apiKey         string // Internal API key for service-to-service auth
	httpClient     *http.Client
	timeout        time.Duration
	circuitBreaker *circuitbreaker.Breaker
}

// newAuctionTransport creates a connection-pooled transport for auction requests
func newAuctionTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       config.AuctionMaxConnsPerHost,
		IdleConnTimeout:       config.AuctionIdleConnTimeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 500 * time.Millisecond,
	}
}

// NewClient creates a new auction client with connection pooling
func NewClient(baseURL string, timeout time.Duration, apiKey string) *Client {
	return NewClientWithCircuitBreaker(baseURL, timeout, apiKey, circuitbreaker.DefaultConfig())
}

// NewClientWithCircuitBreaker creates a new auction client with custom circuit breaker config
func NewClientWithCircuitBreaker(baseURL string, timeout time.Duration, apiKey string, cbConfig *circuitbreaker.Config) *Client {
	if timeout == 0 {
		timeout = config.AuctionDefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: newAuctionTransport(timeout),
		},
		timeout:        timeout,
		circuitBreaker: circuitbreaker.New(cbConfig),
	}
}

// Request is the auction request body
type Request struct {
	LoadID    string            `json:"load_id"`
	Placement string            `json:"placement"`
	Format    ad.Format         `json:"format"`
	Size      *ad.Size          `json:"size,omitempty"`
	Keywords  map[string]string `json:"keywords,omitempty"`
}

// Response is the auction result. Bids are ranked, best first.
type Response struct {
	AuctionID string   `json:"auction_id"`
	Bids      []ad.Bid `json:"bids"`
	// RateLimitReset is the server-requested pause before the next load
	RateLimitReset time.Duration `json:"-"`
}

// StatusError is returned for non-success auction responses
type StatusError struct {
	StatusCode     int
	Body           string
	RateLimitReset time.Duration
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("auction returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("auction returned status %d", e.StatusCode)
}

// Auction runs one auction for the request. A 204 is a valid response with
// no bids. Non-2xx statuses return *StatusError.
func (c *Client) Auction(ctx context.Context, req ad.Request, loadID string) (*Response, error) {
	var result *Response
	var clientErr error

	err := c.circuitBreaker.Execute(func() error {
		body, err := json.Marshal(Request{
			LoadID:    loadID,
			Placement: req.Placement,
			Format:    req.Format,
			Size:      req.Size,
			Keywords:  req.Keywords,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		url := c.baseURL + "/v1/auction"
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set(config.LoadIDHeader, loadID)
		if c.apiKey != "" {
			httpReq.Header.Set("X-Internal-API-Key", c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("failed to call auction service: %w", err)
		}
		defer resp.Body.Close()

		reset := ParseRateLimitReset(resp.Header)

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNoContent:
			result = &Response{RateLimitReset: reset}
			return nil
		default:
			statusErr := &StatusError{StatusCode: resp.StatusCode, RateLimitReset: reset}
			if errBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024)); err == nil {
				statusErr.Body = string(errBody)
			}
			// The backend answering 4xx is not an outage
			if resp.StatusCode < http.StatusInternalServerError {
				clientErr = statusErr
				return nil
			}
			return statusErr
		}

		limitedReader := io.LimitReader(resp.Body, config.AuctionMaxResponseSize)
		var response Response
		if err := json.NewDecoder(limitedReader).Decode(&response); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		for i := range response.Bids {
			if response.Bids[i].AuctionID == "" {
				response.Bids[i].AuctionID = response.AuctionID
			}
		}
		response.RateLimitReset = reset

		result = &response
		return nil
	})

	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, ErrCircuitOpen
	}
	if err != nil {
		return nil, err
	}
	if clientErr != nil {
		return nil, clientErr
	}
	return result, nil
}

// ParseRateLimitReset reads the load rate-limit header, in seconds
func ParseRateLimitReset(h http.Header) time.Duration {
	v := h.Get(config.RateLimitResetHeader)
	if v == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(seconds) || seconds <= 0 {
		return 0
	}
	if seconds >= config.MaxRateLimitReset.Seconds() {
		return config.MaxRateLimitReset
	}
	return time.Duration(seconds * float64(time.Second))
}

// CircuitBreakerStats returns the current circuit breaker statistics
func (c *Client) CircuitBreakerStats() circuitbreaker.Stats {
	return c.circuitBreaker.Stats()
}

// IsCircuitOpen returns true if the circuit breaker is open
func (c *Client) IsCircuitOpen() bool {
	return c.circuitBreaker.IsOpen()
}

// ResetCircuitBreaker resets the circuit breaker to closed state
func (c *Client) ResetCircuitBreaker() {
	c.circuitBreaker.Reset()
}

// HealthCheck checks if the auction service is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auction service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
