// internal/clients/vendor_client.go
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"libracirc/internal/licensing"
)

var ErrTitleNotFound = errors.New("title not found at distributor")

// VendorEvent is one entry of the distributor's circulation feed.
type VendorEvent struct {
	Identifier string `json:"identifier"`
	licensing.Delta
}

type eventsResponse struct {
	Events []VendorEvent `json:"events"`
}

// VendorClient reads circulation data from the distributor. Requests are rate
// limited and go through a circuit breaker that opens after repeated failures.
type VendorClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

type VendorOption func(*VendorClient)

// WithRateLimit allows r requests per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) VendorOption {
	return func(c *VendorClient) { c.limiter = rate.NewLimiter(r, burst) }
}

func WithHTTPClient(hc *http.Client) VendorOption {
	return func(c *VendorClient) { c.http = hc }
}

func NewVendorClient(baseURL string, opts ...VendorOption) *VendorClient {
	c := &VendorClient{
		baseURL: baseURL,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vendor",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrTitleNotFound)
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the circuit breaker state, for health checks.
func (c *VendorClient) State() gobreaker.State {
	return c.breaker.State()
}

func (c *VendorClient) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrTitleNotFound
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}

// Events returns the feed entries recorded after since, in the order the
// distributor sent them. A zero since asks for the whole feed.
func (c *VendorClient) Events(ctx context.Context, since time.Time) ([]VendorEvent, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var body eventsResponse
	if err := c.get(ctx, "/events", query, &body); err != nil {
		return nil, fmt.Errorf("fetch vendor events: %w", err)
	}
	return body.Events, nil
}

// Availability returns the distributor's current counters for a title.
func (c *VendorClient) Availability(ctx context.Context, identifier string) (licensing.Availability, error) {
	var a licensing.Availability
	if err := c.get(ctx, "/availability/"+url.PathEscape(identifier), nil, &a); err != nil {
		return licensing.Availability{}, fmt.Errorf("fetch availability for %s: %w", identifier, err)
	}
	return a, nil
}
