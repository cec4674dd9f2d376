package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"libracirc/internal/licensing"
)

func TestVendorEvents(t *testing.T) {
	since := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/events", r.URL.Path)
		assert.Equal(t, since.Format(time.RFC3339Nano), r.URL.Query().Get("since"))
		w.Write([]byte(`{"events":[
			{"identifier":"urn:isbn:1","type":"distributor_check_out","delta":1,"occurred_at":"2025-06-01T10:05:00Z"},
			{"identifier":"urn:isbn:2","type":"distributor_license_add","delta":3}
		]}`))
	}))
	defer srv.Close()

	c := NewVendorClient(srv.URL, WithRateLimit(rate.Inf, 1))
	events, err := c.Events(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "urn:isbn:1", events[0].Identifier)
	assert.Equal(t, licensing.EventCheckout, events[0].Type)
	require.NotNil(t, events[0].OccurredAt)
	assert.Equal(t, 1, *events[0].Amount)
	assert.Nil(t, events[1].OccurredAt)
}

func TestVendorAvailability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/availability/urn:isbn:1" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(licensing.Availability{Owned: 5, Available: 2, Reserved: 1, HoldQueue: 3})
	}))
	defer srv.Close()

	c := NewVendorClient(srv.URL, WithRateLimit(rate.Inf, 1))
	a, err := c.Availability(context.Background(), "urn:isbn:1")
	require.NoError(t, err)
	assert.Equal(t, licensing.Availability{Owned: 5, Available: 2, Reserved: 1, HoldQueue: 3}, a)

	_, err = c.Availability(context.Background(), "urn:isbn:2")
	assert.ErrorIs(t, err, ErrTitleNotFound)
	assert.Equal(t, gobreaker.StateClosed, c.State(), "missing titles do not trip the breaker")
}

func TestVendorBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewVendorClient(srv.URL, WithRateLimit(rate.Inf, 1))
	for range 5 {
		_, err := c.Events(context.Background(), time.Time{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, c.State())

	_, err := c.Events(context.Background(), time.Time{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 5, calls.Load())
}
