package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type stubTransport struct{ status int }

func (s stubTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: s.status, Body: http.NoBody}, nil
}

func TestRoundTripperBacksOffOn429(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	limiters := &Limiters{RPS: 100, Burst: 10}
	client := &http.Client{Transport: limiters.RoundTripper(http.DefaultTransport, "registry.example.com")}

	for i := 0; i < 3; i++ {
		resp, err := client.Get(ts.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}

	// halved once; the same transport doesn't keep reducing
	assert.Equal(t, rate.Limit(50), limiters.limiterFor("registry.example.com").Limit())

	limiters.Recover("registry.example.com")
	assert.Equal(t, rate.Limit(75), limiters.limiterFor("registry.example.com").Limit())
}

func TestBackOffAndRecoverStayClipped(t *testing.T) {
	limiters := &Limiters{RPS: 1, Burst: 1}
	for i := 0; i < 10; i++ {
		limiters.backOff("slow.example.com")
	}
	assert.Equal(t, rate.Limit(minLimit), limiters.limiterFor("slow.example.com").Limit())

	for i := 0; i < 20; i++ {
		limiters.Recover("slow.example.com")
	}
	assert.Equal(t, rate.Limit(1), limiters.limiterFor("slow.example.com").Limit())
}

func TestWaitHonorsDeadline(t *testing.T) {
	limiters := &Limiters{RPS: 0.1, Burst: 1}
	rt := limiters.RoundTripper(stubTransport{status: http.StatusOK}, "api.example.com")

	req, err := http.NewRequest("GET", "http://api.example.com/", nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	// the burst is spent; the next request would have to wait ten
	// seconds, which the deadline won't allow
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = rt.RoundTrip(req.WithContext(ctx))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}
