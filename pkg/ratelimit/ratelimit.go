package ratelimit

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	minLimit  = 0.1
	backOffBy = 2.0
	recoverBy = 1.5
)

// Deployments poll remote endpoints while waiting for things to
// settle: readiness probes, smoke checks, chart indexes. Limiters
// keeps a per-host token bucket in front of that traffic, so a stuck
// rollout doesn't hammer anyone's API.
//
// Use `RoundTripper(rt, host)` to obtain a rate limited transport for
// a host. The transport reacts to `HTTP 429 Too Many Requests` by
// halving the limit for that host, once per transport, so concurrent
// requests don't all reduce it at the same time. Call `Recover(host)`
// after an operation finishes cleanly to drift the limit back up.
type Limiters struct {
	RPS     float64
	Burst   int
	Logger  log.Logger
	perHost map[string]*rate.Limiter
	mu      sync.Mutex
}

func (limiters *Limiters) clip(limit float64) float64 {
	if limit < minLimit {
		return minLimit
	}
	if limit > limiters.RPS {
		return limiters.RPS
	}
	return limit
}

func (limiters *Limiters) limiterFor(host string) *rate.Limiter {
	if limiters.perHost == nil {
		limiters.perHost = map[string]*rate.Limiter{}
	}
	if _, ok := limiters.perHost[host]; !ok {
		limiters.perHost[host] = rate.NewLimiter(rate.Limit(limiters.RPS), limiters.Burst)
	}
	return limiters.perHost[host]
}

func (limiters *Limiters) backOff(host string) {
	limiters.mu.Lock()
	defer limiters.mu.Unlock()

	limiter := limiters.limiterFor(host)
	oldLimit := float64(limiter.Limit())
	newLimit := limiters.clip(oldLimit / backOffBy)
	if oldLimit != newLimit && limiters.Logger != nil {
		limiters.Logger.Log("info", "reducing poll rate", "host", host, "limit", strconv.FormatFloat(newLimit, 'f', 2, 64))
	}
	limiter.SetLimit(rate.Limit(newLimit))
}

// Recover should be called when an operation against the host has
// succeeded without incident, to bump the limit back up again.
func (limiters *Limiters) Recover(host string) {
	limiters.mu.Lock()
	defer limiters.mu.Unlock()
	if limiters.perHost == nil {
		return
	}
	if limiter, ok := limiters.perHost[host]; ok {
		oldLimit := float64(limiter.Limit())
		newLimit := limiters.clip(oldLimit * recoverBy)
		if newLimit != oldLimit && limiters.Logger != nil {
			limiters.Logger.Log("info", "increasing poll rate", "host", host, "limit", strconv.FormatFloat(newLimit, 'f', 2, 64))
		}
		limiter.SetLimit(rate.Limit(newLimit))
	}
}

// RoundTripper returns a rate limited transport for a particular
// host.
func (limiters *Limiters) RoundTripper(rt http.RoundTripper, host string) http.RoundTripper {
	limiters.mu.Lock()
	defer limiters.mu.Unlock()

	limiter := limiters.limiterFor(host)
	var reduceOnce sync.Once
	return &rateLimitedRoundTripper{
		rl: limiter,
		tx: rt,
		slowDown: func() {
			reduceOnce.Do(func() { limiters.backOff(host) })
		},
	}
}

type rateLimitedRoundTripper struct {
	rl       *rate.Limiter
	tx       http.RoundTripper
	slowDown func()
}

func (t *rateLimitedRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	// Wait errors out if the request cannot be processed within the
	// deadline. This is pre-emptive, instead of waiting the entire
	// duration.
	if err := t.rl.Wait(r.Context()); err != nil {
		return nil, errors.Wrap(err, "rate limited")
	}
	resp, err := t.tx.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		t.slowDown()
	}
	return resp, err
}
