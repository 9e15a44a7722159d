package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/signapse/shipyard/pkg/target"
)

const (
	defaultVerifyTimeout = 2 * time.Minute
	initialCheckInterval = time.Second
	maxCheckInterval     = 15 * time.Second
)

// A Checker makes one attempt at answering "is the thing we just
// deployed actually working". What counts as healthy is the caller's
// policy; the gate only supplies the polling.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// Outcome is the gate's verdict. Unhealthy is deliberately not an
// error value: the gate reports, and acting on the verdict stays
// with the pipeline composition.
type Outcome struct {
	Target   string        `json:"target"`
	Healthy  bool          `json:"healthy"`
	Detail   string        `json:"detail,omitempty"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Gate polls a set of checkers until all of them pass in the same
// round, or the timeout runs out.
type Gate struct {
	logger          log.Logger
	checkers        []Checker
	initialInterval time.Duration
	maxInterval     time.Duration
}

func NewGate(logger log.Logger, checkers ...Checker) *Gate {
	return &Gate{
		logger:          logger,
		checkers:        checkers,
		initialInterval: initialCheckInterval,
		maxInterval:     maxCheckInterval,
	}
}

// Verify runs rounds of checks against the target. The interval
// between rounds doubles up to a cap, so a service that takes a
// minute to warm up isn't probed hundreds of times.
func (g *Gate) Verify(ctx context.Context, t target.Target, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	out := Outcome{Target: t.ID()}
	start := time.Now()

	if len(g.checkers) == 0 {
		out.Healthy = true
		out.Detail = "no checks configured"
		out.Elapsed = time.Since(start)
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := g.initialInterval
	for {
		out.Attempts++
		err := g.round(ctx)
		if err == nil {
			out.Healthy = true
			out.Detail = ""
			out.Elapsed = time.Since(start)
			g.logger.Log("target", t.ID(), "healthy", true, "attempts", out.Attempts)
			return out
		}
		out.Detail = err.Error()
		g.logger.Log("target", t.ID(), "healthy", false, "attempt", out.Attempts, "err", err)

		select {
		case <-ctx.Done():
			out.Elapsed = time.Since(start)
			return out
		case <-time.After(interval):
		}
		if interval *= 2; interval > g.maxInterval {
			interval = g.maxInterval
		}
	}
}

func (g *Gate) round(ctx context.Context) error {
	for _, c := range g.checkers {
		if err := c.Check(ctx); err != nil {
			return errors.Wrap(err, c.Name())
		}
	}
	return nil
}

// Error is what callers raise when they decide an unhealthy outcome
// sinks the deployment.
type Error struct {
	Target string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("verification failed for %s: %s", e.Target, e.Detail)
}

func IsVerificationFailed(err error) bool {
	type causer interface {
		Cause() error
	}
	for err != nil {
		if _, ok := err.(*Error); ok {
			return true
		}
		cause, ok := err.(causer)
		if !ok {
			return false
		}
		err = cause.Cause()
	}
	return false
}
