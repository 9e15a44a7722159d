package deploy

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/pkg/errors"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
)

// Reason divides deployment failures by what the caller can do about
// them: try again later, wait less ambitiously, or go fix a grant.
type Reason string

const (
	ReasonFailed   Reason = "failed"
	ReasonTimedOut Reason = "timed-out"
	// ReasonDenied is never retried; retrying a credential problem
	// just makes noise in someone's audit log.
	ReasonDenied Reason = "denied"
)

// Error wraps an executor failure with the target it was for and the
// state the deployment was in when it happened.
type Error struct {
	Target string
	State  State
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("deploying %s: %s: %s", e.Target, e.State, e.Err)
}

func (e *Error) Cause() error {
	return e.Err
}

func (e *Error) Unwrap() error {
	return e.Err
}

// failed wraps err with target and state context, classifying it by
// inspection.
func failed(targetID string, state State, err error) *Error {
	return &Error{Target: targetID, State: state, Reason: classify(err), Err: err}
}

func classify(err error) Reason {
	if cause := errors.Cause(err); cause == context.DeadlineExceeded {
		return ReasonTimedOut
	}
	for e := err; e != nil; e = unwrap(e) {
		if aerr, ok := e.(awserr.Error); ok {
			switch aerr.Code() {
			case "AccessDenied", "AccessDeniedException", "UnrecognizedClientException",
				"InvalidClientTokenId", "ExpiredToken", "ExpiredTokenException":
				return ReasonDenied
			}
		}
		if k8serrors.IsForbidden(e) || k8serrors.IsUnauthorized(e) {
			return ReasonDenied
		}
	}
	return ReasonFailed
}

// timedOut marks err as a timeout regardless of its own shape; used
// when a readiness deadline lapses.
func timedOut(targetID string, state State, err error) *Error {
	return &Error{Target: targetID, State: state, Reason: ReasonTimedOut, Err: err}
}

func unwrap(err error) error {
	type causer interface {
		Cause() error
	}
	if cause, ok := err.(causer); ok {
		return cause.Cause()
	}
	return nil
}

// IsDenied reports whether err, anywhere in its chain, is an
// authorization failure.
func IsDenied(err error) bool {
	for e := err; e != nil; e = unwrap(e) {
		if derr, ok := e.(*Error); ok && derr.Reason == ReasonDenied {
			return true
		}
	}
	return false
}

// IsTimedOut reports whether err, anywhere in its chain, is a
// deployment timeout.
func IsTimedOut(err error) bool {
	for e := err; e != nil; e = unwrap(e) {
		if derr, ok := e.(*Error); ok && derr.Reason == ReasonTimedOut {
			return true
		}
	}
	return false
}
