package store

import (
	"fmt"
)

// UnavailableError means the backing store could not be reached or
// answered with a server-side failure. It is transient by nature;
// callers may retry.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s store unavailable: %s", e.Backend, e.Err)
}

func (e *UnavailableError) Cause() error {
	return e.Err
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable returns true if err, or any error it wraps, is a
// store availability failure.
func IsUnavailable(err error) bool {
	for err != nil {
		if _, ok := err.(*UnavailableError); ok {
			return true
		}
		err = unwrap(err)
	}
	return false
}

// DeniedError means the store refused the caller's credentials. It is
// never retried; someone has to fix the grant.
type DeniedError struct {
	Backend string
	Err     error
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s store denied access: %s", e.Backend, e.Err)
}

func (e *DeniedError) Cause() error {
	return e.Err
}

func (e *DeniedError) Unwrap() error {
	return e.Err
}

// IsDenied returns true if err, or any error it wraps, is an
// authorization failure from the store.
func IsDenied(err error) bool {
	for err != nil {
		if _, ok := err.(*DeniedError); ok {
			return true
		}
		err = unwrap(err)
	}
	return false
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
