package target

import (
	"fmt"
	"strings"
)

// NotFoundError means the registry has no target the query selects.
type NotFoundError struct {
	Query Query
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no target matching %s", e.Query)
}

// AmbiguousError means the query selected more than one target; the
// caller has to say which one it meant, usually by naming the
// environment.
type AmbiguousError struct {
	Query   Query
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("query %s matches more than one target: %s", e.Query, strings.Join(e.Matches, ", "))
}

// IsNotFound reports whether err, anywhere in its cause chain, is a
// target lookup miss.
func IsNotFound(err error) bool {
	for e := err; e != nil; e = unwrap(e) {
		if _, ok := e.(*NotFoundError); ok {
			return true
		}
	}
	return false
}

// IsAmbiguous reports whether err, anywhere in its cause chain, is
// an ambiguous target lookup.
func IsAmbiguous(err error) bool {
	for e := err; e != nil; e = unwrap(e) {
		if _, ok := e.(*AmbiguousError); ok {
			return true
		}
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
