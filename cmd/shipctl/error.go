package main

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/signapse/shipyard/pkg/artifact"
	"github.com/signapse/shipyard/pkg/deploy"
	"github.com/signapse/shipyard/pkg/store"
	"github.com/signapse/shipyard/pkg/target"
	"github.com/signapse/shipyard/pkg/verify"
)

// Exit codes, one per failure kind, so calling automation can branch
// on the outcome without parsing output. Rolled-back is non-zero
// despite being a successful recovery: a pipeline that wanted the new
// version still didn't get it.
const (
	exitUsage              = 1
	exitPackagingFailed    = 10
	exitStoreUnavailable   = 11
	exitTargetNotFound     = 12
	exitAmbiguousTarget    = 13
	exitDeployFailed       = 14
	exitRolledBack         = 15
	exitVerificationFailed = 16
	exitDenied             = 17
)

type usageError struct {
	error
}

func newUsageError(msg string) usageError {
	return usageError{error: errors.New(msg)}
}

var errorWantedNoArgs = newUsageError("expected no (non-flag) arguments")

// packagingError marks any failure from the package stage, so build
// problems and filter problems land on the same exit code.
type packagingError struct {
	err error
}

func (e packagingError) Error() string { return e.err.Error() }
func (e packagingError) Cause() error  { return e.err }

// rolledBackError carries a deployment that ended in a rollback. Not
// a fault as such; it gets its own exit code.
type rolledBackError struct {
	target  string
	version string
	message string
}

func (e rolledBackError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("deployment of %s rolled back: %s", e.target, e.message)
	}
	return fmt.Sprintf("deployment of %s rolled back to version %s", e.target, e.version)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch err.(type) {
	case usageError:
		return exitUsage
	case rolledBackError:
		return exitRolledBack
	case packagingError:
		return exitPackagingFailed
	}
	switch {
	case artifact.IsBuildError(err):
		return exitPackagingFailed
	case deploy.IsDenied(err), store.IsDenied(err):
		return exitDenied
	case store.IsUnavailable(err):
		return exitStoreUnavailable
	case target.IsNotFound(err):
		return exitTargetNotFound
	case target.IsAmbiguous(err):
		return exitAmbiguousTarget
	case verify.IsVerificationFailed(err):
		return exitVerificationFailed
	case isDeployError(err):
		return exitDeployFailed
	}
	return exitUsage
}

func isDeployError(err error) bool {
	for e := err; e != nil; {
		if _, ok := e.(*deploy.Error); ok {
			return true
		}
		cause, ok := e.(interface{ Cause() error })
		if !ok {
			break
		}
		e = cause.Cause()
	}
	return false
}
