package artifact

import (
	"fmt"
)

// BuildError reports a failed build command. No artifact is produced
// when the build fails; the captured output is kept so the caller can
// surface what the build printed.
type BuildError struct {
	Command string
	Output  string
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build command failed: %s", e.Err)
}

// Cause implements the causer interface, so a BuildError can be
// picked out of a wrapped chain.
func (e *BuildError) Cause() error {
	return e.Err
}

// IsBuildError returns true if err, or any error it wraps, came from
// a failed build command.
func IsBuildError(err error) bool {
	type causer interface {
		Cause() error
	}
	for err != nil {
		if _, ok := err.(*BuildError); ok {
			return true
		}
		cause, ok := err.(causer)
		if !ok {
			break
		}
		err = cause.Cause()
	}
	return false
}
