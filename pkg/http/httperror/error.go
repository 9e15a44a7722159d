package httperror

// Kinds of API error. These are wire-stable: servers send them,
// clients branch on them, and they mean the same thing on both
// sides.
const (
	KindBadRequest       = "bad-request"
	KindTargetNotFound   = "target-not-found"
	KindAmbiguousTarget  = "ambiguous-target"
	KindUnknownJob       = "unknown-job"
	KindNoHistory        = "no-history"
	KindDenied           = "authorization-denied"
	KindStoreUnavailable = "store-unavailable"
	KindServer           = "server-error"
)

// APIError is a non-2xx response from the shipyard API. Kind is what
// callers should branch on; StatusCode is kept for transport-level
// checks and is not part of the wire body.
type APIError struct {
	StatusCode int    `json:"-"`
	Kind       string `json:"kind,omitempty"`
	Message    string `json:"message"`
}

func (err *APIError) Error() string {
	return err.Message
}

// IsUnavailable reports whether the API itself was unreachable or
// not serving, as opposed to rejecting the request.
func (err *APIError) IsUnavailable() bool {
	switch err.StatusCode {
	case 502, 503, 504:
		return true
	}
	return false
}
