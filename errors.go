package tokensync

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable is returned by Token.Write and Token.Load when no
	// store or storage key was configured. The operation is a no-op.
	ErrStorageUnavailable = errors.New("storageKey value is not set, cannot access the token store")

	// ErrInvalidToken is returned by the route guard when a route needs
	// authentication and the current token is not valid.
	ErrInvalidToken = errors.New("token invalid")

	// ErrNoToken is returned by the oauth2 token source when no token is held.
	ErrNoToken = errors.New("no token available")

	// ErrMissingJWT is returned by transports when a successful response
	// does not carry a token.
	ErrMissingJWT = errors.New("response did not include a jwt")

	// ErrClosed is returned by coordinator operations after Close.
	ErrClosed = errors.New("coordinator closed")
)

// TransportError describes a failed login, logout or refresh call.
// Coordinators hand it back to callers untouched.
type TransportError struct {
	Op         string // "login", "logout" or "refresh"
	StatusCode int    // HTTP status, 0 when the request never completed
	Code       string // application error code, if the server sent one
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	base := e.Message
	if base == "" {
		base = e.Code
	}
	if base == "" && e.StatusCode != 0 {
		base = fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	if base == "" {
		base = "request failed"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, base)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, base, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}
