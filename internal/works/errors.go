package works

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth marks token issuance failures. It is fatal for the current
	// request and is never retried automatically.
	ErrAuth = errors.New("works: auth failed")
	// ErrLookup marks recipient resolution failures.
	ErrLookup = errors.New("works: user lookup failed")
	// ErrUserNotFound is wrapped together with ErrLookup when the platform
	// does not know the address.
	ErrUserNotFound = errors.New("works: user not found")
	// ErrSend marks message delivery failures.
	ErrSend = errors.New("works: send failed")

	ErrMissingCredentials = errors.New("works: missing credentials")
	ErrInvalidPrivateKey  = errors.New("works: invalid private key")
)

// APIError is a non-2xx answer from the platform REST API.
type APIError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status %d on %s %s: %s", e.Status, e.Method, e.Path, e.Body)
}
