package folio

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoSession is returned by SessionStorage.Load when nothing is persisted.
	ErrNoSession = errors.New("no persisted session")

	// ErrNotAuthenticated is returned when an operation requires credentials
	// and the session holds none.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrLoginMFARequired signals that the login endpoint accepted the
	// credentials but requires a multi-factor code to issue tokens.
	ErrLoginMFARequired = errors.New("multi-factor code required")

	// ErrRefreshFailed wraps any failure of the token refresh call: transport
	// errors, a rejected refresh, or a 2xx response missing the access token.
	// The session is cleared before this error is returned.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// APIError represents a non-2xx REST response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsAuthFailure reports whether the response status signals credential expiry.
func (e *APIError) IsAuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized
}
