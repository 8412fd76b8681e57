package hat

import (
	"fmt"
	"net/http"
)

// APIError is returned for every failed HAT request. Status is zero when the
// request never got a response.
type APIError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *APIError) Error() string {
	switch {
	case e.Status == 0:
		return fmt.Sprintf("hat %s: %v", e.Op, e.Err)
	case e.Body != "":
		return fmt.Sprintf("hat %s: HTTP %d: %s", e.Op, e.Status, e.Body)
	default:
		return fmt.Sprintf("hat %s: HTTP %d", e.Op, e.Status)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later: network
// failures, timeouts, rate limiting and server errors.
func (e *APIError) Retryable() bool {
	switch {
	case e.Status == 0:
		return true
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	}
	return false
}

// Auth reports whether the HAT rejected the credentials
func (e *APIError) Auth() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}
