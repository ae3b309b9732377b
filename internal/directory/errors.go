package directory

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrBlocked         = errors.New("blocked")
	ErrNotFound        = errors.New("not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrChatInactive    = errors.New("chat inactive")
	ErrUnavailable     = errors.New("directory unavailable")
)

// ServiceError is a failed directory call. It is surfaced to the immediate
// caller unchanged; the core never retries.
type ServiceError struct {
	Op      string
	Status  int
	Message string
	Err     error
	// Cause is the transport failure behind ErrUnavailable, if any.
	Cause error
}

func (e *ServiceError) Error() string {
	switch {
	case e.Message != "" && e.Status != 0:
		return fmt.Sprintf("directory %s: %s (status %d): %s", e.Op, e.Err, e.Status, e.Message)
	case e.Message != "":
		return fmt.Sprintf("directory %s: %s: %s", e.Op, e.Err, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("directory %s: %s: %v", e.Op, e.Err, e.Cause)
	default:
		return fmt.Sprintf("directory %s: %s", e.Op, e.Err)
	}
}

func (e *ServiceError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

// StatusCode maps a sentinel error to the HTTP status the directory answers with.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrChatInactive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func sentinelFor(status int) error {
	switch status {
	case http.StatusBadRequest:
		return ErrInvalidRequest
	case http.StatusUnauthorized:
		return ErrUnauthenticated
	case http.StatusForbidden:
		return ErrBlocked
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusGone:
		return ErrChatInactive
	default:
		return ErrUnavailable
	}
}
