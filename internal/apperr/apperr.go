// Package apperr holds the error taxonomy shared by the stores, the identity
// provider and the synchronizer, plus its mapping onto HTTP statuses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotFound         = errors.New("not found")
	ErrValidation       = errors.New("validation failed")
	ErrRemote           = errors.New("remote failure")
	ErrForbidden        = errors.New("forbidden")
	ErrRateLimited      = errors.New("rate limited")
	ErrClosed           = errors.New("session closed")
)

// RemoteError is a network or service failure of a single operation.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote failure: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// Remote classifies err as a remote failure of op. Errors that already
// belong to the taxonomy carry their own op and are returned as they are.
func Remote(op string, err error) error {
	if err == nil || Classified(err) {
		return err
	}
	return &RemoteError{Op: op, Err: err}
}

// Classified reports whether err already carries a taxonomy sentinel.
func Classified(err error) bool {
	for _, s := range []error{ErrNotAuthenticated, ErrNotFound, ErrValidation, ErrRemote, ErrForbidden, ErrRateLimited, ErrClosed} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

func Validation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

func NotFound(what string) error {
	return fmt.Errorf("%s: %w", what, ErrNotFound)
}

// StatusCode maps err onto the HTTP status the API answers with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus rebuilds a taxonomy error from an API response.
func FromStatus(op string, code int, body string) error {
	msg := strings.TrimSpace(body)
	switch code {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", op, ErrNotAuthenticated)
	case http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrForbidden)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: %w: %s", op, ErrValidation, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", op, ErrRateLimited)
	default:
		return &RemoteError{Op: op, Err: fmt.Errorf("status %d: %s", code, msg)}
	}
}
