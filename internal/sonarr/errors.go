// SPDX-License-Identifier: MIT

package sonarr

import (
	"errors"
	"fmt"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrNotFound     = errors.New("manager: resource not found")
	ErrUnauthorized = errors.New("manager: authentication rejected")
	ErrTransient    = errors.New("manager: transient transport or server failure")
	ErrServer       = errors.New("manager: internal server error")
	ErrMalformed    = errors.New("manager: request or response malformed")
	ErrConflict     = errors.New("manager: state conflict")
)

// APIError wraps a sentinel with the operation and HTTP context.
type APIError struct {
	Sentinel  error
	Operation string
	Status    int
	Body      string
	Err       error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("sonarr: %s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Sentinel
}

// retryable reports whether the retry layer should attempt the call again.
func retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrServer)
}

// classifyStatus maps an HTTP status code to a sentinel error. Anything
// unrecognized coerces to transient so the retry layer gets a chance.
func classifyStatus(status int) error {
	switch {
	case status == 401 || status == 403:
		return ErrUnauthorized
	case status == 404:
		return ErrNotFound
	case status == 409:
		return ErrConflict
	case status == 429:
		return ErrTransient
	case status == 400 || status == 422:
		return ErrMalformed
	case status >= 500:
		return ErrServer
	default:
		return ErrTransient
	}
}
