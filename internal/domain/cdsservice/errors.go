package cdsservice

import (
	"errors"
	"net/http"
	"strings"
)

// StatusError is a pipeline failure together with the HTTP status it maps to.
// Message is the plain-text body sent to the caller. Err holds the cause for
// logging when it differs from Message.
type StatusError struct {
	Code    int
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.Code)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Body returns the text written to the response. Statuses sent without a
// message fall back to the standard status text.
func (e *StatusError) Body() string {
	if e.Message == "" {
		return http.StatusText(e.Code)
	}
	return e.Message
}

func statusError(code int, msg string) *StatusError {
	return &StatusError{Code: code, Message: msg}
}

func wrapStatus(code int, err error) *StatusError {
	return &StatusError{Code: code, Message: err.Error(), Err: err}
}

// StatusCode returns the HTTP status for err, or 500 when err carries none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return http.StatusInternalServerError
}

// executionStatus maps a CQL execution failure to 422 when the message
// points at an invalid value such as a bad UCUM unit, and to 500 otherwise.
func executionStatus(err error) int {
	msg := err.Error()
	if strings.Contains(msg, "invalid") || strings.Contains(msg, "UCUM") {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// flatten splits a joined error back into its parts.
func flatten(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []error{err}
}
