package api

import (
	"errors"
	"fmt"
	"strings"
)

// GenericServerError is shown when a failing response has an empty body.
const GenericServerError = "Server error"

// StatusError is returned for any non-2xx response. Body holds the raw
// response text, which is what the user gets to see.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed: %s %s (status: %d): %s", e.Method, e.Path, e.StatusCode, e.Message())
}

// Message returns the response body, or GenericServerError if it is blank.
func (e *StatusError) Message() string {
	if strings.TrimSpace(e.Body) == "" {
		return GenericServerError
	}
	return e.Body
}

// UserMessage returns the text to surface for err: the body of a backend
// rejection, otherwise the error text itself.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Message()
	}
	return err.Error()
}
