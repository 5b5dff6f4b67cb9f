package erp

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedResponse is returned when the ERP answers with a body that cannot be decoded.
var ErrMalformedResponse = errors.New("malformed erp response")

// APIError is a non-2xx answer from the ERP.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if r := []rune(body); len(r) > 200 {
		body = string(r[:200]) + "..."
	}
	return fmt.Sprintf("erp returned %d: %s", e.StatusCode, body)
}

// IsRetryable classifies an error from this package. Client-side rejections (4xx other
// than 401, 408 and 429) will fail the same way on every attempt; everything else,
// including transport errors and undecodable bodies, is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		}
		return apiErr.StatusCode >= 500
	}
	return true
}

// ResponseBody extracts the raw upstream body carried by err, if any.
func ResponseBody(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Body
	}
	var mal *malformedError
	if errors.As(err, &mal) {
		return mal.body
	}
	return ""
}

type malformedError struct {
	body string
	err  error
}

func (e *malformedError) Error() string {
	return fmt.Sprintf("%s: %v", ErrMalformedResponse, e.err)
}

func (e *malformedError) Unwrap() error { return ErrMalformedResponse }
