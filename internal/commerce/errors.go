package commerce

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ReadySet1/destino-sf-sub000/internal/breaker"

	"github.com/pkg/errors"
)

// ErrNotConfigured is returned when no access token is set
var ErrNotConfigured = errors.New("commerce access token not configured")

// APIError is a non-2xx response from the commerce API
type APIError struct {
	StatusCode int
	Category   string
	Code       string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("commerce api error (%d %s): %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("commerce api error (%d)", e.StatusCode)
}

// IsAuth reports whether err is an authentication or authorization failure
func IsAuth(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized ||
		apiErr.StatusCode == http.StatusForbidden ||
		apiErr.Category == "AUTHENTICATION_ERROR"
}

// IsNotFound reports whether the remote resource does not exist
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsCountableFailure is the breaker classifier. Transport errors, 5xx, 408 and
// 429 count; auth and other client errors do not.
func IsCountableFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrNotConfigured) || errors.Is(err, breaker.ErrOpen) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode >= 500:
			return true
		case apiErr.StatusCode == http.StatusRequestTimeout, apiErr.StatusCode == http.StatusTooManyRequests:
			return true
		default:
			return false
		}
	}
	return true
}
