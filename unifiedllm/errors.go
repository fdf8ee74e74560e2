package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SDKError is the base error type for all unified LLM errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

func (e *SDKError) setCause(err error) { e.Cause = err }

// ProviderError represents an error returned by an LLM provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Provider, e.Message)
}

// HTTPStatus returns the HTTP status code carried by the error, or 0.
func (e *ProviderError) HTTPStatus() int {
	return e.StatusCode
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type StreamErrorType struct{ SDKError }
type ConfigurationError struct{ SDKError }

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504:
		return &ServerError{ProviderError: pe}
	default:
		return &pe
	}
}

var (
	transientStatuses = map[int]bool{408: true, 429: true, 500: true, 502: true, 503: true, 504: true}
	permanentStatuses = map[int]bool{400: true, 401: true, 403: true, 404: true, 413: true, 422: true}

	transientHTTPMarkers = []string{"HTTP 429", "HTTP 500", "HTTP 502", "HTTP 503", "HTTP 504"}
	transientPhrases     = []string{
		"request failed:",
		"connection reset",
		"connection refused",
		"timed out",
		"timeout",
		"broken pipe",
		"network",
	}
	permanentHTTPMarkers = []string{"HTTP 400", "HTTP 401", "HTTP 403", "HTTP 404", "HTTP 422"}
	permanentPhrases     = []string{"invalid", "bad request", "unauthorized"}
)

// IsTransientMessage reports whether an error string describes a failure
// that is worth retrying: a 429/5xx status or a network-level phrase.
func IsTransientMessage(msg string) bool {
	for _, m := range transientHTTPMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	lower := strings.ToLower(msg)
	for _, p := range transientPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsPermanentMessage reports whether an error string describes a failure that
// will not go away on retry (validation or auth).
func IsPermanentMessage(msg string) bool {
	for _, m := range permanentHTTPMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	lower := strings.ToLower(msg)
	for _, p := range permanentPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// httpStatus extracts a status code from any error in the chain that carries one.
func httpStatus(err error) (int, bool) {
	var se interface{ HTTPStatus() int }
	if errors.As(err, &se) && se.HTTPStatus() > 0 {
		return se.HTTPStatus(), true
	}
	return 0, false
}

// IsTransient reports whether err should be retried. Status codes win over
// message text; unknown errors are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var abort *AbortError
	if errors.As(err, &abort) {
		return false
	}
	if status, ok := httpStatus(err); ok {
		return transientStatuses[status]
	}
	switch err.(type) {
	case *NetworkError, *StreamErrorType, *RequestTimeoutError:
		return true
	}
	return IsTransientMessage(err.Error())
}

// IsPermanent reports whether err must surface immediately without retry.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if status, ok := httpStatus(err); ok {
		return permanentStatuses[status]
	}
	switch err.(type) {
	case *ConfigurationError, *ContentFilterError:
		return true
	}
	return IsPermanentMessage(err.Error())
}

// IsRetryable returns true if the error is transient and not permanent.
func IsRetryable(err error) bool {
	return IsTransient(err) && !IsPermanent(err)
}
