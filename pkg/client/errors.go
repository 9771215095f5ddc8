package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/menta2k/scene-analyzer/pkg/types"
)

// ServiceError is the only error type the facade returns
type ServiceError struct {
	Kind types.ServiceErrorKind
	Err  error
}

func (e *ServiceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("vision service error: %s", e.Kind)
	}
	return fmt.Sprintf("vision service error: %s: %v", e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError wraps err with a kind. Adapters use it when they know
// better than the generic classifier.
func NewServiceError(kind types.ServiceErrorKind, err error) *ServiceError {
	return &ServiceError{Kind: kind, Err: err}
}

// StatusError is returned by HTTP based adapters for non-200 responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

// KindForStatus maps an HTTP status code to a service error kind
func KindForStatus(code int) types.ServiceErrorKind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.KindAuthError
	case http.StatusTooManyRequests:
		return types.KindThrottled
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return types.KindTimeout
	default:
		return types.KindUnavailable
	}
}

// Classify maps an arbitrary provider error to a ServiceError
func Classify(err error) *ServiceError {
	if err == nil {
		return nil
	}

	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewServiceError(types.KindTimeout, err)
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewServiceError(types.KindTimeout, err)
	}

	var status *StatusError
	if errors.As(err, &status) {
		return NewServiceError(KindForStatus(status.StatusCode), err)
	}

	return NewServiceError(types.KindUnavailable, err)
}

// KindOf returns the service error kind carried by err. Unknown errors are
// Unavailable; nil has no kind.
func KindOf(err error) types.ServiceErrorKind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}
