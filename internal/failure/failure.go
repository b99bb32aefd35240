package failure

import (
	"errors"
	"fmt"
)

// ServiceError carries a stable machine readable code of the form "<operation>.<reason>".
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation scoped error code.
func (e *ServiceError) Code() string {
	return e.code
}

// New builds a ServiceError for the operation and reason, wrapping cause.
func New(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Code extracts the ServiceError code from err, or returns "" when err carries none.
func Code(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
