package service

import "github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"

// ServiceError is what a failed syscall surfaces: the errno the process
// observes plus a message for logs.
type ServiceError struct {
	Code    int64
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) GetCode() int64 {
	return e.Code
}

func newServiceError(op string, err error) *ServiceError {
	return &ServiceError{
		Code:    kerrors.Errno(err),
		Message: op + ": " + err.Error(),
		Err:     err,
	}
}
