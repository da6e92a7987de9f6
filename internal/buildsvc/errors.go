package buildsvc

import (
	"errors"
	"fmt"
)

// ErrBuildNotFound indicates the build service has no record of the build.
var ErrBuildNotFound = errors.New("build not found")

// TriggerError is returned when the build service rejects a trigger request.
// It carries the upstream status for pass-through to API callers.
type TriggerError struct {
	StatusCode int
	Message    string
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("build trigger rejected (%d): %s", e.StatusCode, e.Message)
}

// ServiceError covers other build service failures.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("build service error (%d): %s", e.StatusCode, e.Message)
}
