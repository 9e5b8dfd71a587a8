// Package surgeerrors contains the error types shared across the
// orchestration core. Handlers at the API boundary look for these types to
// choose a response code; everything else is reported as an internal error.
//
// If multiple errors occur in some function (e.g., cleanup of several cluster
// resources), that function should return an error of type multierror.Error
// from package github.com/hashicorp/go-multierror that encapsulates those
// individual errors.
package surgeerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is returned whenever some resource isn't found or isn't owned
// by the caller. Resources reported as not found are never cleaned up, just
// reported.
type ErrNotFound struct {
	Type    string // Resource type, e.g., "scenario" or "scheduler"
	Value   string // Resource id
	Message string // An optional message to include in the error message
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q not found", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q not found", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// IsNotFound reports whether err is an ErrNotFound, unwrapping as needed.
func IsNotFound(err error) bool {
	var notFound *ErrNotFound
	return errors.As(err, &notFound)
}

// ErrJobNotReady indicates the pod backing a run's job never became ready
// within the retry budget. Fatal to that run.
type ErrJobNotReady struct {
	JobName  string
	Attempts int
}

func (err *ErrJobNotReady) Error() string {
	return fmt.Sprintf("pod for job %s not ready after %d attempts", err.JobName, err.Attempts)
}

// ErrTelemetryTimeout indicates the telemetry store produced no data within
// the retry budget. Fatal to that run.
type ErrTelemetryTimeout struct {
	RunId     string
	Operation string
}

func (err *ErrTelemetryTimeout) Error() string {
	return fmt.Sprintf("telemetry %s for run %s: retry budget exhausted with no data", err.Operation, err.RunId)
}

// ErrClusterOperationFailed wraps cluster API errors not otherwise
// classified.
type ErrClusterOperationFailed struct {
	Operation string // e.g., "create job" or "delete configmap"
	Resource  string
	Err       error
}

func (err *ErrClusterOperationFailed) Error() string {
	return fmt.Sprintf("cluster operation %q on %s failed: %v", err.Operation, err.Resource, err.Err)
}

func (err *ErrClusterOperationFailed) Unwrap() error {
	return err.Err
}
