package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/reframe/reframe-render/internal/keyframe"
	"github.com/reframe/reframe-render/internal/planner"
	"github.com/reframe/reframe-render/internal/timeline"
)

var (
	ErrNotFound               = errors.New("job not found")
	ErrConflictingJobInFlight = errors.New("conflicting job in flight")
	ErrJobTimeout             = errors.New("job exceeded its time limit")
	ErrCancelRequested        = errors.New("job cancelled")
	ErrInvalidResourceKey     = errors.New("resource key is required")
)

// ConflictError carries the id of the job already holding the resource key.
type ConflictError struct {
	ResourceKey string
	JobID       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: resource %q has job %s", ErrConflictingJobInFlight, e.ResourceKey, e.JobID)
}

func (e *ConflictError) Unwrap() error { return ErrConflictingJobInFlight }

// ConfigurationError rejects a submission before anything is persisted.
type ConfigurationError struct {
	Code string
	Err  error
}

func (e *ConfigurationError) Error() string { return e.Err.Error() }

func (e *ConfigurationError) Unwrap() error { return e.Err }

func newConfigurationError(err error) *ConfigurationError {
	return &ConfigurationError{Code: ConfigurationCode(err), Err: err}
}

// ConfigurationCode maps a validation failure to its API error code.
func ConfigurationCode(err error) string {
	switch {
	case errors.Is(err, keyframe.ErrNoKeyframes):
		return "NO_KEYFRAMES"
	case errors.Is(err, keyframe.ErrInvalidEasing):
		return "INVALID_EASING"
	case errors.Is(err, keyframe.ErrInvalidKeyframe):
		return "INVALID_KEYFRAME"
	case errors.Is(err, timeline.ErrInvalidRegions):
		return "INVALID_SPEED_REGIONS"
	case errors.Is(err, planner.ErrDegenerateCrop):
		return "DEGENERATE_CROP"
	case errors.Is(err, planner.ErrInvalidSource):
		return "INVALID_SOURCE"
	case errors.Is(err, planner.ErrInvalidOutput):
		return "INVALID_OUTPUT"
	case errors.Is(err, ErrInvalidResourceKey):
		return "INVALID_RESOURCE_KEY"
	}
	return "INVALID_CONFIGURATION"
}

// JobError tags an executor failure with the kind recorded on the job.
type JobError struct {
	Kind ErrorKind
	Err  error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

func NewJobError(kind ErrorKind, err error) *JobError {
	return &JobError{Kind: kind, Err: err}
}

// KindOf classifies an executor error.
func KindOf(err error) ErrorKind {
	var je *JobError
	switch {
	case errors.As(err, &je):
		return je.Kind
	case errors.Is(err, ErrJobTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, planner.ErrDegenerateCrop), errors.Is(err, timeline.ErrInvalidRegions):
		return ErrorKindConfiguration
	}
	return ErrorKindInternal
}

// MessageOf returns the message stored with the job, without the kind prefix
// JobError adds.
func MessageOf(err error) string {
	var je *JobError
	if errors.As(err, &je) && je.Err != nil {
		return je.Err.Error()
	}
	return err.Error()
}
