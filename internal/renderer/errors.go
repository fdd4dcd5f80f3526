package renderer

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

var (
	ErrBinaryNotFound = errors.New("renderer binary not found")
	ErrDiskFull       = errors.New("no space left on device")
	ErrInvalidMedia   = errors.New("invalid media")
)

type ErrorClass int

const (
	// Transient failures may succeed on a retry of the same frame or encode.
	Transient ErrorClass = iota
	// Fatal failures abort the whole job.
	Fatal
)

func (c ErrorClass) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "transient"
}

// Error is a classified renderer failure.
type Error struct {
	Class      ErrorClass
	Op         string
	Err        error
	StderrTail string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s failed (%s): %v", e.Op, e.Class, e.Err)
	if e.StderrTail != "" {
		msg += ": " + truncate(strings.TrimSpace(e.StderrTail), 512)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying with the same input.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Class == Transient
	}
	return false
}

// fatalMarkers are stderr fragments for failures no retry can fix.
var fatalMarkers = []string{
	"No space left on device",
	"Invalid data found when processing input",
	"Unknown encoder",
	"Encoder not found",
	"Unrecognized option",
	"No such file or directory",
	"does not contain any stream",
	"Permission denied",
}

// classify turns a finished subprocess into an error, or nil on success.
func classify(op string, res RunResult) error {
	if res.IsSuccess() {
		return nil
	}

	if res.Err != nil {
		switch {
		case errors.Is(res.Err, context.Canceled), errors.Is(res.Err, context.DeadlineExceeded):
			return res.Err
		case errors.Is(res.Err, exec.ErrNotFound):
			return &Error{Class: Fatal, Op: op, Err: fmt.Errorf("%w: %v", ErrBinaryNotFound, res.Err)}
		case errors.Is(res.Err, syscall.ENOSPC):
			return &Error{Class: Fatal, Op: op, Err: ErrDiskFull}
		}
	}

	for _, marker := range fatalMarkers {
		if strings.Contains(res.StderrTail, marker) {
			err := fmt.Errorf("exit status %d", res.ExitCode)
			if marker == "No space left on device" {
				err = ErrDiskFull
			}
			return &Error{Class: Fatal, Op: op, Err: err, StderrTail: res.StderrTail}
		}
	}

	err := res.Err
	if err == nil {
		err = fmt.Errorf("exit status %d", res.ExitCode)
	}
	return &Error{Class: Transient, Op: op, Err: err, StderrTail: res.StderrTail}
}
