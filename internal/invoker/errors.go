package invoker

import (
	"errors"
	"fmt"
)

// Kind classifies a failed tool invocation.
type Kind string

const (
	KindStartFailed   Kind = "start_failed"
	KindTimeout       Kind = "timeout"
	KindNonZeroExit   Kind = "non_zero_exit"
	KindInvalidOutput Kind = "invalid_output"
)

var (
	ErrStartFailed   = errors.New("tool failed to start")
	ErrTimeout       = errors.New("tool timed out")
	ErrNonZeroExit   = errors.New("tool exited with non-zero status")
	ErrInvalidOutput = errors.New("tool produced no usable output")
)

// ToolError describes why an invocation did not produce a result.
type ToolError struct {
	Kind       Kind
	Tool       string
	ExitCode   int
	Diagnostic string // tail of the tool's output
	Err        error
}

func (e *ToolError) Error() string {
	var msg string
	switch e.Kind {
	case KindTimeout:
		msg = fmt.Sprintf("%s timed out", e.Tool)
	case KindNonZeroExit:
		msg = fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
	case KindInvalidOutput:
		msg = fmt.Sprintf("%s produced no usable output", e.Tool)
	default:
		msg = fmt.Sprintf("%s failed to start", e.Tool)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Diagnostic != "" {
		msg += ", output: " + e.Diagnostic
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *ToolError) Is(target error) bool {
	switch e.Kind {
	case KindStartFailed:
		return target == ErrStartFailed
	case KindTimeout:
		return target == ErrTimeout
	case KindNonZeroExit:
		return target == ErrNonZeroExit
	case KindInvalidOutput:
		return target == ErrInvalidOutput
	}
	return false
}

// AsToolError extracts a ToolError from err's chain.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
