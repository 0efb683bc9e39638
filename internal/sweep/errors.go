package sweep

import (
	"errors"
	"fmt"

	"github.com/therealutkarshpriyadarshi/ratesweep/internal/invoker"
)

// ErrReportNotReady is returned when a report is requested for a job that
// has not completed.
var ErrReportNotReady = errors.New("report not ready")

// Subtask stages, as they appear in error messages and subtask log entries.
const (
	StageEncode  = "encode"
	StageInspect = "inspect"
	StageMetric  = "metric"
	StageParse   = "parse"
)

// SubtaskError is a failure of one parameter value. Its message becomes the
// job's error message.
type SubtaskError struct {
	Value  int
	Stage  string
	Metric string // set for metric and parse stages; "ffprobe" for stream info
	Err    error
}

func (e *SubtaskError) Error() string {
	stage := e.Stage
	if e.Metric != "" {
		stage = fmt.Sprintf("%s %s", e.Metric, e.Stage)
	}
	return fmt.Sprintf("parameter %d: %s failed: %v", e.Value, stage, e.Err)
}

func (e *SubtaskError) Unwrap() error {
	return e.Err
}

// Diagnostic returns the captured tool output behind the failure, if any.
func (e *SubtaskError) Diagnostic() string {
	if te, ok := invoker.AsToolError(e.Err); ok {
		return te.Diagnostic
	}
	return ""
}
