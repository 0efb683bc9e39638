// Package invoker runs external encoder and metric tools with a wall-clock
// timeout, bounded output capture and artifact verification.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/ratesweep/internal/logging"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/metrics"
)

const (
	// DefaultOutputLimit bounds how much tool output is kept in memory.
	DefaultOutputLimit = 64 * 1024

	diagnosticLimit = 2048
	waitDelay       = 5 * time.Second
)

// Command describes one tool invocation.
type Command struct {
	Name    string // short label for logs and metrics, e.g. "encode"
	Path    string
	Args    []string
	Dir     string
	Timeout time.Duration

	// OutputArtifact, when set, must exist and be non-empty after a zero exit.
	OutputArtifact string
	// LogPath, when set, receives the complete combined output.
	LogPath string
}

// Result is a successful invocation.
type Result struct {
	ExitCode      int
	Output        string // tail of combined stdout and stderr
	Truncated     bool
	Duration      time.Duration
	UserTime      time.Duration
	SystemTime    time.Duration
	ArtifactBytes int64
}

// CPUPercent is process CPU time over wall time.
func (r *Result) CPUPercent() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.UserTime+r.SystemTime) / float64(r.Duration) * 100
}

// Runner runs tools. *Invoker is the production implementation.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Invoker executes commands as child processes.
type Invoker struct {
	logger      *logging.Logger
	outputLimit int
}

// New creates an Invoker. A non-positive outputLimit uses DefaultOutputLimit.
func New(logger *logging.Logger, outputLimit int) *Invoker {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if outputLimit <= 0 {
		outputLimit = DefaultOutputLimit
	}
	return &Invoker{logger: logger, outputLimit: outputLimit}
}

// Run executes c and classifies the outcome. Failures are returned as
// *ToolError; cancellation of ctx itself is returned as ctx's error.
func (i *Invoker) Run(ctx context.Context, c Command) (*Result, error) {
	name := c.Name
	if name == "" {
		name = c.Path
	}

	res, err := i.run(ctx, name, c)

	outcome := "success"
	if te, ok := AsToolError(err); ok {
		outcome = string(te.Kind)
	} else if err != nil {
		outcome = "interrupted"
	}
	exitCode := -1
	var dur time.Duration
	if res != nil {
		exitCode = res.ExitCode
		dur = res.Duration
	}
	metrics.RecordToolInvocation(name, outcome, dur)
	i.logger.LogToolInvocation(name, c.Path, c.Args, exitCode, dur, err)

	if err != nil {
		return nil, err
	}
	return res, nil
}

func (i *Invoker) run(ctx context.Context, name string, c Command) (*Result, error) {
	runCtx := ctx
	cancel := func() {}
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	output := newTailBuffer(i.outputLimit)
	var sink io.Writer = output
	if c.LogPath != "" {
		logFile, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, &ToolError{Kind: KindStartFailed, Tool: name, ExitCode: -1, Err: fmt.Errorf("open output log: %w", err)}
		}
		defer logFile.Close()
		fmt.Fprintf(logFile, "$ %s %s\n", c.Path, strings.Join(c.Args, " "))
		sink = io.MultiWriter(output, logFile)
	}

	cmd := exec.CommandContext(runCtx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ToolError{Kind: KindStartFailed, Tool: name, ExitCode: -1, Err: err}
	}
	waitErr := cmd.Wait()

	res := &Result{
		ExitCode:  -1,
		Output:    output.String(),
		Truncated: output.Truncated(),
		Duration:  time.Since(start),
	}
	if state := cmd.ProcessState; state != nil {
		res.ExitCode = state.ExitCode()
		res.UserTime = state.UserTime()
		res.SystemTime = state.SystemTime()
	}

	if ctx.Err() != nil {
		return res, fmt.Errorf("%s interrupted: %w", name, ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return res, &ToolError{
			Kind:       KindTimeout,
			Tool:       name,
			ExitCode:   res.ExitCode,
			Diagnostic: tail(res.Output, diagnosticLimit),
			Err:        fmt.Errorf("exceeded %s", c.Timeout),
		}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, &ToolError{
				Kind:       KindNonZeroExit,
				Tool:       name,
				ExitCode:   res.ExitCode,
				Diagnostic: tail(res.Output, diagnosticLimit),
			}
		}
		// Output pipes held open past WaitDelay and similar I/O failures.
		return res, &ToolError{
			Kind:       KindNonZeroExit,
			Tool:       name,
			ExitCode:   res.ExitCode,
			Diagnostic: tail(res.Output, diagnosticLimit),
			Err:        waitErr,
		}
	}

	if c.OutputArtifact != "" {
		info, err := os.Stat(c.OutputArtifact)
		switch {
		case err != nil:
			return res, &ToolError{Kind: KindInvalidOutput, Tool: name, Diagnostic: tail(res.Output, diagnosticLimit),
				Err: fmt.Errorf("missing %s", c.OutputArtifact)}
		case info.IsDir() || info.Size() == 0:
			return res, &ToolError{Kind: KindInvalidOutput, Tool: name, Diagnostic: tail(res.Output, diagnosticLimit),
				Err: fmt.Errorf("empty %s", c.OutputArtifact)}
		}
		res.ArtifactBytes = info.Size()
	}

	return res, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
