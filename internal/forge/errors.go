package forge

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Failure kinds. Every error the pipeline returns wraps exactly one of these.
var (
	ErrConfig              = errors.New("invalid configuration")
	ErrWorkspaceAllocation = errors.New("workspace allocation failed")
	ErrToolchainMissing    = errors.New("toolchain missing")
	ErrConfigureFailed     = errors.New("configure failed")
	ErrUnexpectedBuild     = errors.New("unexpected build error")
	ErrMissingArtifact     = errors.New("missing artifact")
	ErrStaleArtifact       = errors.New("stale generator artifact")
	ErrCompression         = errors.New("compression failed")
	ErrPublish             = errors.New("publish failed")
	ErrSmokeTest           = errors.New("smoke test failed")
)

// PipelineError carries a failure kind, the stage that raised it, and the cause.
type PipelineError struct {
	Kind  error
	Stage string
	Msg   string
	Err   error
}

func (e *PipelineError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PipelineError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func failf(kind error, stage string, cause error, format string, a ...any) error {
	return &PipelineError{Kind: kind, Stage: stage, Msg: fmt.Sprintf(format, a...), Err: cause}
}

// ProcessError reports a child process that exited non-zero or could not start.
// The Process Runner returns it without aborting; callers classify it.
type ProcessError struct {
	Result BuildResult
	Err    error
}

func (e *ProcessError) Error() string {
	if e.Result.TimedOut {
		return fmt.Sprintf("%s timed out after %s (log: %s)", e.Result.Label, e.Result.Duration.Round(time.Second), e.Result.LogPath)
	}
	return fmt.Sprintf("%s exited with status %d (log: %s)", e.Result.Label, e.Result.ExitCode, e.Result.LogPath)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Severity orders failure kinds for the run report.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityDegraded
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityDegraded:
		return "degraded"
	case SeverityFatal:
		return "fatal"
	default:
		return "ok"
	}
}

// SeverityOf classifies err. Compression failures degrade the result;
// everything else aborts the pipeline.
func SeverityOf(err error) Severity {
	switch {
	case err == nil:
		return SeverityNone
	case errors.Is(err, ErrCompression):
		return SeverityDegraded
	default:
		return SeverityFatal
	}
}

// Exit statuses.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfig      = 2
	ExitSetup       = 3
	ExitWorkspace   = 4
	ExitArtifact    = 5
	ExitBuild       = 6
	ExitPublish     = 7
	ExitInterrupted = 130
)

// ExitCode maps the worst failure of a run to a process exit status.
func ExitCode(err error) int {
	if SeverityOf(err) < SeverityFatal {
		return ExitOK
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.Is(err, ErrConfig):
		return ExitConfig
	case errors.Is(err, ErrToolchainMissing), errors.Is(err, ErrConfigureFailed):
		return ExitSetup
	case errors.Is(err, ErrWorkspaceAllocation):
		return ExitWorkspace
	case errors.Is(err, ErrMissingArtifact), errors.Is(err, ErrStaleArtifact):
		return ExitArtifact
	case errors.Is(err, ErrUnexpectedBuild):
		return ExitBuild
	case errors.Is(err, ErrPublish), errors.Is(err, ErrSmokeTest):
		return ExitPublish
	default:
		return ExitFailure
	}
}
