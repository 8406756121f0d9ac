package forge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Command is one external invocation.
type Command struct {
	Label string   // short name used in logs and log file names
	Name  string   // program
	Args  []string // arguments, not including the program
	Dir   string   // working directory of the child
	Env   []string // extra KEY=VALUE pairs appended to the inherited environment
	// LogPath receives combined stdout and stderr. Empty means the terminal.
	LogPath string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// BuildResult is the outcome of a single invocation.
type BuildResult struct {
	Label    string
	ExitCode int
	Duration time.Duration
	LogPath  string
	TimedOut bool
}

// OK reports a zero exit status.
func (r BuildResult) OK() bool { return r.ExitCode == 0 && !r.TimedOut }

// Runner executes commands. A non-zero exit is reported as a *ProcessError
// alongside the result; the runner never aborts the caller on its own.
type Runner interface {
	Run(ctx context.Context, c Command) (BuildResult, error)
}

// Executor runs commands as child processes in their own process group so
// a timeout or cancellation can kill the whole tree.
type Executor struct {
	Timeout time.Duration // per invocation; zero means no limit
	Verbose bool          // echo child output to the terminal as well as the log
	Stdout  io.Writer     // terminal writer; defaults to os.Stdout
}

func NewExecutor(timeout time.Duration, verbose bool) *Executor {
	return &Executor{Timeout: timeout, Verbose: verbose, Stdout: os.Stdout}
}

// Run executes c in c.Dir. The orchestrator's own working directory is
// never changed, so there is nothing to restore on any exit path.
func (e *Executor) Run(ctx context.Context, c Command) (BuildResult, error) {
	res := BuildResult{Label: c.Label, LogPath: c.LogPath}
	if res.Label == "" {
		res.Label = filepath.Base(c.Name)
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	// --- Phase 0: wire up output ---
	term := e.Stdout
	if term == nil {
		term = os.Stdout
	}
	var out io.Writer = term
	if c.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(c.LogPath), 0o755); err != nil {
			return res, fmt.Errorf("failed to create log dir: %w", err)
		}
		logFile, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return res, fmt.Errorf("failed to open log %s: %w", c.LogPath, err)
		}
		defer logFile.Close()
		fmt.Fprintf(logFile, "# [%s] %s\n", c.Dir, c.String())
		out = logFile
		if e.Verbose {
			out = io.MultiWriter(logFile, term)
		}
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Running [%s] ", c.Dir)
	fmt.Println(c.String())

	// --- Phase 1: build the invocation ---
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = nil
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// --- Phase 2: start and watch for cancel or timeout ---
	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.ExitCode = 127
		res.Duration = time.Since(start)
		return res, &ProcessError{Result: res, Err: fmt.Errorf("failed to start command: %w", err)}
	}
	pgid := cmd.Process.Pid

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = unix.Kill(-pgid, unix.SIGKILL)
		case <-done:
		}
	}()

	// --- Phase 3: wait and classify ---
	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	if waitErr == nil {
		return res, nil
	}

	res.ExitCode = 1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ExitCode() > 0 {
		res.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.TimedOut = errors.Is(ctxErr, context.DeadlineExceeded)
		return res, &ProcessError{Result: res, Err: fmt.Errorf("command aborted: %w", ctxErr)}
	}
	colError.Printf("%s failed with status %d\n", res.Label, res.ExitCode)
	return res, &ProcessError{Result: res, Err: waitErr}
}

// captureOutput runs a short command and returns its trimmed stdout.
// Used for probes where the output itself is the answer.
func captureOutput(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stderr = io.Discard
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
