package system

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"cryptowipe/internal/logging"
)

// Command describes one external program invocation. Stdin is passed to the
// process verbatim and never logged.
type Command struct {
	Name  string
	Args  []string
	Stdin []byte
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes external programs. Implementations return a *CommandError
// when the program exits non-zero.
type Runner interface {
	Run(ctx context.Context, cmd Command) (string, error)
}

// CommandError carries the diagnostic output of a failed invocation.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Name, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Diagnostic returns the most useful human-readable text of the failure.
func (e *CommandError) Diagnostic() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.ExitCode)
}

// ExitCodeOf returns the exit status carried by err, or -1.
func ExitCodeOf(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode
	}
	return -1
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Logger *logging.EnterpriseLogger
}

func NewExecRunner(logger *logging.EnterpriseLogger) *ExecRunner {
	return &ExecRunner{Logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (string, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	start := time.Now()
	r.Logger.Log("DEBUG", "Running command", "command", c.String())

	err := cmd.Run()
	if err != nil {
		ce := &CommandError{
			Name:   c.Name,
			Args:   c.Args,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			ce.ExitCode = exitErr.ExitCode()
		} else {
			ce.ExitCode = -1
		}
		r.Logger.Log("DEBUG", "Command failed", "command", c.String(),
			"exit_code", ce.ExitCode, "stderr", ce.Stderr, "duration", time.Since(start))
		return stdout.String(), ce
	}

	r.Logger.Log("DEBUG", "Command finished", "command", c.String(), "duration", time.Since(start))
	return stdout.String(), nil
}
