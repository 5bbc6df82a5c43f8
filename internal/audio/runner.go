package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// Runner executes an external tool and returns its stdout.
// Implementations must return a non-nil error for a non-zero exit.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandError describes a failed subprocess.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

// Error implements the error interface
func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Name, e.ExitCode)
	if e.Err != nil && e.ExitCode < 0 {
		msg = fmt.Sprintf("%s failed: %v", e.Name, e.Err)
	}
	if s := lastLines(e.Stderr, 5); s != "" {
		msg += "\nstderr: " + s
	}
	return msg
}

// Unwrap returns the underlying error
func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs tools with os/exec. A timeout is applied when the
// context has no deadline.
type ExecRunner struct {
	defaultTimeout time.Duration
}

// NewExecRunner creates a runner with the given default timeout.
func NewExecRunner(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &ExecRunner{defaultTimeout: timeout}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.defaultTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &CommandError{Name: name, Args: args, ExitCode: -1, Stderr: stderr.String(),
				Err: fmt.Errorf("timed out after %v", r.defaultTimeout)}
		}
		return nil, &CommandError{Name: name, Args: args, ExitCode: -1, Err: ctx.Err()}
	}
	if err != nil {
		code := -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		}
		return nil, &CommandError{Name: name, Args: args, ExitCode: code, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

// Tool is a configured command line, such as "ffmpeg" or
// "nice -n 10 /opt/ffmpeg/bin/ffmpeg".
type Tool struct {
	Path string
	Args []string
}

// ParseTool splits a configured command with shell quoting rules.
func ParseTool(command string) (Tool, error) {
	words, err := shellwords.Parse(command)
	if err != nil {
		return Tool{}, fmt.Errorf("invalid command %q: %w", command, err)
	}
	if len(words) == 0 {
		return Tool{}, fmt.Errorf("empty command")
	}
	return Tool{Path: words[0], Args: words[1:]}, nil
}

// MustTool is ParseTool for constants.
func MustTool(command string) Tool {
	t, err := ParseTool(command)
	if err != nil {
		panic(err)
	}
	return t
}

func (t Tool) run(ctx context.Context, r Runner, args ...string) ([]byte, error) {
	full := make([]string, 0, len(t.Args)+len(args))
	full = append(full, t.Args...)
	full = append(full, args...)
	return r.Run(ctx, t.Path, full...)
}

// String returns the command line.
func (t Tool) String() string {
	return strings.Join(append([]string{t.Path}, t.Args...), " ")
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
