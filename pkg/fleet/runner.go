package fleet

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandError is returned when a command exits with a non-zero status
type CommandError struct {
	Command  string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no stderr output"
	}
	return fmt.Sprintf("%s %s: exit code %d: %s", e.Command, strings.Join(e.Args, " "), e.ExitCode, msg)
}

// Commander runs fleet CLI commands. Runner is the production
// implementation; tests substitute scripted fakes.
type Commander interface {
	// RunCommand runs name with args and returns stdout on exit code 0
	RunCommand(ctx context.Context, name string, args ...string) (string, error)

	// RunCommandWithInput is RunCommand with input piped to stdin
	RunCommandWithInput(ctx context.Context, name string, input []byte, args ...string) (string, error)

	// StreamEvents runs a long-lived command and calls onLine for every
	// non-empty stdout line until ctx is cancelled
	StreamEvents(ctx context.Context, name string, args []string, onLine func(line string) error, onError func(err error))
}

// Runner executes commands on the local host
type Runner struct {
	// RestartDelay is the pause before a stream process is restarted
	RestartDelay time.Duration
}

// NewRunner creates a runner with a one second stream restart delay
func NewRunner() *Runner {
	return &Runner{RestartDelay: time.Second}
}

// RunCommand runs name with args and buffers stdout
func (r *Runner) RunCommand(ctx context.Context, name string, args ...string) (string, error) {
	return r.RunCommandWithInput(ctx, name, nil, args...)
}

// RunCommandWithInput runs name with args, writing input to stdin
func (r *Runner) RunCommandWithInput(ctx context.Context, name string, input []byte, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		stderrText := stderr.String()
		if stderrText == "" {
			stderrText = err.Error()
		}
		return stdout.String(), &CommandError{
			Command:  name,
			Args:     args,
			ExitCode: exitCode,
			Stderr:   stderrText,
		}
	}

	return stdout.String(), nil
}

// StreamEvents blocks until ctx is cancelled. The process is restarted
// after it exits, so a line may be delivered again after a restart.
// Errors returned or panics raised by onLine are passed to onError and do
// not stop the stream.
func (r *Runner) StreamEvents(ctx context.Context, name string, args []string, onLine func(line string) error, onError func(err error)) {
	for {
		if err := r.streamOnce(ctx, name, args, onLine, onError); err != nil && ctx.Err() == nil {
			onError(err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.RestartDelay):
		}
	}
}

func (r *Runner) streamOnce(ctx context.Context, name string, args []string, onLine func(string) error, onError func(error)) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout of %s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}

	// Killing the process leaves the pipe open while its children live
	stop := context.AfterFunc(ctx, func() { stdout.Close() })
	defer stop()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := safeCall(onLine, line); err != nil {
			onError(err)
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if scanErr != nil {
		return fmt.Errorf("failed to read %s output: %w", name, scanErr)
	}
	if waitErr != nil {
		return fmt.Errorf("%s exited: %w: %s", name, waitErr, strings.TrimSpace(stderr.String()))
	}
	return fmt.Errorf("%s exited", name)
}

func safeCall(fn func(string) error, line string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("line handler panicked: %v", rec)
		}
	}()
	return fn(line)
}
