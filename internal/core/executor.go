package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Command is one external process invocation.
type Command struct {
	Args    []string
	Dir     string
	Env     []string // appended to the current environment
	Timeout time.Duration
}

func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Shell wraps a command line in `sh -c`.
func Shell(line string) Command {
	return Command{Args: []string{"sh", "-c", line}}
}

// CommandOutput holds what a finished process wrote and how it exited.
type CommandOutput struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (o CommandOutput) Combined() string {
	return string(o.Stdout) + string(o.Stderr)
}

// CommandRunner runs external commands. The error is reserved for processes
// that could not run or timed out; a non-zero exit is reported through
// ExitCode.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandOutput, error)
}

// Executor runs commands on the local machine.
type Executor struct {
	DefaultTimeout time.Duration
}

func NewExecutor() *Executor {
	return &Executor{DefaultTimeout: 5 * time.Minute}
}

// Run executes cmd and waits for it.
func (e *Executor) Run(ctx context.Context, c Command) (CommandOutput, error) {
	if len(c.Args) == 0 {
		return CommandOutput{}, errors.New("empty command")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := CommandOutput{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if ctx.Err() != nil {
		return out, fmt.Errorf("%s: %w", c, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("%s: %w", c, err)
	}
	return out, nil
}
