// Package commands wraps the side effects of signing: running external
// tools, copying and moving files, and scoped temporary resources.
package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Cmd is an external command invocation.
type Cmd struct {
	Args []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner runs external commands. A command that exits non-zero yields an
// *ExitError; other errors mean the command could not be started.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (Result, error)
}

// ExitError is returned when a command exits with a non-zero status. It
// carries the tool's output so callers can show its diagnostics.
type ExitError struct {
	Args   []string
	Result Result
}

func (e *ExitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: exit status %d", strings.Join(RedactArgs(e.Args), " "), e.Result.ExitCode)
	if out := strings.TrimSpace(string(e.Result.Stdout)); out != "" {
		fmt.Fprintf(&b, "\nstdout: %s", out)
	}
	if out := strings.TrimSpace(string(e.Result.Stderr)); out != "" {
		fmt.Fprintf(&b, "\nstderr: %s", out)
	}
	return b.String()
}

// ExitCode returns the exit status carried by err, if err is or wraps an
// *ExitError.
func ExitCode(err error) (int, bool) {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Result.ExitCode, true
	}
	return 0, false
}

// secretFlags are flags whose following argument must not be logged.
var secretFlags = map[string]bool{
	"--password": true,
}

// RedactArgs returns a copy of args with secret flag values masked.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		if secretFlags[out[i]] {
			out[i+1] = "********"
			i++
		}
	}
	return out
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, cmd Cmd) (Result, error) {
	if len(cmd.Args) == 0 {
		return Result{}, errors.New("empty command")
	}
	log.Debugf("Running: %s", strings.Join(RedactArgs(cmd.Args), " "))

	c := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	c.Dir = cmd.Dir
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = ee.ExitCode()
			return res, &ExitError{Args: cmd.Args, Result: res}
		}
		return res, fmt.Errorf("failed to run %s: %w", cmd.Args[0], err)
	}
	return res, nil
}

// RunCommand runs args and discards the output on success.
func RunCommand(ctx context.Context, r Runner, args ...string) error {
	_, err := r.Run(ctx, Cmd{Args: args})
	return err
}

// RunCommandOutput runs args and returns its standard output.
func RunCommandOutput(ctx context.Context, r Runner, args ...string) ([]byte, error) {
	res, err := r.Run(ctx, Cmd{Args: args})
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}
