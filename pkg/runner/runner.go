// Package runner defines the command-execution contract shared by every
// session type: local subprocesses, multiplexed SSH sessions, and compute
// nodes reached through a login node.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
	"github.com/seshdev/sesh-cli/pkg/terminal"
)

// Hide controls which captured output streams are echoed back to the user
// after a command finishes.
type Hide string

const (
	HideNone Hide = ""
	HideOut  Hide = "out"
	HideErr  Hide = "err"
	HideAll  Hide = "all"
)

type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

type RunOptions struct {
	// Input, when non-nil, is piped to the command's stdin.
	Input *string
	// Display echoes "(hostname) $ command" before execution.
	Display bool
	// Warn returns the Result unconditionally on a non-zero exit instead of
	// failing with CommandFailed.
	Warn bool
	Hide Hide
}

type RunOption func(*RunOptions)

func WithInput(input string) RunOption {
	return func(o *RunOptions) { o.Input = &input }
}

func WithDisplay(display bool) RunOption {
	return func(o *RunOptions) { o.Display = display }
}

func WithWarn(warn bool) RunOption {
	return func(o *RunOptions) { o.Warn = warn }
}

func WithHide(hide Hide) RunOption {
	return func(o *RunOptions) { o.Hide = hide }
}

func CollectOptions(opts ...RunOption) RunOptions {
	options := RunOptions{Display: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Runner is the uniform command-execution contract. Run and RunContext must
// yield identical externally observable results for identical inputs;
// RunContext additionally honors cancellation at subprocess boundaries.
type Runner interface {
	Hostname() string
	Run(command string, opts ...RunOption) (Result, error)
	RunContext(ctx context.Context, command string, opts ...RunOption) (Result, error)
}

// Output runs the command and returns its stripped stdout. It is built
// strictly on top of Run, with display off and output hidden by default.
func Output(r Runner, command string, opts ...RunOption) (string, error) {
	return OutputContext(context.Background(), r, command, opts...)
}

func OutputContext(ctx context.Context, r Runner, command string, opts ...RunOption) (string, error) {
	merged := append([]RunOption{WithDisplay(false), WithHide(HideAll)}, opts...)
	result, err := r.RunContext(ctx, command, merged...)
	if err != nil {
		return "", sesherrors.WrapAndTrace(err)
	}
	return strings.TrimSpace(result.Stdout), nil
}

// Executor runs a resolved argv. Sessions hold one so tests can substitute a
// fake and assert on the exact subprocesses that would have been spawned.
type Executor interface {
	Execute(ctx context.Context, argv []string, options RunOptions) (Result, error)
}

type ProcessExecutor struct {
	Term *terminal.Terminal
}

var _ Executor = ProcessExecutor{}

func (p ProcessExecutor) Execute(ctx context.Context, argv []string, options RunOptions) (Result, error) {
	if len(argv) == 0 {
		return Result{}, sesherrors.NewValidationError("no command provided")
	}
	logrus.Debugf("(local) $ %s", strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if options.Input != nil {
		cmd.Stdin = strings.NewReader(*options.Input)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return Result{}, sesherrors.WrapAndTrace(ctx.Err())
	}
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// the process could not be started at all
			return Result{}, sesherrors.WrapAndTrace(runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	result := Result{
		Command:  strings.Join(argv, " "),
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	p.echo(result, options)

	if exitCode != 0 && !options.Warn {
		return result, sesherrors.WrapAndTrace(sesherrors.CommandFailed{
			Command:  result.Command,
			ExitCode: exitCode,
			Stderr:   result.Stderr,
		})
	}
	if exitCode != 0 {
		logrus.Debugf("command %q returned non-zero exit code %d: %s", result.Command, exitCode, result.Stderr)
	}
	return result, nil
}

func (p ProcessExecutor) echo(result Result, options RunOptions) {
	if p.Term == nil {
		return
	}
	if result.Stdout != "" && options.Hide != HideAll && options.Hide != HideOut {
		p.Term.Print(strings.TrimRight(result.Stdout, "\n"))
	}
	if result.Stderr != "" && options.Hide != HideAll && options.Hide != HideErr {
		p.Term.Eprint(strings.TrimRight(result.Stderr, "\n"))
	}
}
