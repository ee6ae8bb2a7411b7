package runner

import (
	"context"

	"github.com/google/shlex"

	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
	"github.com/seshdev/sesh-cli/pkg/terminal"
)

// LocalHostname is the sentinel hostname reported by LocalRunner.
const LocalHostname = "localhost"

// LocalRunner executes commands as local subprocesses. It has no shared
// resources beyond the OS process table.
type LocalRunner struct {
	term *terminal.Terminal
	exec Executor
}

var _ Runner = &LocalRunner{}

func NewLocalRunner(t *terminal.Terminal) *LocalRunner {
	return &LocalRunner{
		term: t,
		exec: ProcessExecutor{Term: t},
	}
}

// WithExecutor substitutes the subprocess layer, for tests.
func (l *LocalRunner) WithExecutor(executor Executor) *LocalRunner {
	l.exec = executor
	return l
}

func (l *LocalRunner) Hostname() string {
	return LocalHostname
}

func (l *LocalRunner) Run(command string, opts ...RunOption) (Result, error) {
	result, err := l.RunContext(context.Background(), command, opts...)
	if err != nil {
		return result, sesherrors.WrapAndTrace(err)
	}
	return result, nil
}

func (l *LocalRunner) RunContext(ctx context.Context, command string, opts ...RunOption) (Result, error) {
	options := CollectOptions(opts...)
	if options.Display {
		l.term.Command(l.Hostname(), command)
	}
	argv, err := shlex.Split(command)
	if err != nil {
		return Result{}, sesherrors.WrapAndTrace(err)
	}
	result, err := l.exec.Execute(ctx, argv, options)
	if err != nil {
		return result, sesherrors.WrapAndTrace(err)
	}
	return result, nil
}
