package sshconn

import (
	"context"

	"github.com/sirupsen/logrus"

	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
	"github.com/seshdev/sesh-cli/pkg/runner"
	"github.com/seshdev/sesh-cli/pkg/terminal"
)

// RemoteRunner runs commands on a host through an existing control socket.
// Construction is the only point that may trigger an interactive login;
// afterwards every Run shells out through the shared channel and returns
// promptly.
type RemoteRunner struct {
	hostname    string
	controlPath string
	sshOptions  map[string]string
	term        *terminal.Terminal
	exec        runner.Executor
}

var _ runner.Runner = &RemoteRunner{}

type RemoteOption func(*RemoteRunner)

func WithSSHOptions(sshOptions map[string]string) RemoteOption {
	return func(r *RemoteRunner) { r.sshOptions = sshOptions }
}

func WithExecutor(executor runner.Executor) RemoteOption {
	return func(r *RemoteRunner) { r.exec = executor }
}

func NewRemoteRunner(ctx context.Context, t *terminal.Terminal, manager *ConnManager, host string, opts ...RemoteOption) (*RemoteRunner, error) {
	controlPath, err := manager.ControlPath(host)
	if err != nil {
		return nil, sesherrors.WrapAndTrace(err)
	}
	r := &RemoteRunner{
		hostname:    host,
		controlPath: controlPath,
		term:        t,
		exec:        runner.ProcessExecutor{Term: t},
	}
	for _, opt := range opts {
		opt(r)
	}

	if manager.SocketAlive(ctx, host, controlPath) {
		logrus.Debugf("Reusing the existing SSH socket at %s.", controlPath)
	} else {
		logrus.Infof("Creating a reusable connection to %s.", host)
		if err := manager.Establish(ctx, host, controlPath); err != nil {
			return nil, sesherrors.WrapAndTrace(err)
		}
	}
	return r, nil
}

func (r *RemoteRunner) Hostname() string {
	return r.hostname
}

func (r *RemoteRunner) ControlPath() string {
	return r.controlPath
}

// Equal reports whether both runners reuse the same channel: same host,
// same control socket. Two equal runners are interchangeable.
func (r *RemoteRunner) Equal(other *RemoteRunner) bool {
	if other == nil {
		return false
	}
	return r.hostname == other.hostname && r.controlPath == other.controlPath
}

// CommandArgv is the ssh argv that Run would spawn for command. The job
// allocator uses it to start long-lived subprocesses (salloc) that outlive a
// single Run call.
func (r *RemoteRunner) CommandArgv(command string) []string {
	return SSHCommand(r.hostname, r.controlPath, command, r.sshOptions)
}

func (r *RemoteRunner) Run(command string, opts ...runner.RunOption) (runner.Result, error) {
	result, err := r.RunContext(context.Background(), command, opts...)
	if err != nil {
		return result, sesherrors.WrapAndTrace(err)
	}
	return result, nil
}

func (r *RemoteRunner) RunContext(ctx context.Context, command string, opts ...runner.RunOption) (runner.Result, error) {
	options := runner.CollectOptions(opts...)
	if options.Display {
		r.term.Command(r.hostname, command)
	}
	result, err := r.exec.Execute(ctx, r.CommandArgv(command), options)
	if err != nil {
		return result, sesherrors.WrapAndTrace(err)
	}
	return result, nil
}
