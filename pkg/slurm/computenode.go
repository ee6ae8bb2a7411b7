package slurm

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/alessio/shellescape"
	"github.com/sirupsen/logrus"

	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
	"github.com/seshdev/sesh-cli/pkg/runner"
	"github.com/seshdev/sesh-cli/pkg/terminal"
)

// AllocProcess is a live `salloc` subprocess owned by a ComputeNode. Exiting
// it gracefully lets the scheduler reclaim the allocation naturally.
type AllocProcess interface {
	Stderr() io.Reader
	ExitGracefully(ctx context.Context) error
	Terminate() error
}

// ComputeNode runs commands on an allocated compute node by issuing
// `srun --overlap --jobid <id>` through the login node's session.
//
// Concurrent Run calls against one ComputeNode are not ordered relative to
// each other; each spawns an independent overlapping job step.
type ComputeNode struct {
	jobID    int
	login    runner.Runner
	hostname string
	term     *terminal.Terminal
	salloc   AllocProcess

	mu     sync.Mutex
	closed bool
}

var _ runner.Runner = &ComputeNode{}

type ComputeNodeOption func(*ComputeNode)

// WithAllocProcess hands ownership of the salloc subprocess to the session;
// Close then ends the allocation by exiting that subprocess instead of
// calling scancel.
func WithAllocProcess(proc AllocProcess) ComputeNodeOption {
	return func(c *ComputeNode) { c.salloc = proc }
}

// NewComputeNode attaches to job jobID through login. The compute node's
// hostname is resolved once, from the node name the scheduler reports.
func NewComputeNode(ctx context.Context, t *terminal.Terminal, login runner.Runner, jobID int, opts ...ComputeNodeOption) (*ComputeNode, error) {
	c := &ComputeNode{
		jobID: jobID,
		login: login,
		term:  t,
	}
	for _, opt := range opts {
		opt(c)
	}

	srunCommand, input := c.srunCommand("echo $SLURMD_NODENAME")
	var outputOpts []runner.RunOption
	if input != nil {
		outputOpts = append(outputOpts, runner.WithInput(*input))
	}
	hostname, err := runner.OutputContext(ctx, login, srunCommand, outputOpts...)
	if err != nil {
		return nil, sesherrors.WrapAndTrace(err)
	}
	c.hostname = hostname

	if c.salloc != nil {
		// Last-resort safety net only; Close is the real cleanup path.
		runtime.SetFinalizer(c, finalizeComputeNode)
	}
	return c, nil
}

func (c *ComputeNode) JobID() int {
	return c.jobID
}

func (c *ComputeNode) Hostname() string {
	return c.hostname
}

// srunCommand translates command into the job step to run from the login
// node. Commands that would not survive single-argument shell quoting are
// piped to an interactive bash instead of being re-escaped.
func (c *ComputeNode) srunCommand(command string) (string, *string) {
	remoteCommand := command
	var input *string
	if shellescape.Quote(command) != command {
		remoteCommand = "bash"
		stdin := command + "\n"
		input = &stdin
	}
	return fmt.Sprintf("srun --ntasks=1 --overlap --quiet --jobid %d %s", c.jobID, remoteCommand), input
}

func (c *ComputeNode) guardOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return sesherrors.WrapAndTrace(sesherrors.JobNotRunningError{JobID: c.jobID})
	}
	return nil
}

func (c *ComputeNode) Run(command string, opts ...runner.RunOption) (runner.Result, error) {
	result, err := c.RunContext(context.Background(), command, opts...)
	if err != nil {
		return result, sesherrors.WrapAndTrace(err)
	}
	return result, nil
}

func (c *ComputeNode) RunContext(ctx context.Context, command string, opts ...runner.RunOption) (runner.Result, error) {
	// The guard keeps srun from ever being issued against a job id the
	// scheduler has already reclaimed.
	if err := c.guardOpen(); err != nil {
		return runner.Result{}, err
	}
	options := runner.CollectOptions(opts...)
	if options.Display {
		// Show the compute node's hostname even though the subprocess
		// actually targets the login node.
		c.term.Command(c.hostname, command)
	}

	srunCommand, input := c.srunCommand(command)
	forwarded := []runner.RunOption{
		runner.WithDisplay(false),
		runner.WithWarn(options.Warn),
		runner.WithHide(options.Hide),
	}
	if input != nil {
		if options.Input != nil {
			return runner.Result{}, sesherrors.NewValidationError(
				"cannot pass stdin input to a command that itself needs shell quoting")
		}
		forwarded = append(forwarded, runner.WithInput(*input))
	} else if options.Input != nil {
		forwarded = append(forwarded, runner.WithInput(*options.Input))
	}

	result, err := c.login.RunContext(ctx, srunCommand, forwarded...)
	if err != nil {
		return result, sesherrors.WrapAndTrace(err)
	}
	return result, nil
}

// Close ends the job. Closing twice is a no-op with a warning. Sessions
// created from salloc exit the allocation subprocess gracefully; sessions
// attached to an sbatch or pre-existing job cancel it through the scheduler.
func (c *ComputeNode) Close() error {
	return c.CloseContext(context.Background())
}

func (c *ComputeNode) CloseContext(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		logrus.Warnf("Job %d has already been closed.", c.jobID)
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	runtime.SetFinalizer(c, nil)

	logrus.Infof("Stopping job %d.", c.jobID)
	if c.salloc != nil {
		if err := c.salloc.ExitGracefully(ctx); err != nil {
			return sesherrors.WrapAndTrace(err)
		}
		return nil
	}
	_, err := c.login.RunContext(ctx, fmt.Sprintf("scancel %d", c.jobID), runner.WithWarn(true))
	if err != nil {
		return sesherrors.WrapAndTrace(err)
	}
	return nil
}

func finalizeComputeNode(c *ComputeNode) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.salloc == nil {
		return
	}
	logrus.Warnf("Compute node session for job %d was discarded without being closed! Terminating the allocation.", c.jobID)
	_ = c.salloc.Terminate()
}
