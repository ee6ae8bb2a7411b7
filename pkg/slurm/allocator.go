package slurm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alessio/shellescape"
	"github.com/sirupsen/logrus"

	"github.com/seshdev/sesh-cli/pkg/collections"
	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
	"github.com/seshdev/sesh-cli/pkg/runner"
	"github.com/seshdev/sesh-cli/pkg/terminal"
)

// LoginNode is the session commands are submitted through. The allocator
// needs the raw ssh argv on top of the Runner contract so the salloc
// subprocess can outlive a single Run call.
type LoginNode interface {
	runner.Runner
	CommandArgv(command string) []string
}

// Allocator submits scheduler jobs and turns them into ComputeNode sessions.
type Allocator struct {
	term         *terminal.Terminal
	spawn        func(argv []string) (AllocProcess, error)
	initialDelay time.Duration
	maxDelay     time.Duration
}

func NewAllocator(t *terminal.Terminal) *Allocator {
	return &Allocator{
		term:         t,
		spawn:        startSallocSubprocess,
		initialDelay: time.Second,
		maxDelay:     30 * time.Second,
	}
}

// WithSpawner substitutes the salloc subprocess layer, for tests.
func (a *Allocator) WithSpawner(spawn func(argv []string) (AllocProcess, error)) *Allocator {
	a.spawn = spawn
	return a
}

// WithBackoff overrides the pending-state polling delays, for tests.
func (a *Allocator) WithBackoff(initial, max time.Duration) *Allocator {
	a.initialDelay = initial
	a.maxDelay = max
	return a
}

// Salloc submits an interactive allocation as a background subprocess and
// waits until the job leaves PENDING. The subprocess keeps all three stdio
// streams piped: if stdin were attached to a live terminal, typing into it
// could trigger a nested allocation.
func (a *Allocator) Salloc(ctx context.Context, login LoginNode, sallocFlags []string, jobName string) (*ComputeNode, error) {
	parts := append([]string{"salloc"}, withJobName(sallocFlags, jobName)...)
	sallocCommand := shellescape.QuoteCommand(parts)

	jobsBefore, err := a.queuedJobIDs(ctx, login, jobName)
	if err != nil {
		return nil, sesherrors.WrapAndTrace(err)
	}

	a.term.Command(login.Hostname(), sallocCommand)
	proc, err := a.spawn(login.CommandArgv(sallocCommand))
	if err != nil {
		return nil, sesherrors.WrapAndTrace(err)
	}

	jobID, err := a.scanSallocJobID(ctx, proc)
	if err != nil {
		_ = proc.Terminate()
		if ctx.Err() != nil {
			// Interrupted before the job id was known: cancel exactly the
			// jobs that appeared since the snapshot.
			a.cancelNewJobs(login, jobName, jobsBefore)
		}
		return nil, sesherrors.WrapAndTrace(err)
	}

	if _, _, err := a.WaitNotPending(ctx, login, jobID); err != nil {
		a.scancel(login, jobID)
		_ = proc.Terminate()
		return nil, sesherrors.WrapAndTrace(err)
	}

	node, err := NewComputeNode(ctx, a.term, login, jobID, WithAllocProcess(proc))
	if err != nil {
		a.scancel(login, jobID)
		_ = proc.Terminate()
		return nil, sesherrors.WrapAndTrace(err)
	}
	return node, nil
}

// Sbatch submits a placeholder sleep job through batch submission and
// attaches to it once it starts.
func (a *Allocator) Sbatch(ctx context.Context, login LoginNode, sbatchFlags []string, jobName string) (*ComputeNode, error) {
	parts := append([]string{"sbatch", "--parsable"}, withJobName(sbatchFlags, jobName)...)
	parts = append(parts, "--wrap", "srun sleep 7d")
	sbatchCommand := shellescape.QuoteCommand(parts)

	jobsBefore, err := a.queuedJobIDs(ctx, login, jobName)
	if err != nil {
		return nil, sesherrors.WrapAndTrace(err)
	}

	stdout, err := runner.OutputContext(ctx, login, sbatchCommand, runner.WithDisplay(true), runner.WithHide(runner.HideNone))
	if err != nil {
		if ctx.Err() != nil {
			a.cancelNewJobs(login, jobName, jobsBefore)
		}
		return nil, sesherrors.WrapAndTrace(err)
	}
	jobID, err := ParseSbatchJobID(stdout)
	if err != nil {
		return nil, sesherrors.WrapAndTrace(err)
	}

	if _, _, err := a.WaitNotPending(ctx, login, jobID); err != nil {
		a.scancel(login, jobID)
		return nil, sesherrors.WrapAndTrace(err)
	}

	node, err := NewComputeNode(ctx, a.term, login, jobID)
	if err != nil {
		a.scancel(login, jobID)
		return nil, sesherrors.WrapAndTrace(err)
	}
	return node, nil
}

// Connect attaches to a running job by numeric id or by compute-node name.
func (a *Allocator) Connect(ctx context.Context, login LoginNode, jobIDOrNodeName string) (*ComputeNode, error) {
	ref := strings.TrimSpace(jobIDOrNodeName)
	if jobID, convErr := strconv.Atoi(ref); convErr == nil {
		if _, _, err := a.WaitNotPending(ctx, login, jobID); err != nil {
			return nil, sesherrors.WrapAndTrace(err)
		}
		node, err := NewComputeNode(ctx, a.term, login, jobID)
		if err != nil {
			return nil, sesherrors.WrapAndTrace(err)
		}
		return node, nil
	}

	stdout, err := runner.OutputContext(ctx, login, fmt.Sprintf("squeue --me --node %s --noheader --format=%%A", ref))
	if err != nil {
		return nil, sesherrors.WrapAndTrace(err)
	}
	jobIDs, err := ParseSqueueJobIDs(stdout)
	if err != nil {
		return nil, sesherrors.WrapAndTrace(err)
	}
	if len(jobIDs) == 0 {
		return nil, sesherrors.NewValidationError(fmt.Sprintf(
			"you don't appear to have any jobs currently running on node %s; check again or pass a job id", ref))
	}
	if len(jobIDs) > 1 {
		return nil, sesherrors.WrapAndTrace(sesherrors.AmbiguousJobError{NodeName: ref, JobIDs: jobIDs})
	}
	node, err := NewComputeNode(ctx, a.term, login, jobIDs[0])
	if err != nil {
		return nil, sesherrors.WrapAndTrace(err)
	}
	return node, nil
}

// WaitNotPending polls the scheduler's accounting until the job has an
// assigned node and a state other than PENDING. Incomplete or failing
// queries mean "not ready yet", never a fatal error; only cancellation or a
// failure to spawn the query stops the wait.
func (a *Allocator) WaitNotPending(ctx context.Context, login runner.Runner, jobID int) (string, JobState, error) {
	spin := a.term.NewSpinner(fmt.Sprintf("Waiting for job %d to start", jobID))
	spin.Start()
	defer spin.Stop()

	delay := a.initialDelay
	for attempt := 1; ; attempt++ {
		result, err := login.RunContext(ctx,
			fmt.Sprintf("sacct --jobs %d --allocations --noheader --format=Node,State", jobID),
			runner.WithDisplay(false), runner.WithWarn(true), runner.WithHide(runner.HideAll))
		if err != nil {
			return "", "", sesherrors.WrapAndTrace(err)
		}

		node, rawState := ParseSacctNodeState(result.Stdout)
		state, known := NormalizeState(rawState)
		switch {
		case result.ExitCode != 0 || (node == "" && rawState == ""):
			logrus.Debugf("Job %d doesn't show up yet in the output of sacct.", jobID)
		case node == sacctNoneAssigned:
			logrus.Debugf("Job %d has not yet been allocated a node (state %q).", jobID, rawState)
		case !known:
			logrus.Debugf("Job %d shows unrecognized state %q in sacct; still waiting.", jobID, rawState)
		case state == StatePending:
			logrus.Debugf("Job %d is still pending.", jobID)
		default:
			logrus.Infof("Job %d was allocated node(s) %q and is in state %q.", jobID, node, state)
			if state == StateFailed {
				logrus.Warnf("Seems like job %d failed!", jobID)
			}
			return node, state, nil
		}

		logrus.Infof("Waiting %s until job %d starts (attempt #%d).", delay, jobID, attempt)
		select {
		case <-ctx.Done():
			return "", "", sesherrors.WrapAndTrace(ctx.Err())
		case <-time.After(delay):
		}
		delay = nextDelay(delay, a.maxDelay)
	}
}

// nextDelay doubles the polling delay up to max, so the sequence is
// non-decreasing and capped for arbitrarily many attempts.
func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func (a *Allocator) scanSallocJobID(ctx context.Context, proc AllocProcess) (int, error) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(proc.Stderr())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return 0, sesherrors.WrapAndTrace(ctx.Err())
		case line, ok := <-lines:
			if !ok {
				return 0, sesherrors.WrapAndTrace(sesherrors.AllocationError{Output: "salloc exited without printing a job allocation line"})
			}
			a.term.Eprint(line)
			if jobID, matched := ParseSallocJobID(line); matched {
				// keep draining stderr so salloc never stalls on a full pipe
				go func() {
					for extra := range lines {
						logrus.Debugf("salloc: %s", extra)
					}
				}()
				return jobID, nil
			}
		}
	}
}

func (a *Allocator) queuedJobIDs(ctx context.Context, login runner.Runner, jobName string) ([]int, error) {
	command := "squeue --noheader --me --format=%A"
	if jobName != "" {
		command += " --name=" + jobName
	}
	stdout, err := runner.OutputContext(ctx, login, command)
	if err != nil {
		return nil, sesherrors.WrapAndTrace(err)
	}
	jobIDs, err := ParseSqueueJobIDs(stdout)
	if err != nil {
		return nil, sesherrors.WrapAndTrace(err)
	}
	return jobIDs, nil
}

// cancelNewJobs diffs the live queue against the pre-submission snapshot and
// cancels the job(s) that appeared with our name. More than one candidate is
// over-cancelled on purpose: leaking an allocation is worse. Cleanup runs on
// a fresh context since the caller's is already cancelled.
func (a *Allocator) cancelNewJobs(login runner.Runner, jobName string, jobsBefore []int) {
	logrus.Warn("Interrupted before a job id could be parsed!")
	jobsAfter, err := a.queuedJobIDs(context.Background(), login, jobName)
	if err != nil {
		logrus.Warnf("Unable to list queued jobs while cleaning up: %v. Please check for leftover jobs named %q!", err, jobName)
		return
	}
	newJobs := collections.Difference(jobsAfter, jobsBefore)
	switch {
	case len(newJobs) == 0:
		logrus.Warnf("Unable to find any new job ids with name %q since the last submission. "+
			"If an allocation was created it may not have been cancelled; please check for leftover pending jobs named %q!",
			jobName, jobName)
	case len(newJobs) == 1:
		logrus.Warnf("Cancelling job %d, the only new job with name %q since the submission.", newJobs[0], jobName)
		a.scancel(login, newJobs...)
	default:
		logrus.Warnf("More than one new job with name %q appeared since the submission: %v. Cancelling all of them to be safe.", jobName, newJobs)
		a.scancel(login, newJobs...)
	}
}

func (a *Allocator) scancel(login runner.Runner, jobIDs ...int) {
	ids := strings.Join(collections.Fmap(strconv.Itoa, jobIDs), " ")
	_, err := login.RunContext(context.Background(), "scancel "+ids, runner.WithWarn(true))
	if err != nil {
		logrus.Warnf("scancel %s failed: %v. Please verify the job was cancelled.", ids, err)
	}
}

func withJobName(flags []string, jobName string) []string {
	if jobName == "" {
		return flags
	}
	for _, flag := range flags {
		if strings.HasPrefix(flag, "--job-name") || flag == "-J" {
			return flags
		}
	}
	return append(append([]string{}, flags...), "--job-name="+jobName)
}

// startSallocSubprocess starts the ssh+salloc argv with stdin, stdout and
// stderr all piped.
func startSallocSubprocess(argv []string) (AllocProcess, error) {
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // argv is built from our own ssh command
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, sesherrors.WrapAndTrace(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, sesherrors.WrapAndTrace(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, sesherrors.WrapAndTrace(err)
	}
	if err := cmd.Start(); err != nil {
		return nil, sesherrors.WrapAndTrace(err)
	}
	// stdout carries the allocation shell's chatter; drain it so the pipe
	// buffer can never fill up and stall salloc
	go func() {
		_, _ = io.Copy(io.Discard, stdout)
	}()
	return &sallocSubprocess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type sallocSubprocess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

var _ AllocProcess = &sallocSubprocess{}

func (s *sallocSubprocess) Stderr() io.Reader {
	return s.stderr
}

// ExitGracefully types "exit" into the allocation's shell so the scheduler
// reclaims the job naturally, then waits for the subprocess to end.
func (s *sallocSubprocess) ExitGracefully(ctx context.Context) error {
	if _, err := io.WriteString(s.stdin, "exit\n"); err != nil {
		logrus.Debugf("writing exit to salloc stdin: %v", err)
	}
	_ = s.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case <-ctx.Done():
		_ = s.cmd.Process.Kill()
		return sesherrors.WrapAndTrace(ctx.Err())
	case err := <-done:
		// salloc reflects the inner shell's exit status; any status means
		// the allocation ended, which is all we need.
		logrus.Debugf("salloc subprocess ended: %v", err)
		return nil
	}
}

func (s *sallocSubprocess) Terminate() error {
	if s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return sesherrors.WrapAndTrace(err)
	}
	return nil
}
