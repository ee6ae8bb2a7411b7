package slurm

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
	"github.com/seshdev/sesh-cli/pkg/runner"
	"github.com/seshdev/sesh-cli/pkg/terminal"
)

type loginCall struct {
	command string
	options runner.RunOptions
}

// scriptedLogin plays back canned results keyed by command prefix, in order,
// and records every command it receives.
type scriptedLogin struct {
	mu        sync.Mutex
	calls     []loginCall
	responses map[string][]runner.Result
	errs      map[string]error
}

var _ LoginNode = &scriptedLogin{}

func newScriptedLogin() *scriptedLogin {
	return &scriptedLogin{
		responses: map[string][]runner.Result{},
		errs:      map[string]error{},
	}
}

func (l *scriptedLogin) respond(prefix string, stdout string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responses[prefix] = append(l.responses[prefix], runner.Result{ExitCode: 0, Stdout: stdout})
}

func (l *scriptedLogin) Hostname() string { return "login" }

func (l *scriptedLogin) CommandArgv(command string) []string {
	return []string{"ssh", "login", command}
}

func (l *scriptedLogin) Run(command string, opts ...runner.RunOption) (runner.Result, error) {
	return l.RunContext(context.Background(), command, opts...)
}

func (l *scriptedLogin) RunContext(_ context.Context, command string, opts ...runner.RunOption) (runner.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, loginCall{command: command, options: runner.CollectOptions(opts...)})
	for prefix, queue := range l.responses {
		if strings.HasPrefix(command, prefix) && len(queue) > 0 {
			l.responses[prefix] = queue[1:]
			return queue[0], l.errs[prefix]
		}
	}
	for prefix, err := range l.errs {
		if strings.HasPrefix(command, prefix) {
			return runner.Result{}, err
		}
	}
	return runner.Result{ExitCode: 0}, nil
}

func (l *scriptedLogin) commands() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	commands := make([]string, 0, len(l.calls))
	for _, call := range l.calls {
		commands = append(commands, call.command)
	}
	return commands
}

func (l *scriptedLogin) lastCall() loginCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[len(l.calls)-1]
}

type fakeAllocProcess struct {
	stderr     io.Reader
	stderrDone atomic.Bool
	mu         sync.Mutex
	graceful   int
	terminated int
}

var _ AllocProcess = &fakeAllocProcess{}

func newFakeAllocProcess(stderrText string) *fakeAllocProcess {
	p := &fakeAllocProcess{}
	p.stderr = &eofTrackingReader{r: strings.NewReader(stderrText), done: &p.stderrDone}
	return p
}

// eofTrackingReader flips done once the wrapped reader has been fully
// consumed.
type eofTrackingReader struct {
	r    io.Reader
	done *atomic.Bool
}

func (e *eofTrackingReader) Read(b []byte) (int, error) {
	n, err := e.r.Read(b)
	if err == io.EOF {
		e.done.Store(true)
	}
	return n, err
}

func (p *fakeAllocProcess) Stderr() io.Reader { return p.stderr }

func (p *fakeAllocProcess) ExitGracefully(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.graceful++
	return nil
}

func (p *fakeAllocProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated++
	return nil
}

func (p *fakeAllocProcess) gracefulExits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.graceful
}

func (p *fakeAllocProcess) terminations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func newTestComputeNode(t *testing.T, login *scriptedLogin, jobID int, opts ...ComputeNodeOption) *ComputeNode {
	t.Helper()
	login.respond("srun", "cn-a001\n")
	node, err := NewComputeNode(context.Background(), terminal.New(), login, jobID, opts...)
	require.NoError(t, err)
	return node
}

func TestNewComputeNodeResolvesHostname(t *testing.T) {
	login := newScriptedLogin()
	node := newTestComputeNode(t, login, 42)

	assert.Equal(t, 42, node.JobID())
	assert.Equal(t, "cn-a001", node.Hostname())

	first := login.calls[0]
	assert.Equal(t, "srun --ntasks=1 --overlap --quiet --jobid 42 bash", first.command)
	require.NotNil(t, first.options.Input)
	assert.Equal(t, "echo $SLURMD_NODENAME\n", *first.options.Input)
}

func TestRunTranslatesToOverlappingJobStep(t *testing.T) {
	login := newScriptedLogin()
	node := newTestComputeNode(t, login, 42)

	login.respond("srun", "cn-a001.server.mila.quebec\n")
	result, err := node.Run("hostname", runner.WithDisplay(false))
	require.NoError(t, err)
	assert.Equal(t, "cn-a001.server.mila.quebec\n", result.Stdout)

	last := login.lastCall()
	assert.Equal(t, "srun --ntasks=1 --overlap --quiet --jobid 42 hostname", last.command)
	assert.False(t, last.options.Display)
	assert.Nil(t, last.options.Input)
}

func TestRunPipesQuotedCommandsThroughBash(t *testing.T) {
	login := newScriptedLogin()
	node := newTestComputeNode(t, login, 42)

	_, err := node.Run("echo one && echo two", runner.WithDisplay(false))
	require.NoError(t, err)

	last := login.lastCall()
	assert.Equal(t, "srun --ntasks=1 --overlap --quiet --jobid 42 bash", last.command)
	require.NotNil(t, last.options.Input)
	assert.Equal(t, "echo one && echo two\n", *last.options.Input)
}

func TestRunRejectsInputCombinedWithQuotedCommand(t *testing.T) {
	login := newScriptedLogin()
	node := newTestComputeNode(t, login, 42)

	_, err := node.Run("echo one && echo two", runner.WithInput("stdin"), runner.WithDisplay(false))
	require.Error(t, err)
	var validationErr sesherrors.ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestCloseCancelsAttachedJob(t *testing.T) {
	login := newScriptedLogin()
	node := newTestComputeNode(t, login, 42)

	require.NoError(t, node.Close())
	assert.Contains(t, login.commands(), "scancel 42")
}

func TestCloseExitsAllocationGracefully(t *testing.T) {
	login := newScriptedLogin()
	proc := newFakeAllocProcess("")
	node := newTestComputeNode(t, login, 42, WithAllocProcess(proc))

	require.NoError(t, node.Close())
	assert.Equal(t, 1, proc.gracefulExits())
	assert.NotContains(t, login.commands(), "scancel 42")
}

func TestCloseTwiceIsANoOp(t *testing.T) {
	login := newScriptedLogin()
	proc := newFakeAllocProcess("")
	node := newTestComputeNode(t, login, 42, WithAllocProcess(proc))

	require.NoError(t, node.Close())
	require.NoError(t, node.Close())
	assert.Equal(t, 1, proc.gracefulExits())
	assert.Equal(t, 0, proc.terminations())
}

func TestRunAfterCloseFailsWithoutTouchingTheLoginNode(t *testing.T) {
	login := newScriptedLogin()
	node := newTestComputeNode(t, login, 42)
	require.NoError(t, node.Close())

	callsBefore := len(login.commands())
	_, err := node.Run("hostname")
	require.Error(t, err)
	var notRunning sesherrors.JobNotRunningError
	require.True(t, errors.As(err, &notRunning))
	assert.Equal(t, 42, notRunning.JobID)
	assert.Len(t, login.commands(), callsBefore)
}
