package sshconn

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
	"github.com/seshdev/sesh-cli/pkg/runner"
	"github.com/seshdev/sesh-cli/pkg/terminal"
)

type fakeStore struct {
	sshConfig string
	cacheDir  string
	username  string
	files     map[string]bool
	mkdirs    []string
}

var _ SSHConfigStore = &fakeStore{}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cacheDir: "/cache/sockets",
		username: "alice",
		files:    map[string]bool{},
	}
}

func (f *fakeStore) GetSSHConfig() (string, error)      { return f.sshConfig, nil }
func (f *fakeStore) GetSocketCacheDir() (string, error) { return f.cacheDir, nil }
func (f *fakeStore) FileExists(path string) (bool, error) {
	return f.files[path], nil
}

func (f *fakeStore) MkdirForFile(path string) error {
	f.mkdirs = append(f.mkdirs, path)
	return nil
}

func (f *fakeStore) GetCurrentUserName() (string, error) { return f.username, nil }

type execCall struct {
	argv    []string
	options runner.RunOptions
}

type scriptedExecutor struct {
	calls   []execCall
	results []runner.Result
	errs    []error
	onCall  func(argv []string)
}

func (s *scriptedExecutor) Execute(_ context.Context, argv []string, options runner.RunOptions) (runner.Result, error) {
	i := len(s.calls)
	s.calls = append(s.calls, execCall{argv: argv, options: options})
	if s.onCall != nil {
		s.onCall(argv)
	}
	var result runner.Result
	var err error
	if i < len(s.results) {
		result = s.results[i]
	}
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return result, err
}

func newTestManager(store *fakeStore, exec *scriptedExecutor) *ConnManager {
	m := NewConnManager(terminal.New(), store)
	m.goos = "linux"
	m.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	if exec != nil {
		m.WithExecutor(exec)
	}
	return m
}

func TestSSHCommandOrdersOptions(t *testing.T) {
	argv := SSHCommand("beluga", "/cache/sockets/alice@beluga:22", "echo OK", map[string]string{
		"StrictHostKeyChecking": "no",
		"BatchMode":             "yes",
	})
	require.Equal(t, []string{
		"ssh",
		"-oControlMaster=auto",
		"-oControlPersist=yes",
		"-oControlPath=/cache/sockets/alice@beluga:22",
		"-oBatchMode=yes",
		"-oStrictHostKeyChecking=no",
		"beluga",
		"echo OK",
	}, argv)
}

func TestControlPathUsesSSHConfigValues(t *testing.T) {
	store := newFakeStore()
	store.sshConfig = `
Host beluga
  HostName beluga.computecanada.ca
  User bob
  Port 2222
`
	m := newTestManager(store, nil)

	path, err := m.ControlPath("beluga")
	require.NoError(t, err)
	assert.Equal(t, "/cache/sockets/bob@beluga.computecanada.ca:2222", path)

	again, err := m.ControlPath("beluga")
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

func TestControlPathDefaults(t *testing.T) {
	m := newTestManager(newFakeStore(), nil)

	path, err := m.ControlPath("graham")
	require.NoError(t, err)
	assert.Equal(t, "/cache/sockets/alice@graham:22", path)
}

func TestControlPathHonorsExplicitControlPath(t *testing.T) {
	store := newFakeStore()
	store.sshConfig = `
Host mila
  ControlPath /tmp/mila.sock
`
	m := newTestManager(store, nil)

	path, err := m.ControlPath("mila")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/mila.sock", path)
}

func TestControlPathIgnoresControlPathNone(t *testing.T) {
	store := newFakeStore()
	store.sshConfig = `
Host mila
  ControlPath none
`
	m := newTestManager(store, nil)

	path, err := m.ControlPath("mila")
	require.NoError(t, err)
	assert.Equal(t, "/cache/sockets/alice@mila:22", path)
}

func TestSocketAliveWithoutSocketFile(t *testing.T) {
	exec := &scriptedExecutor{}
	m := newTestManager(newFakeStore(), exec)

	alive := m.SocketAlive(context.Background(), "beluga", "/cache/sockets/alice@beluga:22")
	assert.False(t, alive)
	assert.Empty(t, exec.calls)
}

func TestSocketAliveMasterRunning(t *testing.T) {
	store := newFakeStore()
	controlPath := "/cache/sockets/alice@beluga:22"
	store.files[controlPath] = true
	exec := &scriptedExecutor{results: []runner.Result{{ExitCode: 0, Stderr: "Master running (pid 1234)\r\n"}}}
	m := newTestManager(store, exec)

	alive := m.SocketAlive(context.Background(), "beluga", controlPath)
	assert.True(t, alive)
	require.Len(t, exec.calls, 1)
	assert.Equal(t, []string{"ssh", "-O", "check", fmt.Sprintf("-oControlPath=%s", controlPath), "beluga"}, exec.calls[0].argv)
}

func TestSocketAliveStaleSocket(t *testing.T) {
	store := newFakeStore()
	controlPath := "/cache/sockets/alice@beluga:22"
	store.files[controlPath] = true
	exec := &scriptedExecutor{results: []runner.Result{{ExitCode: 255, Stderr: "No such file or directory\n"}}}
	m := newTestManager(store, exec)

	assert.False(t, m.SocketAlive(context.Background(), "beluga", controlPath))
}

func TestEstablishUnsupportedPlatform(t *testing.T) {
	exec := &scriptedExecutor{}
	m := newTestManager(newFakeStore(), exec)
	m.goos = "windows"

	err := m.Establish(context.Background(), "beluga", "/cache/sockets/alice@beluga:22")
	require.Error(t, err)
	var unsupported sesherrors.UnsupportedPlatformError
	assert.True(t, errors.As(err, &unsupported))
	assert.Empty(t, exec.calls)
}

func TestEstablishCreatesSocket(t *testing.T) {
	store := newFakeStore()
	controlPath := "/cache/sockets/alice@mila:22"
	exec := &scriptedExecutor{results: []runner.Result{{ExitCode: 0, Stdout: "OK\n"}}}
	exec.onCall = func(_ []string) { store.files[controlPath] = true }
	m := newTestManager(store, exec)

	err := m.Establish(context.Background(), "mila", controlPath)
	require.NoError(t, err)
	assert.Equal(t, []string{controlPath}, store.mkdirs)
	require.Len(t, exec.calls, 1)
	assert.Equal(t, SSHCommand("mila", controlPath, "echo OK", nil), exec.calls[0].argv)
}

func TestEstablishFailsOnAuthError(t *testing.T) {
	exec := &scriptedExecutor{results: []runner.Result{{ExitCode: 255, Stderr: "Permission denied (publickey).\n"}}}
	m := newTestManager(newFakeStore(), exec)

	err := m.Establish(context.Background(), "mila", "/cache/sockets/alice@mila:22")
	require.Error(t, err)
	var setupErr sesherrors.ConnectionSetupError
	require.True(t, errors.As(err, &setupErr))
	assert.Equal(t, "mila", setupErr.Host)
	assert.Contains(t, setupErr.Reason, "Permission denied")
}

func TestEstablishFailsWithoutSentinel(t *testing.T) {
	store := newFakeStore()
	controlPath := "/cache/sockets/alice@mila:22"
	exec := &scriptedExecutor{results: []runner.Result{{ExitCode: 0, Stdout: ""}}}
	exec.onCall = func(_ []string) { store.files[controlPath] = true }
	m := newTestManager(store, exec)

	err := m.Establish(context.Background(), "mila", controlPath)
	require.Error(t, err)
	var setupErr sesherrors.ConnectionSetupError
	assert.True(t, errors.As(err, &setupErr))
}

func TestEstablishFailsWithoutSocketFile(t *testing.T) {
	exec := &scriptedExecutor{results: []runner.Result{{ExitCode: 0, Stdout: "OK\n"}}}
	m := newTestManager(newFakeStore(), exec)

	err := m.Establish(context.Background(), "mila", "/cache/sockets/alice@mila:22")
	require.Error(t, err)
	var setupErr sesherrors.ConnectionSetupError
	require.True(t, errors.As(err, &setupErr))
	assert.Contains(t, setupErr.Reason, "no socket file")
}

func TestEstablishPrefixesSshpassForTwoFactorHosts(t *testing.T) {
	store := newFakeStore()
	controlPath := "/cache/sockets/alice@beluga:22"
	exec := &scriptedExecutor{results: []runner.Result{{ExitCode: 0, Stdout: "OK\n"}}}
	exec.onCall = func(_ []string) { store.files[controlPath] = true }
	m := newTestManager(store, exec)
	m.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }

	err := m.Establish(context.Background(), "beluga", controlPath)
	require.NoError(t, err)
	require.Len(t, exec.calls, 1)
	assert.Equal(t, []string{"/usr/bin/sshpass", "-P", "Duo two-factor login", "-p", "1"}, exec.calls[0].argv[:5])
}
