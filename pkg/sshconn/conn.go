// Package sshconn maintains one authenticated, reusable SSH channel per host
// using the client's connection-sharing mechanism (ControlMaster,
// ControlPath, ControlPersist), so repeated commands skip the handshake and,
// on 2FA clusters, repeated interactive prompts.
package sshconn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/sirupsen/logrus"

	"github.com/seshdev/sesh-cli/pkg/collections"
	"github.com/seshdev/sesh-cli/pkg/config"
	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
	"github.com/seshdev/sesh-cli/pkg/featureflag"
	"github.com/seshdev/sesh-cli/pkg/runner"
	"github.com/seshdev/sesh-cli/pkg/terminal"
)

const (
	// checkSentinel is what `ssh -O check` prints on stderr for a live master.
	checkSentinel = "Master running"
	// establishSentinel is echoed over the fresh connection to prove it works.
	establishSentinel = "OK"

	probeTimeout = 10 * time.Second
)

type SSHConfigStore interface {
	GetSSHConfig() (string, error)
	GetSocketCacheDir() (string, error)
	FileExists(path string) (bool, error)
	MkdirForFile(path string) error
	GetCurrentUserName() (string, error)
}

// ConnManager resolves, health-checks, and establishes per-host control
// sockets. It never deletes a socket file; the ssh client's ControlPersist
// policy owns that lifecycle.
type ConnManager struct {
	store    SSHConfigStore
	term     *terminal.Terminal
	exec     runner.Executor
	goos     string
	lookPath func(string) (string, error)
}

func NewConnManager(t *terminal.Terminal, store SSHConfigStore) *ConnManager {
	return &ConnManager{
		store:    store,
		term:     t,
		exec:     runner.ProcessExecutor{Term: t},
		goos:     runtime.GOOS,
		lookPath: exec.LookPath,
	}
}

func (m *ConnManager) WithExecutor(executor runner.Executor) *ConnManager {
	m.exec = executor
	return m
}

// SSHCommand returns the argv for running command on hostname through the
// control socket at controlPath.
func SSHCommand(hostname, controlPath, command string, sshOptions map[string]string) []string {
	args := []string{
		config.GlobalConfig.GetSSHBinary(),
		"-oControlMaster=auto",
		"-oControlPersist=yes",
		fmt.Sprintf("-oControlPath=%s", controlPath),
	}
	keys := make([]string, 0, len(sshOptions))
	for k := range sshOptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, fmt.Sprintf("-o%s=%s", key, sshOptions[key]))
	}
	return append(args, hostname, command)
}

// ControlPath returns the control socket path for host: the ControlPath from
// the user's ssh config when one applies, otherwise a deterministic
// "<cacheDir>/<user>@<hostname>:<port>" path resolved from the same config.
// Repeated calls with an unchanged ssh config return the same path.
func (m *ConnManager) ControlPath(host string) (string, error) {
	configText, err := m.store.GetSSHConfig()
	if err != nil {
		return "", sesherrors.WrapAndTrace(err)
	}
	cfg, err := ssh_config.Decode(strings.NewReader(configText))
	if err != nil {
		return "", sesherrors.WrapAndTrace(err)
	}
	lookup := func(key string) string {
		value, lookupErr := cfg.Get(host, key)
		if lookupErr != nil {
			return ""
		}
		return value
	}

	if controlPath := lookup("ControlPath"); controlPath != "" && !strings.EqualFold(controlPath, "none") {
		return expandHome(controlPath), nil
	}

	hostname := lookup("HostName")
	if hostname == "" {
		hostname = host
	}
	username := lookup("User")
	if username == "" {
		username, err = m.store.GetCurrentUserName()
		if err != nil {
			return "", sesherrors.WrapAndTrace(err)
		}
	}
	port := lookup("Port")
	if port == "" {
		port = "22"
	}

	cacheDir, err := m.store.GetSocketCacheDir()
	if err != nil {
		return "", sesherrors.WrapAndTrace(err)
	}
	return filepath.Join(cacheDir, fmt.Sprintf("%s@%s:%s", username, hostname, port)), nil
}

// SocketAlive probes the control socket with `ssh -O check`. It returns
// false on any probe error, timeout, or missing socket file; the probe only
// talks to the local socket and can never block on user input.
func (m *ConnManager) SocketAlive(ctx context.Context, host, controlPath string) bool {
	exists, err := m.store.FileExists(controlPath)
	if err != nil || !exists {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	result, err := m.exec.Execute(probeCtx, []string{
		config.GlobalConfig.GetSSHBinary(),
		"-O", "check",
		fmt.Sprintf("-oControlPath=%s", controlPath),
		host,
	}, runner.RunOptions{Warn: true, Hide: runner.HideAll})
	if err != nil {
		logrus.Debugf("control socket probe for %s failed: %v", host, err)
		return false
	}
	return result.ExitCode == 0 && strings.HasPrefix(result.Stderr, checkSentinel)
}

// Establish makes the first multiplexed connection to host, creating the
// control socket. This is the only place where interactive authentication
// (including 2FA) may happen.
func (m *ConnManager) Establish(ctx context.Context, host, controlPath string) error {
	if m.goos == "windows" {
		return sesherrors.WrapAndTrace(sesherrors.UnsupportedPlatformError{})
	}
	if err := m.store.MkdirForFile(controlPath); err != nil {
		return sesherrors.WrapAndTrace(err)
	}

	argv := SSHCommand(host, controlPath, fmt.Sprintf("echo %s", establishSentinel), nil)
	if collections.Contains(config.GlobalConfig.GetTwoFactorHosts(), host) {
		m.term.Eprint(m.term.Yellow("The %s cluster may be using two-factor authentication. If you enabled 2FA, please take out your phone now.", host))
		if featureflag.TwoFactorAutoAnswer() {
			if sshpass, lookErr := m.lookPath(config.GlobalConfig.GetSSHPassBinary()); lookErr == nil {
				// Answer "1" at the factor-selection prompt so the user only
				// has to confirm the push notification on their device.
				argv = append([]string{sshpass, "-P", "Duo two-factor login", "-p", "1"}, argv...)
			} else {
				logrus.Debugf("sshpass is not installed; if 2FA is set up on %s you may be asked to pick a factor", host)
			}
		}
	}

	logrus.Infof("Making the first connection to %s...", host)
	m.term.Command(host, fmt.Sprintf("echo %s", establishSentinel))
	result, err := m.exec.Execute(ctx, argv, runner.RunOptions{Warn: true, Hide: runner.HideAll})
	if err != nil {
		return sesherrors.WrapAndTrace(sesherrors.ConnectionSetupError{Host: host, Reason: err.Error()})
	}
	if result.ExitCode != 0 {
		return sesherrors.WrapAndTrace(sesherrors.ConnectionSetupError{Host: host, Reason: strings.TrimSpace(result.Stderr)})
	}
	if !strings.Contains(result.Stdout, establishSentinel) {
		return sesherrors.WrapAndTrace(sesherrors.ConnectionSetupError{
			Host:   host,
			Reason: fmt.Sprintf("did not receive the expected output (%q) from the host: %q", establishSentinel, result.Stdout),
		})
	}
	exists, err := m.store.FileExists(controlPath)
	if err != nil {
		return sesherrors.WrapAndTrace(err)
	}
	if !exists {
		return sesherrors.WrapAndTrace(sesherrors.ConnectionSetupError{
			Host:   host,
			Reason: fmt.Sprintf("no socket file was created at %s after the first connection", controlPath),
		})
	}
	logrus.Infof("Reusable SSH connection to %s is set up at %s", host, controlPath)
	return nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
