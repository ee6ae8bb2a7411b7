package config

import (
	"os"
	"path/filepath"
	"strings"
)

type EnvVarName string // should be caps with underscore

const (
	configDir      EnvVarName = "SESH_CONFIG_DIR"
	sshConfigPath  EnvVarName = "SESH_SSH_CONFIG_PATH"
	socketCacheDir EnvVarName = "SESH_SOCKET_CACHE_DIR"
	sshBinary      EnvVarName = "SESH_SSH_BINARY"
	sshpassBinary  EnvVarName = "SESH_SSHPASS_BINARY"
	defaultJobName EnvVarName = "SESH_JOB_NAME"
	twoFactorHosts EnvVarName = "SESH_TWO_FACTOR_HOSTS"
	sentryURL      EnvVarName = "DEFAULT_SENTRY_URL"
)

type ConstantsConfig struct{}

func NewConstants() *ConstantsConfig {
	return &ConstantsConfig{}
}

// GetConfigDir is where the optional feature-flag config file lives.
func (c ConstantsConfig) GetConfigDir() string {
	home, _ := os.UserHomeDir()
	return getEnvOrDefault(configDir, filepath.Join(home, ".config", "sesh"))
}

func (c ConstantsConfig) GetSSHConfigPath() string {
	home, _ := os.UserHomeDir()
	return getEnvOrDefault(sshConfigPath, filepath.Join(home, ".ssh", "config"))
}

func (c ConstantsConfig) GetSocketCacheDir() string {
	home, _ := os.UserHomeDir()
	return getEnvOrDefault(socketCacheDir, filepath.Join(home, ".cache", "sesh", "sockets"))
}

func (c ConstantsConfig) GetSSHBinary() string {
	return getEnvOrDefault(sshBinary, "ssh")
}

func (c ConstantsConfig) GetSSHPassBinary() string {
	return getEnvOrDefault(sshpassBinary, "sshpass")
}

// GetDefaultJobName is the scheduler job name used for allocations created by
// this cli when the user doesn't pass one. Queue snapshots used for
// interrupt cleanup are filtered by this name.
func (c ConstantsConfig) GetDefaultJobName() string {
	return getEnvOrDefault(defaultJobName, "sesh-cli")
}

// GetTwoFactorHosts lists host aliases known to require interactive 2FA on
// the first connection.
func (c ConstantsConfig) GetTwoFactorHosts() []string {
	raw := getEnvOrDefault(twoFactorHosts, "beluga,cedar,graham,narval,niagara")
	var hosts []string
	for _, h := range strings.Split(raw, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

func (c ConstantsConfig) GetSentryURL() string {
	return getEnvOrDefault(sentryURL, "")
}

func getEnvOrDefault(envVarName EnvVarName, defaultVal string) string {
	val := os.Getenv(string(envVarName))
	if val == "" {
		return defaultVal
	}
	return val
}

var GlobalConfig = NewConstants()
