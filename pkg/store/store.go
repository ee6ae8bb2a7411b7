// Package store mediates every filesystem and user lookup the cli makes, so
// tests can swap in an in-memory filesystem.
package store

import (
	"os/user"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/seshdev/sesh-cli/pkg/config"
	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
)

type FileStore struct {
	fs afero.Fs
}

func NewFileStore() *FileStore {
	return &FileStore{fs: afero.NewOsFs()}
}

func (f *FileStore) WithFileSystem(fs afero.Fs) *FileStore {
	f.fs = fs
	return f
}

// GetSSHConfig returns the contents of the user's ssh client config, or ""
// when the file doesn't exist (a missing config just means no aliases are
// defined, not an error).
func (f FileStore) GetSSHConfig() (string, error) {
	path := config.GlobalConfig.GetSSHConfigPath()
	exists, err := afero.Exists(f.fs, path)
	if err != nil {
		return "", sesherrors.WrapAndTrace(err)
	}
	if !exists {
		return "", nil
	}
	contents, err := afero.ReadFile(f.fs, path)
	if err != nil {
		return "", sesherrors.WrapAndTrace(err)
	}
	return string(contents), nil
}

func (f FileStore) GetSocketCacheDir() (string, error) {
	dir := config.GlobalConfig.GetSocketCacheDir()
	if err := f.fs.MkdirAll(dir, 0o700); err != nil {
		return "", sesherrors.WrapAndTrace(err)
	}
	return dir, nil
}

func (f FileStore) FileExists(path string) (bool, error) {
	exists, err := afero.Exists(f.fs, path)
	if err != nil {
		return false, sesherrors.WrapAndTrace(err)
	}
	return exists, nil
}

func (f FileStore) MkdirForFile(path string) error {
	if err := f.fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return sesherrors.WrapAndTrace(err)
	}
	return nil
}

func (f FileStore) GetCurrentUserName() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", sesherrors.WrapAndTrace(err)
	}
	return u.Username, nil
}
