// Package instance lays out the on-disk directory of a named daemon instance.
package instance

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the base directory when set.
const HomeEnv = "CHATMIRROR_HOME"

// BaseDir returns ~/.chatmirror, or $CHATMIRROR_HOME when set.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatmirror")
}

// Dir returns the instance-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "instances", name)
}

// SocketPath returns the UDS socket path for an instance.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockDir is the directory holding the instance LOCK file.
func LockDir(name string) string {
	return Dir(name)
}

// IndexDir returns the pebble directory backing the message index.
func IndexDir(name string) string {
	return filepath.Join(Dir(name), "index")
}

// DirectoryPath returns the sqlite handle directory path.
func DirectoryPath(name string) string {
	return filepath.Join(Dir(name), "directory.db")
}

func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatmirrord.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the instance directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name), IndexDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
