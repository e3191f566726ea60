package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const (
	AppName = "whim"
)

// GetWorkspaceDir returns the root directory for all runtime data.
// WHIM_HOME wins, then a local "_workspace" directory (portable/dev mode),
// then the OS-standard data directory.
func GetWorkspaceDir() string {
	if home := os.Getenv("WHIM_HOME"); home != "" {
		return home
	}

	localDir := "_workspace"
	if _, err := os.Stat(localDir); err == nil {
		return localDir
	}

	var baseDir string
	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, _ := os.UserHomeDir()
		baseDir = filepath.Join(home, "Library", "Application Support")
	case "linux":
		if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
			baseDir = dataHome
		} else {
			home, _ := os.UserHomeDir()
			baseDir = filepath.Join(home, ".local", "share")
		}
	default:
		return localDir
	}

	return filepath.Join(baseDir, AppName)
}

// EnvName names the GDAX environment a run records from.
func EnvName(sandbox bool) string {
	if sandbox {
		return "sandbox"
	}
	return "live"
}

// DataDir keeps live and sandbox recordings apart.
func DataDir(workDir string, sandbox bool) string {
	return filepath.Join(workDir, "data", EnvName(sandbox))
}

// DefaultDBPath is where the message store lives unless configured.
func DefaultDBPath(workDir string, sandbox bool) string {
	return filepath.Join(DataDir(workDir, sandbox), "feed.db")
}

// SnapshotDir holds book snapshot files.
func SnapshotDir(workDir string, sandbox bool) string {
	return filepath.Join(DataDir(workDir, sandbox), "snapshots")
}

// EnsureDir creates the directory if it doesn't exist with safe permissions (0755).
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// CreateLockFile takes the single-instance lock in dir and returns its release
// function. A lock left behind by a process that no longer exists is replaced.
func CreateLockFile(dir string) (func(), error) {
	lockPath := filepath.Join(dir, "instance.lock")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if !os.IsExist(err) {
			return nil, err
		}
		if !staleLock(lockPath) {
			return nil, fmt.Errorf("another instance is already running (lock file exists: %s)", lockPath)
		}
		os.Remove(lockPath)
		if f, err = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600); err != nil {
			return nil, err
		}
	}

	fmt.Fprintf(f, "%d", os.Getpid())
	f.Close()

	return func() { os.Remove(lockPath) }, nil
}

// staleLock reports whether the lock holds our own PID or an unparsable one.
// Liveness of other PIDs is not portable, so those locks are kept.
func staleLock(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	return err != nil || pid == os.Getpid()
}

// ResolveConfigPath finds config.yaml.
// Priority: 1. explicit path, 2. current dir, 3. OS config dir.
func ResolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	defaultPath := filepath.Join("configs", "config.yaml")

	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath
	}

	configRoot, err := os.UserConfigDir()
	if err == nil {
		osPath := filepath.Join(configRoot, AppName, "config.yaml")
		if _, err := os.Stat(osPath); err == nil {
			return osPath
		}
	}

	// Let LoadConfig report the missing file
	return defaultPath
}
