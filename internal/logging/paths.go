package logging

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.marginalia/logs/).
// Falls back to a temp directory if the home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".marginalia", "logs")
	}
	return filepath.Join(home, ".marginalia", "logs")
}

// DefaultLogPath returns the default marginalia log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "marginalia.log")
}

// LogPathForDataDir returns the log path rooted at a specific data
// directory, overriding the home-directory default. Used once
// configuration has resolved a data_dir other than the default.
func LogPathForDataDir(dataDir string) string {
	return filepath.Join(dataDir, "logs", "marginalia.log")
}

// FindLogFile attempts to find the log file for viewing.
// Priority:
//  1. An explicit path, if provided
//  2. The resolved data-dir log path
//
// Returns an error if no log file is found.
func FindLogFile(explicit, dataDir string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, nil
		}
		return "", fmt.Errorf("log file not found: %s", explicit)
	}

	path := LogPathForDataDir(dataDir)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("no log file found. marginalia may not have run with --debug yet.\nExpected at: %s", path)
}

// EnsureLogDir creates the log directory for dataDir if it doesn't exist.
func EnsureLogDir(dataDir string) error {
	return os.MkdirAll(filepath.Dir(LogPathForDataDir(dataDir)), 0o755)
}
