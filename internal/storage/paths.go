package storage

import (
	"os"
	"path/filepath"
)

// PathManager resolves the on-disk layout under the ollm directory,
// ~/.ollm by default.
type PathManager struct {
	homeDir string
	baseDir string
}

// NewPathManager creates a path manager rooted in the user's home
// directory.
func NewPathManager() *PathManager {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fall back to the current directory when no home is available.
		homeDir = "."
	}

	return &PathManager{
		homeDir: homeDir,
		baseDir: filepath.Join(homeDir, ".ollm"),
	}
}

// NewPathManagerAt creates a path manager rooted at an explicit base
// directory instead of the default under the user's home.
func NewPathManagerAt(base string) *PathManager {
	return &PathManager{
		homeDir: base,
		baseDir: base,
	}
}

// BaseDir returns the main ollm directory, creating it if it does not
// exist.
func (pm *PathManager) BaseDir() (string, error) {
	if err := os.MkdirAll(pm.baseDir, 0755); err != nil {
		return "", err
	}
	return pm.baseDir, nil
}

// DatabasePath returns the path of the session and snapshot database.
func (pm *PathManager) DatabasePath() (string, error) {
	dir, err := pm.BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.db"), nil
}

// ConfigPath returns the path of the main configuration file.
func (pm *PathManager) ConfigPath() (string, error) {
	dir, err := pm.BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// LogPath returns the path of the log file.
func (pm *PathManager) LogPath() (string, error) {
	dir, err := pm.BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ollm.log"), nil
}

// HomeDir returns the user's home directory.
func (pm *PathManager) HomeDir() string {
	return pm.homeDir
}

// DefaultPathManager is a shared instance for callers that do not need
// a custom base directory.
var DefaultPathManager = NewPathManager()
