// Package state centralizes filesystem locations for ShowRun runtime
// artifacts: the task-pack search directory and per-session browser
// profile directories.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// TaskpacksDirEnv overrides the default task-pack search location.
	TaskpacksDirEnv = "SHOWRUN_TASKPACKS_DIR"

	xdgStateHomeEnv = "XDG_STATE_HOME"
	appName         = "showrun"
)

// TaskpacksDir returns the directory searched for task packs.
// Resolution order:
//  1. SHOWRUN_TASKPACKS_DIR (if set)
//  2. XDG_STATE_HOME/showrun/taskpacks (if XDG_STATE_HOME is set)
//  3. os.UserConfigDir()/showrun/taskpacks (cross-platform fallback)
func TaskpacksDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(TaskpacksDirEnv)); override != "" {
		return normalizePath(override)
	}

	if xdg := strings.TrimSpace(os.Getenv(xdgStateHomeEnv)); xdg != "" {
		root, err := normalizePath(xdg)
		if err != nil {
			return "", err
		}
		return filepath.Join(root, appName, "taskpacks"), nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	root, err := normalizePath(configDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, appName, "taskpacks"), nil
}

// SessionProfilesRoot returns the directory holding temp browser
// profiles for persistence mode "session".
func SessionProfilesRoot() (string, error) {
	return filepath.Join(os.TempDir(), appName+"-sessions"), nil
}

// normalizePath expands a leading ~ and returns an absolute, cleaned path.
func normalizePath(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot expand ~: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path %q: %w", path, err)
	}
	return filepath.Clean(abs), nil
}
