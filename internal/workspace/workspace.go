package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is the project directory an agent runs in.
type Workspace struct {
	Path string
}

// Open validates projectPath and returns it as an absolute workspace.
func Open(projectPath string) (*Workspace, error) {
	if projectPath == "" {
		return nil, fmt.Errorf("project path is required")
	}
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project path: %w", err)
	}

	fi, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("project path %s does not exist", abs)
		}
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("project path %s is not a directory", abs)
	}

	return &Workspace{Path: abs}, nil
}

func (w *Workspace) SettingsPath() string {
	return filepath.Join(w.Path, ".claude", "settings.json")
}

// WriteHooks installs the agent's hook configuration as
// .claude/settings.json. An existing settings file is never touched; the
// returned bool reports whether a file was written.
func (w *Workspace) WriteHooks(hooks map[string]any) (bool, error) {
	if len(hooks) == 0 {
		return false, nil
	}

	path := w.SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create .claude directory: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{"hooks": hooks}, "", "  ")
	if err != nil {
		return false, fmt.Errorf("failed to marshal hooks: %w", err)
	}

	// O_EXCL so a settings file created concurrently wins.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to write settings.json: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return false, fmt.Errorf("failed to write settings.json: %w", err)
	}
	return true, f.Close()
}
