package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// BuildArgs returns the agent CLI arguments, in the order the CLI expects.
func BuildArgs(task, systemPrompt, model string) []string {
	return []string{
		"-p", task,
		"--system-prompt", systemPrompt,
		"--model", model,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
}

var passthroughEnv = map[string]bool{
	"PATH":            true,
	"HOME":            true,
	"USER":            true,
	"SHELL":           true,
	"LANG":            true,
	"LC_ALL":          true,
	"NODE_PATH":       true,
	"NVM_DIR":         true,
	"NVM_BIN":         true,
	"HOMEBREW_PREFIX": true,
	"HOMEBREW_CELLAR": true,
	"HTTP_PROXY":      true,
	"HTTPS_PROXY":     true,
	"NO_PROXY":        true,
	"ALL_PROXY":       true,
}

var commonBinDirs = []string{"/opt/homebrew/bin", "/usr/local/bin", "/usr/bin", "/bin"}

// CommandEnv filters environ down to what the agent CLI needs and makes
// sure PATH can find node and the usual binaries.
func CommandEnv(binary string, environ []string) []string {
	var env []string
	path := ""
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if key == "PATH" {
			path = value
			continue
		}
		if passthroughEnv[key] || strings.HasPrefix(key, "LC_") {
			env = append(env, kv)
		}
	}
	return append(env, "PATH="+augmentPath(binary, path))
}

func augmentPath(binary, path string) string {
	sep := string(os.PathListSeparator)
	var dirs []string
	if path != "" {
		dirs = strings.Split(path, sep)
	}
	has := func(d string) bool {
		for _, x := range dirs {
			if x == d {
				return true
			}
		}
		return false
	}

	// nvm installs need their node next to the CLI.
	if strings.Contains(binary, "/.nvm/versions/node/") {
		if dir := filepath.Dir(binary); !has(dir) {
			dirs = append([]string{dir}, dirs...)
		}
	}
	for _, d := range commonBinDirs {
		if !has(d) {
			dirs = append(dirs, d)
		}
	}
	return strings.Join(dirs, sep)
}

// Locator finds the agent CLI binary.
type Locator interface {
	Locate(ctx context.Context) (string, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context) (string, error)

func (f LocatorFunc) Locate(ctx context.Context) (string, error) { return f(ctx) }

// PathLocator uses Binary when set, then PATH, then the usual install
// locations.
type PathLocator struct {
	Binary string
}

func (l PathLocator) Locate(context.Context) (string, error) {
	if l.Binary != "" {
		if err := checkExecutable(l.Binary); err != nil {
			return "", err
		}
		return filepath.Abs(l.Binary)
	}
	if p, err := exec.LookPath("claude"); err == nil {
		return p, nil
	}
	for _, p := range candidatePaths() {
		if checkExecutable(p) == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("claude binary not found in PATH or standard locations")
}

func candidatePaths() []string {
	home, _ := os.UserHomeDir()
	var out []string
	if home != "" {
		out = append(out,
			filepath.Join(home, ".claude", "local", "claude"),
			filepath.Join(home, ".npm-global", "bin", "claude"),
			filepath.Join(home, ".local", "bin", "claude"),
		)
		// Newest node version first.
		nvm, _ := filepath.Glob(filepath.Join(home, ".nvm", "versions", "node", "*", "bin", "claude"))
		sort.Sort(sort.Reverse(sort.StringSlice(nvm)))
		out = append(out, nvm...)
	}
	return append(out, "/opt/homebrew/bin/claude", "/usr/local/bin/claude")
}

func checkExecutable(p string) error {
	fi, err := os.Stat(p)
	if err != nil {
		return fmt.Errorf("claude binary %s: %w", p, err)
	}
	if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("claude binary %s is not executable", p)
	}
	return nil
}
