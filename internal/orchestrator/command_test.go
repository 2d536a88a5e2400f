package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildArgsOrder(t *testing.T) {
	require.Equal(t, []string{
		"-p", "fix the bug",
		"--system-prompt", "you are careful",
		"--model", "opus",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}, BuildArgs("fix the bug", "you are careful", "opus"))
}

func envMap(env []string) map[string]string {
	m := map[string]string{}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m
}

func TestCommandEnvFilters(t *testing.T) {
	env := envMap(CommandEnv("/usr/local/bin/claude", []string{
		"PATH=/usr/bin:/custom",
		"HOME=/home/me",
		"LC_TIME=C",
		"HTTPS_PROXY=http://proxy:3128",
		"https_proxy=http://lower:3128",
		"AWS_SECRET_ACCESS_KEY=nope",
		"GARBAGE",
	}))

	require.Equal(t, "/home/me", env["HOME"])
	require.Equal(t, "C", env["LC_TIME"])
	require.Equal(t, "http://proxy:3128", env["HTTPS_PROXY"])
	require.NotContains(t, env, "https_proxy")
	require.NotContains(t, env, "AWS_SECRET_ACCESS_KEY")
	require.Equal(t, "/usr/bin:/custom:/opt/homebrew/bin:/usr/local/bin:/bin", env["PATH"])
}

func TestCommandEnvNVM(t *testing.T) {
	bin := "/home/me/.nvm/versions/node/v20.1.0/bin/claude"
	env := envMap(CommandEnv(bin, []string{"PATH=/usr/bin"}))
	require.True(t, strings.HasPrefix(env["PATH"], "/home/me/.nvm/versions/node/v20.1.0/bin:/usr/bin"))

	env = envMap(CommandEnv("/x/claude", nil))
	require.Equal(t, "/opt/homebrew/bin:/usr/local/bin:/usr/bin:/bin", env["PATH"])
}

func TestPathLocatorExplicitBinary(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	got, err := PathLocator{Binary: bin}.Locate(context.Background())
	require.NoError(t, err)
	require.Equal(t, bin, got)

	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, nil, 0o644))
	_, err = PathLocator{Binary: plain}.Locate(context.Background())
	require.Error(t, err)

	_, err = PathLocator{Binary: filepath.Join(dir, "missing")}.Locate(context.Background())
	require.Error(t, err)
}
