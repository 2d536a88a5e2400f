package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTRUN_DATA_DIR", dir)
	t.Setenv("AGENTRUN_CONFIG", filepath.Join(dir, "absent.toml"))

	c, err := New()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "agentrun.db"), c.DBPath)
	require.Equal(t, 30*time.Second, c.Orchestrator.StartupTimeout.Duration)
	require.Equal(t, 500*time.Millisecond, c.Orchestrator.TailInterval.Duration)
	require.Equal(t, 2*time.Second, c.Orchestrator.MissingInterval.Duration)
	require.Equal(t, []string{filepath.Join(dir, "agents"), ".agentrun/agents"}, c.AgentDirs())

	require.NoError(t, c.EnsureDataDir())
	_, err = os.Stat(c.UserAgentDir)
	require.NoError(t, err)
}

func TestFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
claude_binary = "/opt/claude"

[orchestrator]
startup_timeout = "45s"
kill_grace = "1s"

[notify]
redis_url = "redis://localhost:6379/0"
stream_max_len = 50
`), 0o644))

	t.Setenv("AGENTRUN_DATA_DIR", dir)
	t.Setenv("AGENTRUN_CONFIG", file)
	t.Setenv("AGENTRUN_KILL_GRACE", "250ms")
	t.Setenv("AGENTRUN_NATS_URL", "nats://127.0.0.1:4222")

	c, err := New()
	require.NoError(t, err)
	require.Equal(t, "/opt/claude", c.ClaudeBinary)
	require.Equal(t, 45*time.Second, c.Orchestrator.StartupTimeout.Duration)
	require.Equal(t, 250*time.Millisecond, c.Orchestrator.KillGrace.Duration)
	require.Equal(t, "redis://localhost:6379/0", c.Notify.RedisURL)
	require.Equal(t, 50, c.Notify.StreamMaxLen)
	require.Equal(t, "nats://127.0.0.1:4222", c.Notify.NATSURL)
	// Untouched sections keep their defaults.
	require.Equal(t, 5*time.Second, c.Orchestrator.DrainTimeout.Duration)
}

func TestBadValues(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTRUN_DATA_DIR", dir)
	t.Setenv("AGENTRUN_CONFIG", filepath.Join(dir, "absent.toml"))
	t.Setenv("AGENTRUN_STARTUP_TIMEOUT", "soon")

	_, err := New()
	require.Error(t, err)

	file := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(file, []byte("[orchestrator]\nkill_grace = 3\n"), 0o644))
	c := &Config{}
	require.Error(t, c.LoadFile(file))
}
