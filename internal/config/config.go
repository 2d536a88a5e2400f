package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DataDir         string `toml:"-"`
	DBPath          string `toml:"db_path"`
	UserAgentDir    string `toml:"agent_dir"`
	ProjectAgentDir string `toml:"project_agent_dir"`
	ProjectsDir     string `toml:"transcripts_dir"`
	ClaudeBinary    string `toml:"claude_binary"`

	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Notify       NotifyConfig       `toml:"notify"`
}

type OrchestratorConfig struct {
	// StartupTimeout bounds the wait for the first stdout line.
	StartupTimeout Duration `toml:"startup_timeout"`
	// KillGrace is the pause between the polite and the forceful signal.
	KillGrace Duration `toml:"kill_grace"`
	// DrainTimeout bounds how long output drains may outlive the process.
	DrainTimeout    Duration `toml:"drain_timeout"`
	SweepInterval   Duration `toml:"sweep_interval"`
	TailInterval    Duration `toml:"tail_interval"`
	MissingInterval Duration `toml:"missing_transcript_interval"`
}

type NotifyConfig struct {
	RedisURL     string   `toml:"redis_url"`
	StreamMaxLen int      `toml:"stream_max_len"`
	Timeout      Duration `toml:"timeout"`
	NATSURL      string   `toml:"nats_url"`
}

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// New builds the configuration from defaults, then the optional TOML file
// (AGENTRUN_CONFIG or <data dir>/config.toml), then environment overrides.
func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("AGENTRUN_DATA_DIR", filepath.Join(homeDir, ".agentrun"))

	c := &Config{
		DataDir:         dataDir,
		DBPath:          filepath.Join(dataDir, "agentrun.db"),
		UserAgentDir:    filepath.Join(dataDir, "agents"),
		ProjectAgentDir: ".agentrun/agents",
		ProjectsDir:     filepath.Join(homeDir, ".claude", "projects"),
		Orchestrator: OrchestratorConfig{
			StartupTimeout:  Duration{30 * time.Second},
			KillGrace:       Duration{3 * time.Second},
			DrainTimeout:    Duration{5 * time.Second},
			SweepInterval:   Duration{15 * time.Second},
			TailInterval:    Duration{500 * time.Millisecond},
			MissingInterval: Duration{2 * time.Second},
		},
		Notify: NotifyConfig{
			StreamMaxLen: 1000,
			Timeout:      Duration{2 * time.Second},
		},
	}

	path := getEnv("AGENTRUN_CONFIG", filepath.Join(dataDir, "config.toml"))
	if err := c.LoadFile(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}

	return c, nil
}

// LoadFile overlays the TOML file at path on c.
func (c *Config) LoadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DBPath = getEnv("AGENTRUN_DB", c.DBPath)
	c.ClaudeBinary = getEnv("AGENTRUN_CLAUDE_BIN", c.ClaudeBinary)
	c.ProjectsDir = getEnv("AGENTRUN_TRANSCRIPTS_DIR", c.ProjectsDir)
	c.Notify.RedisURL = getEnv("AGENTRUN_REDIS_URL", c.Notify.RedisURL)
	c.Notify.NATSURL = getEnv("AGENTRUN_NATS_URL", c.Notify.NATSURL)

	durations := map[string]*Duration{
		"AGENTRUN_STARTUP_TIMEOUT": &c.Orchestrator.StartupTimeout,
		"AGENTRUN_KILL_GRACE":      &c.Orchestrator.KillGrace,
		"AGENTRUN_SWEEP_INTERVAL":  &c.Orchestrator.SweepInterval,
	}
	for key, d := range durations {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := d.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	if v, ok := os.LookupEnv("AGENTRUN_STREAM_MAX_LEN"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AGENTRUN_STREAM_MAX_LEN: %w", err)
		}
		c.Notify.StreamMaxLen = n
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserAgentDir, 0755); err != nil {
		return err
	}
	return nil
}

// AgentDirs lists catalog directories, user-wide first so project
// definitions override them.
func (c *Config) AgentDirs() []string {
	return []string{c.UserAgentDir, c.ProjectAgentDir}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
