package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mpataki/agentrun/internal/models"
	"gopkg.in/yaml.v3"
)

var ErrAgentNotFound = errors.New("agent not found")

const defaultModel = "sonnet"

func Parse(path string) (*models.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent file: %w", err)
	}

	var agent models.Agent
	if err := yaml.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("failed to parse agent YAML: %w", err)
	}

	if agent.ID == "" {
		agent.ID = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
	}
	if agent.Name == "" {
		agent.Name = agent.ID
	}
	if agent.Model == "" {
		agent.Model = defaultModel
	}
	agent.Source = path

	return &agent, nil
}

// Catalog holds agent definitions keyed by id.
type Catalog struct {
	agents map[string]*models.Agent
}

// LoadAll reads every *.yaml/*.yml file in dirs. Later directories override
// earlier ones; missing directories are skipped.
func LoadAll(dirs []string) (*Catalog, error) {
	c := &Catalog{agents: make(map[string]*models.Agent)}

	for _, dir := range dirs {
		if err := c.loadFromDir(dir); err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return c, nil
}

func (c *Catalog) loadFromDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		agent, err := Parse(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if err := Validate(agent); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		c.agents[agent.ID] = agent
	}

	return nil
}

// Add registers a definition, replacing any with the same id.
func (c *Catalog) Add(agent *models.Agent) error {
	if err := Validate(agent); err != nil {
		return err
	}
	if c.agents == nil {
		c.agents = make(map[string]*models.Agent)
	}
	c.agents[agent.ID] = agent
	return nil
}

func (c *Catalog) Agent(id string) (*models.Agent, error) {
	a, ok := c.agents[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrAgentNotFound)
	}
	return a, nil
}

func (c *Catalog) List() []*models.Agent {
	out := make([]*models.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func Validate(agent *models.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("agent must have an id")
	}
	if strings.ContainsAny(agent.ID, " /\\") {
		return fmt.Errorf("agent id %q must not contain spaces or slashes", agent.ID)
	}
	if strings.TrimSpace(agent.SystemPrompt) == "" {
		return fmt.Errorf("agent %q must have a system_prompt", agent.ID)
	}
	return nil
}
