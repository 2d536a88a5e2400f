package models

// Agent is a catalog entry describing how to launch an agent run.
type Agent struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Icon         string         `yaml:"icon"`
	Model        string         `yaml:"model"`
	SystemPrompt string         `yaml:"system_prompt"`
	DefaultTask  string         `yaml:"default_task"`
	Hooks        map[string]any `yaml:"hooks,omitempty"`

	// Source is the file the definition was loaded from.
	Source string `yaml:"-"`
}
