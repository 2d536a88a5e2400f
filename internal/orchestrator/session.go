package orchestrator

import (
	"encoding/json"
	"strings"
	"sync"
)

// sessionCell holds the agent session id. Only the first Set sticks.
type sessionCell struct {
	mu    sync.Mutex
	value string
}

func (c *sessionCell) Set(v string) bool {
	if v == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value != "" {
		return false
	}
	c.value = v
	return true
}

func (c *sessionCell) Get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// parseSessionID returns the session id carried by the CLI's init record,
// or "" for any other line.
func parseSessionID(line string) string {
	if !strings.Contains(line, `"session_id"`) {
		return ""
	}
	var rec struct {
		Type      string `json:"type"`
		Subtype   string `json:"subtype"`
		SessionID any    `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return ""
	}
	if rec.Type != "system" || rec.Subtype != "init" {
		return ""
	}
	sid, _ := rec.SessionID.(string)
	return sid
}
