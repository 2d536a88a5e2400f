// Package transcript locates and reads the JSONL session transcripts the
// agent CLI writes under ~/.claude/projects.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrNotFound = errors.New("session transcript not found")

type Reader struct {
	ProjectsDir string
}

// NewReader returns a reader rooted at dir, or at ~/.claude/projects when dir
// is empty.
func NewReader(dir string) (*Reader, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, ".claude", "projects")
	}
	return &Reader{ProjectsDir: dir}, nil
}

// EncodeProjectPath maps a project path to its transcript directory name.
func EncodeProjectPath(projectPath string) string {
	return strings.ReplaceAll(projectPath, "/", "-")
}

// Resolve finds <sessionID>.jsonl. The directory derived from projectPath is
// tried first, then every project directory, since the CLI's own encoding
// does not always match ours.
func (r *Reader) Resolve(sessionID, projectPath string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	name := sessionID + ".jsonl"

	if projectPath != "" {
		p := filepath.Join(r.ProjectsDir, EncodeProjectPath(projectPath), name)
		if isFile(p) {
			return p, nil
		}
	}

	entries, err := os.ReadDir(r.ProjectsDir)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(r.ProjectsDir, e.Name(), name)
		if isFile(p) {
			return p, nil
		}
	}

	return "", fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
}

func isFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

// ReadFull returns the whole transcript.
func (r *Reader) ReadFull(sessionID, projectPath string) (string, error) {
	p, err := r.Resolve(sessionID, projectPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return string(data), nil
}

// History decodes every JSON record in the transcript, skipping lines that
// are not JSON objects.
func (r *Reader) History(sessionID, projectPath string) ([]map[string]any, error) {
	p, err := r.Resolve(sessionID, projectPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var records []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, sc.Err()
}

// LastAssistantText extracts the text of the final assistant message in a
// transcript, or "" when there is none.
func LastAssistantText(content string) string {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		var rec struct {
			Type    string `json:"type"`
			Message struct {
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(lines[i]), &rec); err != nil || rec.Type != "assistant" {
			continue
		}
		var parts []string
		for _, c := range rec.Message.Content {
			if c.Type == "text" && c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return ""
}
