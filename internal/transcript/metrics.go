package transcript

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mpataki/agentrun/internal/models"
)

type usage struct {
	InputTokens  *int64 `json:"input_tokens"`
	OutputTokens *int64 `json:"output_tokens"`
}

type record struct {
	Timestamp string   `json:"timestamp"`
	Usage     *usage   `json:"usage"`
	Cost      *float64 `json:"cost"`
	Message   *struct {
		Usage *usage `json:"usage"`
	} `json:"message"`
}

// Metrics summarizes a transcript: wall time between the earliest and latest
// timestamps, input plus output tokens, accumulated cost and the number of
// JSON records. Zero totals are reported as nil.
func Metrics(content string) *models.RunMetrics {
	var (
		tokens     int64
		cost       float64
		count      int64
		start, end time.Time
	)

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		count++

		if ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp); err == nil {
			if start.IsZero() || ts.Before(start) {
				start = ts
			}
			if end.IsZero() || ts.After(end) {
				end = ts
			}
		}

		u := rec.Usage
		if u == nil && rec.Message != nil {
			u = rec.Message.Usage
		}
		if u != nil {
			if u.InputTokens != nil {
				tokens += *u.InputTokens
			}
			if u.OutputTokens != nil {
				tokens += *u.OutputTokens
			}
		}

		if rec.Cost != nil {
			cost += *rec.Cost
		}
	}

	m := &models.RunMetrics{}
	if !start.IsZero() {
		d := end.Sub(start).Milliseconds()
		m.DurationMS = &d
	}
	if tokens > 0 {
		m.TotalTokens = &tokens
	}
	if cost > 0 {
		m.CostUSD = &cost
	}
	if count > 0 {
		m.MessageCount = &count
	}
	return m
}
