package agents

import (
	"encoding/json"
	"strings"
)

// modelUsage mirrors the per-model usage block in the CLI's final result
// line.
type modelUsage struct {
	InputTokens         int64   `json:"inputTokens"`
	OutputTokens        int64   `json:"outputTokens"`
	CacheReadTokens     int64   `json:"cacheReadInputTokens"`
	CacheCreationTokens int64   `json:"cacheCreationInputTokens"`
	CostUSD             float64 `json:"costUSD"`
}

type resultLine struct {
	Type       string                `json:"type"`
	ModelUsage map[string]modelUsage `json:"modelUsage"`
}

// Telemetry is the usage summary extracted from an agent's result line.
// Multi-model runs are summed; Model keeps the largest contributor.
type Telemetry struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	CacheRead    int64
	CacheWrite   int64
	CostUSD      float64
}

// parseTelemetry inspects one output line for the CLI's final result record:
// a JSON object with type=="result" and a modelUsage block. Any other line,
// including malformed JSON, returns false without error — agents print
// plenty of non-JSON output.
func parseTelemetry(line string) (Telemetry, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return Telemetry{}, false
	}

	var rec resultLine
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return Telemetry{}, false
	}
	if rec.Type != "result" || len(rec.ModelUsage) == 0 {
		return Telemetry{}, false
	}

	var t Telemetry
	var topTokens int64
	for model, u := range rec.ModelUsage {
		t.InputTokens += u.InputTokens
		t.OutputTokens += u.OutputTokens
		t.CacheRead += u.CacheReadTokens
		t.CacheWrite += u.CacheCreationTokens
		t.CostUSD += u.CostUSD
		if u.InputTokens+u.OutputTokens >= topTokens {
			topTokens = u.InputTokens + u.OutputTokens
			t.Model = model
		}
	}
	return t, true
}
