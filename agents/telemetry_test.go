package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTelemetryResultLine(t *testing.T) {
	line := `{"type":"result","subtype":"success","modelUsage":{"claude-sonnet-4":{"inputTokens":1200,"outputTokens":340,"cacheReadInputTokens":9000,"cacheCreationInputTokens":150,"costUSD":0.0421}}}`

	tel, ok := parseTelemetry(line)
	require.True(t, ok)
	assert.Equal(t, "claude-sonnet-4", tel.Model)
	assert.Equal(t, int64(1200), tel.InputTokens)
	assert.Equal(t, int64(340), tel.OutputTokens)
	assert.Equal(t, int64(9000), tel.CacheRead)
	assert.Equal(t, int64(150), tel.CacheWrite)
	assert.InDelta(t, 0.0421, tel.CostUSD, 1e-9)
}

func TestParseTelemetrySumsMultipleModels(t *testing.T) {
	line := `{"type":"result","modelUsage":{` +
		`"claude-sonnet-4":{"inputTokens":1000,"outputTokens":500,"costUSD":0.03},` +
		`"claude-haiku":{"inputTokens":100,"outputTokens":50,"costUSD":0.001}}}`

	tel, ok := parseTelemetry(line)
	require.True(t, ok)
	assert.Equal(t, int64(1100), tel.InputTokens)
	assert.Equal(t, int64(550), tel.OutputTokens)
	assert.InDelta(t, 0.031, tel.CostUSD, 1e-9)
	// The bigger contributor wins the model label.
	assert.Equal(t, "claude-sonnet-4", tel.Model)
}

func TestParseTelemetryRejectsNonResultLines(t *testing.T) {
	for _, line := range []string{
		"",
		"plain progress output",
		`{"type":"assistant","message":{"content":"thinking"}}`,
		`{"type":"result"}`, // no modelUsage block
		`{"type":"result","modelUsage":{}}`,
		`{not json at all`,
		`   `,
	} {
		_, ok := parseTelemetry(line)
		assert.False(t, ok, "line %q should not parse as telemetry", line)
	}
}

func TestParseTelemetryTolerantOfWhitespace(t *testing.T) {
	line := `  {"type":"result","modelUsage":{"m":{"inputTokens":1,"outputTokens":2}}}  `
	tel, ok := parseTelemetry(line)
	require.True(t, ok)
	assert.Equal(t, int64(1), tel.InputTokens)
}
