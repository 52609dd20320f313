package verify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyAllStepsPass(t *testing.T) {
	v := NewVerifier(VerifierConfig{
		Steps: []Step{
			{Name: "typecheck", Command: []string{"true"}},
			{Name: "lint", Command: []string{"true"}},
			{Name: "test", Command: []string{"sh", "-c", "echo ok"}},
		},
	}, nil)

	res := v.Verify(context.Background(), t.TempDir())
	require.True(t, res.Passed)
	assert.Empty(t, res.FailedStep)
	assert.Contains(t, res.Outputs["test"], "ok")
}

func TestVerifyStopsAtFirstFailure(t *testing.T) {
	v := NewVerifier(VerifierConfig{
		Steps: []Step{
			{Name: "typecheck", Command: []string{"true"}},
			{Name: "lint", Command: []string{"sh", "-c", "echo lint broke >&2; exit 1"}},
			{Name: "test", Command: []string{"true"}},
		},
	}, nil)

	res := v.Verify(context.Background(), t.TempDir())
	require.False(t, res.Passed)
	assert.Equal(t, "lint", res.FailedStep)
	assert.Contains(t, res.Outputs["lint"], "lint broke")

	// The failing step short-circuits the rest.
	_, ran := res.Outputs["test"]
	assert.False(t, ran)
}

func TestVerifyStepTimeout(t *testing.T) {
	v := NewVerifier(VerifierConfig{
		Steps:       []Step{{Name: "test", Command: []string{"sleep", "5"}}},
		StepTimeout: 100 * time.Millisecond,
	}, nil)

	start := time.Now()
	res := v.Verify(context.Background(), t.TempDir())
	require.False(t, res.Passed)
	assert.Equal(t, "test", res.FailedStep)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestVerifyMissingCommandFails(t *testing.T) {
	v := NewVerifier(VerifierConfig{
		Steps: []Step{{Name: "typecheck", Command: []string{"definitely-not-a-real-binary"}}},
	}, nil)

	res := v.Verify(context.Background(), t.TempDir())
	assert.False(t, res.Passed)
	assert.Equal(t, "typecheck", res.FailedStep)
}

func TestOutputTruncation(t *testing.T) {
	v := NewVerifier(VerifierConfig{
		Steps: []Step{{Name: "test", Command: []string{"sh", "-c", "yes x | head -c 20000"}}},
	}, nil)

	res := v.Verify(context.Background(), t.TempDir())
	require.True(t, res.Passed)
	assert.LessOrEqual(t, len(res.Outputs["test"]), outputCap+len("\n... (truncated)"))
	assert.Contains(t, res.Outputs["test"], "truncated")
}

func TestSummaryIncludesStepOutputs(t *testing.T) {
	res := Result{
		Passed:     false,
		FailedStep: "lint",
		Outputs: map[string]string{
			"typecheck": "",
			"lint":      "unused variable",
		},
	}
	s := res.Summary()
	assert.True(t, strings.HasPrefix(s, "verification failed at lint"))
	assert.Contains(t, s, "=== lint ===")
	assert.Contains(t, s, "unused variable")
}
