package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dataparency-dev/exchange/types"
)

func TestScreenTaskFlagsIrreversibleOpenEndedAutonomy(t *testing.T) {
	task := types.Task{Metadata: map[string]any{
		"reversible":     false,
		"autonomy_level": "open_ended",
	}}
	warnings := ScreenTask(task)
	assert.Contains(t, warnings, "irreversible task with open-ended autonomy — high risk")
}

func TestScreenTaskFlagsHighContextLowVerifiability(t *testing.T) {
	task := types.Task{Metadata: map[string]any{
		"context_sensitivity": 0.9,
		"verifiability":       0.1,
	}}
	warnings := ScreenTask(task)
	assert.Contains(t, warnings, "high context sensitivity with low verifiability — potential exfiltration vector")
}

func TestScreenTaskFlagsTightDeadlineForComplexity(t *testing.T) {
	task := types.Task{Metadata: map[string]any{
		"complexity":        9.0,
		"deadline_unix_ms":  float64(time.Now().Add(time.Minute).UnixMilli()),
	}}
	warnings := ScreenTask(task)
	assert.Contains(t, warnings, "deadline too tight for complexity — potential pressure tactic")
}

func TestScreenTaskCleanTaskHasNoWarnings(t *testing.T) {
	task := types.Task{Metadata: map[string]any{
		"reversible":     true,
		"autonomy_level": "supervised",
	}}
	assert.Empty(t, ScreenTask(task))
}

func TestScreenTaskNilMetadataIsSafe(t *testing.T) {
	assert.Empty(t, ScreenTask(types.Task{}))
}
