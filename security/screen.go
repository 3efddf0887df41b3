package security

import (
	"time"

	"github.com/dataparency-dev/exchange/types"
)

// ScreenTask runs the four admission heuristics from the teacher's
// ScreenTask over a task's optional metadata and returns advisory
// warnings. Submission never blocks on these — the exchange attaches them
// to Task.Warnings and lets the client or a human reviewer decide.
func ScreenTask(task types.Task) []string {
	var warnings []string

	if perms, ok := task.Metadata["permissions"].([]any); ok && len(perms) > 10 {
		warnings = append(warnings, "excessive permissions requested")
	}

	reversible, hasReversible := task.Metadata["reversible"].(bool)
	autonomy, _ := task.Metadata["autonomy_level"].(string)
	if hasReversible && !reversible && autonomy == "open_ended" {
		warnings = append(warnings, "irreversible task with open-ended autonomy — high risk")
	}

	contextSensitivity, hasContext := asFloat(task.Metadata["context_sensitivity"])
	verifiability, hasVerifiability := asFloat(task.Metadata["verifiability"])
	if hasContext && hasVerifiability && contextSensitivity > 0.8 && verifiability < 0.3 {
		warnings = append(warnings, "high context sensitivity with low verifiability — potential exfiltration vector")
	}

	complexity, hasComplexity := asFloat(task.Metadata["complexity"])
	if deadlineMs, ok := asFloat(task.Metadata["deadline_unix_ms"]); ok && hasComplexity && complexity > 7 {
		deadline := time.UnixMilli(int64(deadlineMs))
		if remaining := time.Until(deadline); remaining < time.Duration(complexity)*5*time.Minute {
			warnings = append(warnings, "deadline too tight for complexity — potential pressure tactic")
		}
	}

	return warnings
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
