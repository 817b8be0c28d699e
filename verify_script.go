package waypoint

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/waypoint/script"
)

// ScriptVerifier verifies handler outputs with a compiled script. The script
// sees the waypoint and the output as globals. A truthy result passes; a
// falsy result fails with the result's string form as the revision reason.
type ScriptVerifier struct {
	compiled script.Script
}

// NewScriptVerifier compiles the given verification script.
func NewScriptVerifier(ctx context.Context, compiler script.Compiler, source string) (*ScriptVerifier, error) {
	if source == "" {
		return nil, fmt.Errorf("verification script is empty")
	}
	compiled, err := compiler.Compile(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to compile verification script: %w", err)
	}
	return &ScriptVerifier{compiled: compiled}, nil
}

func (v *ScriptVerifier) Verify(ctx context.Context, wp *Waypoint, output any) (*VerificationResult, error) {
	value, err := v.compiled.Evaluate(ctx, map[string]any{
		"waypoint": map[string]any{
			"id":          wp.ID,
			"description": wp.Description,
			"handler":     string(wp.Handler),
		},
		"output": output,
	})
	if err != nil {
		return nil, fmt.Errorf("verification script failed: %w", err)
	}
	if value.IsTruthy() {
		return &VerificationResult{Passed: true}, nil
	}
	reason := value.String()
	if reason == "" || reason == "false" || reason == "nil" {
		reason = "verification script rejected the output"
	}
	return &VerificationResult{
		Passed: false,
		Feedback: &RevisionFeedback{
			Reason:  reason,
			Details: map[string]any{"waypoint_id": wp.ID},
		},
	}, nil
}
