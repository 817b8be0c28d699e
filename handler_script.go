package waypoint

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/waypoint/script"
)

// ScriptHandler is a Handler backed by a compiled script. The script sees the
// waypoint and any revision feedback as globals and its result becomes the
// handler output. Cost estimation is a fixed per-invocation figure from the
// plan; the actual charge equals the estimate.
type ScriptHandler struct {
	handlerType HandlerType
	compiled    script.Script
	estimate    float64
}

// NewScriptHandler compiles the given source with the compiler and returns a
// handler of the given type.
func NewScriptHandler(ctx context.Context, compiler script.Compiler, cfg *ScriptHandlerConfig) (*ScriptHandler, error) {
	if !cfg.Type.Valid() {
		return nil, fmt.Errorf("scripted handler has unknown type %q", cfg.Type)
	}
	compiled, err := compiler.Compile(ctx, cfg.Script)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %q handler script: %w", cfg.Type, err)
	}
	return &ScriptHandler{
		handlerType: cfg.Type,
		compiled:    compiled,
		estimate:    cfg.EstimatedCost,
	}, nil
}

func (h *ScriptHandler) Type() HandlerType {
	return h.handlerType
}

func (h *ScriptHandler) EstimateCost(ctx context.Context, wp *Waypoint) (float64, error) {
	return h.estimate, nil
}

func (h *ScriptHandler) Invoke(ctx context.Context, wp *Waypoint, feedback *RevisionFeedback) (*HandlerOutput, error) {
	value, err := h.compiled.Evaluate(ctx, scriptGlobals(wp, feedback))
	if err != nil {
		return nil, err
	}
	return &HandlerOutput{Output: value.Value(), Cost: h.estimate}, nil
}

// scriptGlobals exposes the waypoint and feedback to a script as plain maps.
func scriptGlobals(wp *Waypoint, feedback *RevisionFeedback) map[string]any {
	globals := map[string]any{
		"waypoint": map[string]any{
			"id":                wp.ID,
			"description":       wp.Description,
			"handler":           string(wp.Handler),
			"depends_on":        wp.DependsOn,
			"critical":          wp.Critical,
			"attempts":          wp.Attempts,
			"revision_attempts": wp.RevisionAttempts,
		},
		"feedback": nil,
	}
	if feedback != nil {
		globals["feedback"] = map[string]any{
			"reason":  feedback.Reason,
			"details": feedback.Details,
		}
	}
	return globals
}
