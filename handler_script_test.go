package waypoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScriptHandler(t *testing.T) {
	ctx := context.Background()
	compiler := newScriptCompiler()

	t.Run("evaluates with waypoint globals", func(t *testing.T) {
		handler, err := NewScriptHandler(ctx, compiler, &ScriptHandlerConfig{
			Type:          HandlerGeneration,
			Script:        `"generated for " + waypoint["id"]`,
			EstimatedCost: 0.25,
		})
		require.NoError(t, err)
		require.Equal(t, HandlerGeneration, handler.Type())

		estimate, err := handler.EstimateCost(ctx, &Waypoint{ID: "wp-1"})
		require.NoError(t, err)
		require.Equal(t, 0.25, estimate)

		out, err := handler.Invoke(ctx, &Waypoint{ID: "wp-1", Handler: HandlerGeneration}, nil)
		require.NoError(t, err)
		require.Equal(t, "generated for wp-1", out.Output)
		require.Equal(t, 0.25, out.Cost)
	})

	t.Run("sees revision feedback", func(t *testing.T) {
		handler, err := NewScriptHandler(ctx, compiler, &ScriptHandlerConfig{
			Type:   HandlerGeneration,
			Script: `feedback != nil ? "revised: " + feedback["reason"] : "first try"`,
		})
		require.NoError(t, err)

		wp := &Waypoint{ID: "wp-1", Handler: HandlerGeneration}
		out, err := handler.Invoke(ctx, wp, nil)
		require.NoError(t, err)
		require.Equal(t, "first try", out.Output)

		out, err = handler.Invoke(ctx, wp, &RevisionFeedback{Reason: "tests failed"})
		require.NoError(t, err)
		require.Equal(t, "revised: tests failed", out.Output)
	})

	t.Run("compile errors surface at construction", func(t *testing.T) {
		_, err := NewScriptHandler(ctx, compiler, &ScriptHandlerConfig{
			Type:   HandlerGeneration,
			Script: `func (`,
		})
		require.Error(t, err)
	})

	t.Run("invalid type is rejected", func(t *testing.T) {
		_, err := NewScriptHandler(ctx, compiler, &ScriptHandlerConfig{
			Type:   "sorcery",
			Script: `"x"`,
		})
		require.Error(t, err)
	})
}

func TestScriptVerifier(t *testing.T) {
	ctx := context.Background()
	compiler := newScriptCompiler()

	t.Run("truthy result passes", func(t *testing.T) {
		verifier, err := NewScriptVerifier(ctx, compiler, `output == "expected"`)
		require.NoError(t, err)

		result, err := verifier.Verify(ctx, &Waypoint{ID: "wp-1"}, "expected")
		require.NoError(t, err)
		require.True(t, result.Passed)
		require.Nil(t, result.Feedback)
	})

	t.Run("falsy result fails with feedback", func(t *testing.T) {
		verifier, err := NewScriptVerifier(ctx, compiler, `output == "expected"`)
		require.NoError(t, err)

		result, err := verifier.Verify(ctx, &Waypoint{ID: "wp-1"}, "wrong")
		require.NoError(t, err)
		require.False(t, result.Passed)
		require.NotNil(t, result.Feedback)
		require.NotEmpty(t, result.Feedback.Reason)
	})

	t.Run("string result becomes the revision reason", func(t *testing.T) {
		verifier, err := NewScriptVerifier(ctx, compiler, `output == "expected" ? true : ""`)
		require.NoError(t, err)

		result, err := verifier.Verify(ctx, &Waypoint{ID: "wp-1"}, "wrong")
		require.NoError(t, err)
		require.False(t, result.Passed)
	})

	t.Run("empty script is rejected", func(t *testing.T) {
		_, err := NewScriptVerifier(ctx, compiler, "")
		require.Error(t, err)
	})
}
