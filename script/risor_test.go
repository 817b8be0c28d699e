package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRisorEngineCompileAndEvaluate(t *testing.T) {
	ctx := context.Background()
	engine := NewRisorEngine(map[string]any{"name": nil})

	compiled, err := engine.Compile(ctx, `"hello " + name`)
	require.NoError(t, err)

	value, err := compiled.Evaluate(ctx, map[string]any{"name": "world"})
	require.NoError(t, err)
	require.Equal(t, "hello world", value.Value())
	require.Equal(t, "hello world", value.String())
	require.True(t, value.IsTruthy())
}

func TestRisorEngineCompileError(t *testing.T) {
	engine := NewRisorEngine(nil)
	_, err := engine.Compile(context.Background(), `func (`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to parse script")
}

func TestRisorEngineUnknownGlobal(t *testing.T) {
	engine := NewRisorEngine(nil)
	_, err := engine.Compile(context.Background(), `undeclared + 1`)
	require.Error(t, err)
}

func TestRisorValueTruthiness(t *testing.T) {
	ctx := context.Background()
	engine := NewRisorEngine(nil)

	tests := []struct {
		code   string
		truthy bool
	}{
		{`true`, true},
		{`false`, false},
		{`""`, false},
		{`"x"`, true},
		{`0`, false},
		{`1`, true},
		{`nil`, false},
	}
	for _, tt := range tests {
		compiled, err := engine.Compile(ctx, tt.code)
		require.NoError(t, err)
		value, err := compiled.Evaluate(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, tt.truthy, value.IsTruthy(), tt.code)
	}
}

func TestRisorValueConversion(t *testing.T) {
	ctx := context.Background()
	engine := NewRisorEngine(nil)

	compiled, err := engine.Compile(ctx, `{"count": 2, "items": ["a", "b"], "done": true}`)
	require.NoError(t, err)
	value, err := compiled.Evaluate(ctx, nil)
	require.NoError(t, err)

	result, ok := value.Value().(map[string]any)
	require.True(t, ok)
	require.Equal(t, int64(2), result["count"])
	require.Equal(t, []any{"a", "b"}, result["items"])
	require.Equal(t, true, result["done"])
}

func TestRisorEngineGlobalsMerge(t *testing.T) {
	ctx := context.Background()
	engine := NewRisorEngine(map[string]any{"base": "engine", "other": nil})

	compiled, err := engine.Compile(ctx, `base + ":" + other`)
	require.NoError(t, err)

	// Per-evaluation globals override engine-level ones
	value, err := compiled.Evaluate(ctx, map[string]any{"base": "call", "other": "x"})
	require.NoError(t, err)
	require.Equal(t, "call:x", value.Value())
}
