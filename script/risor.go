package script

import (
	"context"
	"fmt"
	"sort"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorEngine compiles and evaluates risor scripts with a fixed set of
// engine-level globals merged under the per-evaluation globals.
type RisorEngine struct {
	globals map[string]any
}

// NewRisorEngine creates a risor-backed Compiler.
func NewRisorEngine(globals map[string]any) *RisorEngine {
	if globals == nil {
		globals = map[string]any{}
	}
	return &RisorEngine{globals: globals}
}

func (e *RisorEngine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	var globalNames []string
	for name := range e.globals {
		globalNames = append(globalNames, name)
	}
	sort.Strings(globalNames)

	code2, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	return &RisorScript{engine: e, code: code2}, nil
}

// RisorScript is a compiled risor script.
type RisorScript struct {
	engine *RisorEngine
	code   *compiler.Code
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.engine.globals)+len(globals))
	for name, value := range s.engine.globals {
		combined[name] = value
	}
	for name, value := range globals {
		combined[name] = value
	}
	obj, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate script: %w", err)
	}
	return &RisorValue{obj: obj}, nil
}

// RisorValue adapts a risor object to the Value interface.
type RisorValue struct {
	obj object.Object
}

func (v *RisorValue) Value() any {
	return toGoValue(v.obj)
}

func (v *RisorValue) String() string {
	if s, ok := v.obj.(*object.String); ok {
		return s.Value()
	}
	return v.obj.Inspect()
}

func (v *RisorValue) IsTruthy() bool {
	return v.obj.IsTruthy()
}

// toGoValue converts a risor object into a plain Go value, recursively for
// containers.
func toGoValue(obj object.Object) any {
	switch o := obj.(type) {
	case *object.NilType:
		return nil
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.List:
		var result []any
		for _, item := range o.Value() {
			result = append(result, toGoValue(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			result[key] = toGoValue(value)
		}
		return result
	default:
		return o.Inspect()
	}
}
