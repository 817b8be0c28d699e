package waypoint

import (
	"fmt"
	"os"

	"go.jetify.com/typeid"
	"gopkg.in/yaml.v3"
)

// NewWaypointID returns a new unique waypoint identifier.
func NewWaypointID() string {
	id, err := typeid.WithPrefix("wp")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ScriptHandlerConfig declares a risor-scripted handler inside a plan file,
// so plans can execute end to end without external services.
type ScriptHandlerConfig struct {
	Type          HandlerType `json:"type" yaml:"type"`
	Script        string      `json:"script" yaml:"script"`
	EstimatedCost float64     `json:"estimated_cost,omitempty" yaml:"estimated_cost,omitempty"`
}

// PlanOptions are used to configure a plan.
type PlanOptions struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Budget      float64                `json:"budget,omitempty" yaml:"budget,omitempty"`
	Waypoints   []*Waypoint            `json:"waypoints" yaml:"waypoints"`
	Handlers    []*ScriptHandlerConfig `json:"handlers,omitempty" yaml:"handlers,omitempty"`
	Verify      string                 `json:"verify,omitempty" yaml:"verify,omitempty"`
}

// Plan defines a budgeted, dependency-ordered set of waypoints.
type Plan struct {
	name        string
	description string
	budget      float64
	waypoints   []*Waypoint
	handlers    []*ScriptHandlerConfig
	verify      string
}

// NewPlan returns a new Plan configured with the given options.
func NewPlan(opts PlanOptions) (*Plan, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("plan name required")
	}
	if len(opts.Waypoints) == 0 {
		return nil, fmt.Errorf("waypoints required")
	}
	for _, wp := range opts.Waypoints {
		if wp.ID == "" {
			wp.ID = NewWaypointID()
		}
		if !wp.Handler.Valid() {
			return nil, fmt.Errorf("waypoint %q has unknown handler type %q", wp.ID, wp.Handler)
		}
	}
	for _, h := range opts.Handlers {
		if !h.Type.Valid() {
			return nil, fmt.Errorf("scripted handler has unknown type %q", h.Type)
		}
		if h.Script == "" {
			return nil, fmt.Errorf("scripted handler %q requires a script", h.Type)
		}
	}

	// Building the graph validates uniqueness, dependency references, and
	// acyclicity up front, before any run is attempted.
	if _, err := NewGraph(copyWaypoints(opts.Waypoints)); err != nil {
		return nil, fmt.Errorf("plan validation failed: %w", err)
	}

	return &Plan{
		name:        opts.Name,
		description: opts.Description,
		budget:      opts.Budget,
		waypoints:   opts.Waypoints,
		handlers:    opts.Handlers,
		verify:      opts.Verify,
	}, nil
}

// Name returns the plan name
func (p *Plan) Name() string {
	return p.name
}

// Description returns the plan description
func (p *Plan) Description() string {
	return p.description
}

// Budget returns the plan's budget ceiling
func (p *Plan) Budget() float64 {
	return p.budget
}

// Waypoints returns the plan's waypoint definitions
func (p *Plan) Waypoints() []*Waypoint {
	return p.waypoints
}

// ScriptHandlers returns the scripted handler declarations, if any
func (p *Plan) ScriptHandlers() []*ScriptHandlerConfig {
	return p.handlers
}

// VerifyScript returns the plan's verification script source, if any
func (p *Plan) VerifyScript() string {
	return p.verify
}

// LoadFile loads a plan from a YAML file
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return LoadString(string(data))
}

// LoadString loads a plan from a YAML string
func LoadString(data string) (*Plan, error) {
	var opts PlanOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	return NewPlan(opts)
}
