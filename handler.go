package waypoint

import (
	"context"
	"fmt"
)

// HandlerOutput is what a handler invocation produces: an opaque output the
// core never inspects, and the actual cost of producing it.
type HandlerOutput struct {
	Output any
	Cost   float64
}

// Handler is the contract each specialized task handler implements. The core
// consumes this interface; it never implements handler semantics itself.
type Handler interface {

	// Type returns the handler type this handler serves.
	Type() HandlerType

	// EstimateCost predicts the cost of invoking this handler for the given
	// waypoint, used by the ledger's pre-charge admission control.
	EstimateCost(ctx context.Context, wp *Waypoint) (float64, error)

	// Invoke performs the waypoint's work. On revision attempts, feedback
	// carries the structured result of the previous failed verification.
	Invoke(ctx context.Context, wp *Waypoint, feedback *RevisionFeedback) (*HandlerOutput, error)
}

// HandlerRegistry maps handler types to handlers.
type HandlerRegistry map[HandlerType]Handler

// NewHandlerRegistry builds a registry from a list of handlers, rejecting
// duplicate types.
func NewHandlerRegistry(handlers []Handler) (HandlerRegistry, error) {
	registry := make(HandlerRegistry, len(handlers))
	for _, h := range handlers {
		if !h.Type().Valid() {
			return nil, fmt.Errorf("handler has unknown type %q", h.Type())
		}
		if _, exists := registry[h.Type()]; exists {
			return nil, fmt.Errorf("duplicate handler for type %q", h.Type())
		}
		registry[h.Type()] = h
	}
	return registry, nil
}

// HandlerFunc is a function-backed handler with a fixed cost estimate.
type HandlerFunc struct {
	handlerType HandlerType
	estimate    float64
	fn          func(ctx context.Context, wp *Waypoint, feedback *RevisionFeedback) (*HandlerOutput, error)
}

// NewHandlerFunc creates a new HandlerFunc
func NewHandlerFunc(handlerType HandlerType, estimate float64, fn func(ctx context.Context, wp *Waypoint, feedback *RevisionFeedback) (*HandlerOutput, error)) *HandlerFunc {
	return &HandlerFunc{handlerType: handlerType, estimate: estimate, fn: fn}
}

func (h *HandlerFunc) Type() HandlerType {
	return h.handlerType
}

func (h *HandlerFunc) EstimateCost(ctx context.Context, wp *Waypoint) (float64, error) {
	return h.estimate, nil
}

func (h *HandlerFunc) Invoke(ctx context.Context, wp *Waypoint, feedback *RevisionFeedback) (*HandlerOutput, error) {
	return h.fn(ctx, wp, feedback)
}
