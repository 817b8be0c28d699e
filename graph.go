package waypoint

import (
	"fmt"
)

// Graph owns the full set of waypoints and their dependency edges. The
// dependency relation must form a DAG; cycles are rejected at construction
// time. The graph is mutated exclusively by the coordinating run loop.
type Graph struct {
	waypoints []*Waypoint
	byID      map[string]*Waypoint
}

// NewGraph builds a graph from the given waypoints, validating that IDs are
// unique, every dependency refers to a known waypoint, and no cycles exist.
func NewGraph(waypoints []*Waypoint) (*Graph, error) {
	if len(waypoints) == 0 {
		return nil, fmt.Errorf("at least one waypoint required")
	}
	byID := make(map[string]*Waypoint, len(waypoints))
	for _, wp := range waypoints {
		if wp.ID == "" {
			return nil, fmt.Errorf("waypoint id required")
		}
		if _, exists := byID[wp.ID]; exists {
			return nil, fmt.Errorf("duplicate waypoint id %q", wp.ID)
		}
		if wp.Status == "" {
			wp.Status = StatusPending
		}
		byID[wp.ID] = wp
	}
	for _, wp := range waypoints {
		for _, dep := range wp.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("waypoint %q depends on unknown waypoint %q", wp.ID, dep)
			}
		}
	}
	g := &Graph{waypoints: waypoints, byID: byID}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic rejects dependency cycles using a three-color DFS.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	colors := make(map[string]int, len(g.waypoints))

	var visit func(id string) error
	visit = func(id string) error {
		switch colors[id] {
		case gray:
			return fmt.Errorf("dependency cycle involving waypoint %q", id)
		case black:
			return nil
		}
		colors[id] = gray
		for _, dep := range g.byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		colors[id] = black
		return nil
	}

	for _, wp := range g.waypoints {
		if err := visit(wp.ID); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a waypoint by ID.
func (g *Graph) Get(id string) (*Waypoint, bool) {
	wp, ok := g.byID[id]
	return wp, ok
}

// All returns every waypoint in insertion order.
func (g *Graph) All() []*Waypoint {
	return g.waypoints
}

// Ready returns the waypoints eligible for selection, in insertion order:
// those pending or awaiting revision whose predecessors have all succeeded.
func (g *Graph) Ready() []*Waypoint {
	var ready []*Waypoint
	for _, wp := range g.waypoints {
		if wp.Status != StatusPending && wp.Status != StatusNeedsRevision {
			continue
		}
		if g.dependenciesSucceeded(wp) {
			ready = append(ready, wp)
		}
	}
	return ready
}

func (g *Graph) dependenciesSucceeded(wp *Waypoint) bool {
	for _, dep := range wp.DependsOn {
		if g.byID[dep].Status != StatusSucceeded {
			return false
		}
	}
	return true
}

// Unfinished returns all waypoints not yet in a terminal status.
func (g *Graph) Unfinished() []*Waypoint {
	var unfinished []*Waypoint
	for _, wp := range g.waypoints {
		if !wp.Status.Terminal() {
			unfinished = append(unfinished, wp)
		}
	}
	return unfinished
}

// Running returns all waypoints currently in the running status.
func (g *Graph) Running() []*Waypoint {
	var running []*Waypoint
	for _, wp := range g.waypoints {
		if wp.Status == StatusRunning {
			running = append(running, wp)
		}
	}
	return running
}

// Skippable returns the pending waypoints that can never run because a
// dependency has failed or been skipped. The computation is transitive:
// dependents of skipped waypoints become skippable themselves.
func (g *Graph) Skippable() []*Waypoint {
	blocked := make(map[string]bool, len(g.waypoints))
	for _, wp := range g.waypoints {
		if wp.Status == StatusFailed || wp.Status == StatusSkipped {
			blocked[wp.ID] = true
		}
	}

	var skippable []*Waypoint
	for changed := true; changed; {
		changed = false
		for _, wp := range g.waypoints {
			if wp.Status != StatusPending || blocked[wp.ID] {
				continue
			}
			for _, dep := range wp.DependsOn {
				if blocked[dep] {
					blocked[wp.ID] = true
					skippable = append(skippable, wp)
					changed = true
					break
				}
			}
		}
	}
	return skippable
}
