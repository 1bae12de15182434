package registry

import (
	"fmt"

	"github.com/orneryd/assetcore/pkg/asset"
)

// AddDependency records that a depends on b. The edge is stored in both
// directions. Adding an existing edge is a no-op. Edges that would close a
// cycle (including a self edge) are rejected with asset.ErrDependencyCycle.
func (r *Registry) AddDependency(a, b asset.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return asset.ErrClosed
	}
	ma, okA := r.assets[a]
	mb, okB := r.assets[b]
	if !okA || !okB {
		return asset.ErrNotRegistered
	}
	if ma.HasDependency(b) {
		return nil
	}
	if a == b || r.reachable(b, a) {
		return fmt.Errorf("%w: %s -> %s", asset.ErrDependencyCycle, ma.Path, mb.Path)
	}

	ma.Dependencies = append(ma.Dependencies, b)
	mb.Dependents = append(mb.Dependents, a)
	return nil
}

// RemoveDependency removes the edge a -> b from both sides.
func (r *Registry) RemoveDependency(a, b asset.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return asset.ErrClosed
	}
	ma, okA := r.assets[a]
	mb, okB := r.assets[b]
	if !okA || !okB {
		return asset.ErrNotRegistered
	}
	ma.Dependencies = removeID(ma.Dependencies, b)
	mb.Dependents = removeID(mb.Dependents, a)
	return nil
}

// Dependencies returns the direct dependencies of id in insertion order.
func (r *Registry) Dependencies(id asset.ID) []asset.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.assets[id]
	if !ok {
		return nil
	}
	return append([]asset.ID(nil), m.Dependencies...)
}

// Dependents returns the assets that directly depend on id.
func (r *Registry) Dependents(id asset.ID) []asset.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.assets[id]
	if !ok {
		return nil
	}
	return append([]asset.ID(nil), m.Dependents...)
}

// DependencyChain returns the transitive dependencies of id followed by id
// itself, in the order they must be loaded (every asset appears after all
// of its dependencies). The traversal keeps a visited set, so it terminates
// even if the graph were to contain a cycle.
func (r *Registry) DependencyChain(id asset.ID) []asset.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.assets[id]; !ok {
		return nil
	}
	visited := make(map[asset.ID]struct{})
	var order []asset.ID
	var visit func(asset.ID)
	visit = func(cur asset.ID) {
		if _, seen := visited[cur]; seen {
			return
		}
		visited[cur] = struct{}{}
		m := r.assets[cur]
		if m == nil {
			return
		}
		for _, dep := range m.Dependencies {
			visit(dep)
		}
		order = append(order, cur)
	}
	visit(id)
	return order
}

// reachable reports whether to can be reached from from by following
// dependency edges. Must be called with r.mu held.
func (r *Registry) reachable(from, to asset.ID) bool {
	visited := make(map[asset.ID]struct{})
	stack := []asset.ID{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if _, seen := visited[cur]; seen {
			continue
		}
		visited[cur] = struct{}{}
		if m := r.assets[cur]; m != nil {
			stack = append(stack, m.Dependencies...)
		}
	}
	return false
}
