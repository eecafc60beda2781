package world

import (
	"fmt"
	"sort"

	"kiln/internal/model"
	"kiln/internal/tensor"
)

// Dependency structure is fixed at materialization: rebuilding a node after a
// parent's value changes re-runs its builder against already-materialized
// values only. A builder that tries to touch a brand new variable during a
// rebuild is a model error and fails the proposal.

// reader resolves builder callbacks during rebuilds without growing the node
// set or recording edges.
type reader struct{ w *World }

func (r reader) Call(id model.RVIdentifier) tensor.Tensor {
	n, ok := r.w.nodes[id]
	if !ok {
		panic(callError{fmt.Errorf("world: %s not materialized at rebuild time", id)})
	}
	return n.value
}

// Replace returns a branched world in which id holds value, with the
// dependents' distributions, cached densities and functional values brought
// back in sync. The receiver is left untouched; commit is simply adopting the
// returned world. Returns distribution.ErrOutOfSupport (wrapped) when the new
// assignment has zero density somewhere, which callers treat as a rejected
// proposal.
func (w *World) Replace(id model.RVIdentifier, value tensor.Tensor) (nw *World, err error) {
	defer func() {
		if r := recover(); r != nil {
			ce, ok := r.(callError)
			if !ok {
				panic(r)
			}
			nw, err = nil, ce.err
		}
	}()

	n, ok := w.nodes[id]
	if !ok {
		return nil, fmt.Errorf("world: replace of unmaterialized %s", id)
	}
	if n.dist == nil {
		return nil, fmt.Errorf("world: %s is a functional, not assignable", id)
	}
	if n.observed {
		return nil, fmt.Errorf("world: %s is observed, its value is fixed", id)
	}

	lp, err := n.dist.LogProb(value)
	if err != nil {
		return nil, fmt.Errorf("world: replace %s: %w", id, err)
	}

	nw = w.branch()
	head := n.clone()
	head.value = value.Clone()
	head.logProb = lp
	nw.nodes[id] = head

	if err := nw.rebuild(w.descendants(id)); err != nil {
		return nil, err
	}
	return nw, nil
}

// ReplaceAll returns a branched world with every given latent variable set at
// once, then every node rebuilt in topological order. Used by proposers that
// move all coordinates jointly.
func (w *World) ReplaceAll(values map[model.RVIdentifier]tensor.Tensor) (nw *World, err error) {
	defer func() {
		if r := recover(); r != nil {
			ce, ok := r.(callError)
			if !ok {
				panic(r)
			}
			nw, err = nil, ce.err
		}
	}()

	nw = w.branch()
	for id, v := range values {
		n, ok := w.nodes[id]
		if !ok {
			return nil, fmt.Errorf("world: replace of unmaterialized %s", id)
		}
		if n.dist == nil || n.observed {
			return nil, fmt.Errorf("world: %s is not a latent variable", id)
		}
		head := n.clone()
		head.value = v.Clone()
		nw.nodes[id] = head
	}
	if err := nw.rebuild(nil); err != nil {
		return nil, err
	}
	return nw, nil
}

// branch shallow-copies the node table. Untouched *Node values stay shared;
// any write below clones first.
func (w *World) branch() *World {
	nw := &World{
		model:        w.model,
		src:          w.src,
		initFn:       w.initFn,
		observations: w.observations,
		nodes:        make(map[model.RVIdentifier]*Node, len(w.nodes)),
	}
	for id, n := range w.nodes {
		nw.nodes[id] = n
	}
	return nw
}

// rebuild re-derives distributions, cached densities and functional values
// for the given node set (all nodes when nil), parents before children.
func (w *World) rebuild(scope map[model.RVIdentifier]struct{}) error {
	for _, id := range w.topoOrder(scope) {
		n := w.nodes[id].clone()
		if builder, ok := w.model.Builder(id); ok {
			dist, err := builder(reader{w}, id.Args())
			if err != nil {
				return fmt.Errorf("world: rebuilding %s: %w", id, err)
			}
			lp, err := dist.LogProb(n.value)
			if err != nil {
				return fmt.Errorf("world: density of %s after rebuild: %w", id, err)
			}
			n.dist = dist
			n.logProb = lp
		} else {
			transform, _ := w.model.Transform(id)
			v, err := transform(reader{w}, id.Args())
			if err != nil {
				return fmt.Errorf("world: recomputing %s: %w", id, err)
			}
			n.value = v
		}
		w.nodes[id] = n
	}
	return nil
}

// descendants returns the transitive dependents of id, excluding id itself.
func (w *World) descendants(id model.RVIdentifier) map[model.RVIdentifier]struct{} {
	out := make(map[model.RVIdentifier]struct{})
	queue := append([]model.RVIdentifier(nil), sortedIDs(w.nodes[id].children)...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, seen := out[next]; seen {
			continue
		}
		out[next] = struct{}{}
		queue = append(queue, sortedIDs(w.nodes[next].children)...)
	}
	return out
}

// topoOrder returns the nodes of scope (all nodes when nil) sorted parents
// before children, ties broken by name for determinism.
func (w *World) topoOrder(scope map[model.RVIdentifier]struct{}) []model.RVIdentifier {
	inScope := func(id model.RVIdentifier) bool {
		if scope == nil {
			_, ok := w.nodes[id]
			return ok
		}
		_, ok := scope[id]
		return ok
	}

	indegree := make(map[model.RVIdentifier]int)
	for id, n := range w.nodes {
		if !inScope(id) {
			continue
		}
		deg := 0
		for pid := range n.parents {
			if inScope(pid) {
				deg++
			}
		}
		indegree[id] = deg
	}

	ready := make([]model.RVIdentifier, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].String() < ready[j].String() })

	order := make([]model.RVIdentifier, 0, len(indegree))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		released := make([]model.RVIdentifier, 0)
		for cid := range w.nodes[id].children {
			if !inScope(cid) {
				continue
			}
			indegree[cid]--
			if indegree[cid] == 0 {
				released = append(released, cid)
			}
		}
		sort.Slice(released, func(i, j int) bool { return released[i].String() < released[j].String() })
		ready = append(ready, released...)
	}
	return order
}
