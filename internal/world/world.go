// Package world holds the mutable assignment a sampler walks over: one value
// per random variable in the closure of the queries and observations, plus
// the cached log-density of each value under its distribution.
//
// A world is built lazily. Calling a variable materializes it, first
// materializing its parents, so the node set is exactly the transitive
// closure of what inference touches. Proposals never mutate a committed
// world: Replace and ReplaceAll return a branched world sharing every
// untouched node, and a rejected branch is simply dropped.
package world

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/exp/rand"

	"kiln/internal/distribution"
	"kiln/internal/model"
	"kiln/internal/tensor"
)

// ErrInit is the terminal initialization failure: no finite, in-support value
// could be drawn for some variable within the attempt budget.
var ErrInit = errors.New("cannot find a valid initialization")

// maxInitAttempts bounds the retry loop per variable. The bound is an
// implementation choice, not a contract; exceeding it surfaces ErrInit.
const maxInitAttempts = 100

// InitFn draws a candidate initial value for a variable from its
// distribution. The default is a prior draw; tests substitute degenerate
// strategies to exercise the retry path.
type InitFn func(d distribution.Distribution, src rand.Source) tensor.Tensor

// InitFromPrior is the default initialization strategy.
func InitFromPrior(d distribution.Distribution, src rand.Source) tensor.Tensor {
	return d.Sample(src)
}

// Node is one materialized variable: its distribution instance (nil for
// functionals), current value, cached log-density and graph edges. Nodes are
// immutable once their world has been handed out; branches clone before
// writing.
type Node struct {
	id       model.RVIdentifier
	dist     distribution.Distribution
	value    tensor.Tensor
	logProb  float64
	observed bool
	parents  map[model.RVIdentifier]struct{}
	children map[model.RVIdentifier]struct{}
}

func (n *Node) clone() *Node {
	c := *n
	return &c
}

// World is a consistent assignment over the materialized variable graph.
type World struct {
	model        *model.Model
	src          rand.Source
	initFn       InitFn
	observations map[model.RVIdentifier]tensor.Tensor
	nodes        map[model.RVIdentifier]*Node

	// stack tracks variables mid-materialization so parent edges can be
	// recorded from inside builder callbacks.
	stack []*frame
}

type frame struct {
	id      model.RVIdentifier
	parents map[model.RVIdentifier]struct{}
}

// Option configures a new world.
type Option func(*World)

// WithInitFn overrides the initialization strategy.
func WithInitFn(fn InitFn) Option {
	return func(w *World) {
		if fn != nil {
			w.initFn = fn
		}
	}
}

// WithSource sets the RNG source used for initial draws.
func WithSource(src rand.Source) Option {
	return func(w *World) { w.src = src }
}

// New returns an empty world over m with the given observations. Variables
// materialize on first Call.
func New(m *model.Model, observations map[model.RVIdentifier]tensor.Tensor, opts ...Option) *World {
	w := &World{
		model:        m,
		src:          rand.NewSource(rand.Uint64()),
		initFn:       InitFromPrior,
		observations: make(map[model.RVIdentifier]tensor.Tensor, len(observations)),
		nodes:        make(map[model.RVIdentifier]*Node),
	}
	for id, v := range observations {
		w.observations[id] = v.Clone()
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Initialize builds a world containing the full closure of the queries and
// observations, every latent node holding a finite in-support value. This is
// the single entry point samplers use to start a chain.
func Initialize(m *model.Model, queries []model.RVIdentifier, observations map[model.RVIdentifier]tensor.Tensor, opts ...Option) (*World, error) {
	w := New(m, observations, opts...)
	obsIDs := make([]model.RVIdentifier, 0, len(observations))
	for id := range observations {
		obsIDs = append(obsIDs, id)
	}
	sort.Slice(obsIDs, func(i, j int) bool { return obsIDs[i].String() < obsIDs[j].String() })
	for _, id := range obsIDs {
		if _, err := w.Call(id); err != nil {
			return nil, err
		}
	}
	for _, id := range queries {
		if _, err := w.Call(id); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// callError carries a materialization failure up through nested builder
// callbacks, which have no error return of their own.
type callError struct{ err error }

// caller is the model.Caller handed to builders during materialization. It
// records a parent edge for every variable the builder touches.
type caller struct{ w *World }

func (c caller) Call(id model.RVIdentifier) tensor.Tensor { return c.w.call(id) }

// Call materializes id (and, recursively, its parents) if needed and returns
// its current value.
func (w *World) Call(id model.RVIdentifier) (t tensor.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			ce, ok := r.(callError)
			if !ok {
				panic(r)
			}
			err = ce.err
		}
	}()
	return w.call(id), nil
}

func (w *World) call(id model.RVIdentifier) tensor.Tensor {
	if n, ok := w.nodes[id]; ok {
		w.recordParent(id)
		return n.value
	}
	if !w.model.Known(id) {
		panic(callError{fmt.Errorf("world: unknown variable %s", id)})
	}
	w.recordParent(id)

	f := &frame{id: id, parents: make(map[model.RVIdentifier]struct{})}
	w.stack = append(w.stack, f)
	defer func() { w.stack = w.stack[:len(w.stack)-1] }()

	n := &Node{id: id, parents: f.parents, children: make(map[model.RVIdentifier]struct{})}
	if builder, ok := w.model.Builder(id); ok {
		dist, err := builder(caller{w}, id.Args())
		if err != nil {
			panic(callError{fmt.Errorf("world: building %s: %w", id, err)})
		}
		n.dist = dist
		if obs, ok := w.observations[id]; ok {
			n.observed = true
			n.value = obs.Clone()
		} else {
			n.value = w.drawInitial(id, dist)
		}
		lp, err := dist.LogProb(n.value)
		if err != nil {
			panic(callError{fmt.Errorf("world: initial density of %s: %w", id, err)})
		}
		n.logProb = lp
	} else {
		transform, _ := w.model.Transform(id)
		v, err := transform(caller{w}, id.Args())
		if err != nil {
			panic(callError{fmt.Errorf("world: computing %s: %w", id, err)})
		}
		n.value = v
	}

	w.nodes[id] = n
	for pid := range n.parents {
		w.nodes[pid].children[id] = struct{}{}
	}
	return n.value
}

// recordParent marks id as a parent of the variable currently being built,
// if any.
func (w *World) recordParent(id model.RVIdentifier) {
	if len(w.stack) == 0 {
		return
	}
	top := w.stack[len(w.stack)-1]
	if top.id != id {
		top.parents[id] = struct{}{}
	}
}

// drawInitial retries the init strategy until it produces a finite,
// in-support value, up to maxInitAttempts. Observed variables never pass
// through here.
func (w *World) drawInitial(id model.RVIdentifier, d distribution.Distribution) tensor.Tensor {
	for attempt := 0; attempt < maxInitAttempts; attempt++ {
		v := w.initFn(d, w.src)
		if v.IsFinite() && d.Support().Contains(v) {
			return v
		}
	}
	panic(callError{fmt.Errorf("%w: variable %s rejected %d draws", ErrInit, id, maxInitAttempts)})
}

// LogProb returns the joint log-density of the current assignment: the sum of
// every stochastic node's cached density. Caches are maintained at every
// mutation point, so the sum is always consistent with the current values.
func (w *World) LogProb() float64 {
	total := 0.0
	for _, n := range w.nodes {
		if n.dist != nil {
			total += n.logProb
		}
	}
	return total
}

// Has reports whether id has been materialized.
func (w *World) Has(id model.RVIdentifier) bool {
	_, ok := w.nodes[id]
	return ok
}

// Get returns the current value of a materialized variable.
func (w *World) Get(id model.RVIdentifier) (tensor.Tensor, bool) {
	n, ok := w.nodes[id]
	if !ok {
		return tensor.Tensor{}, false
	}
	return n.value, true
}

// Distribution returns the distribution instance of a materialized stochastic
// variable.
func (w *World) Distribution(id model.RVIdentifier) (distribution.Distribution, bool) {
	n, ok := w.nodes[id]
	if !ok || n.dist == nil {
		return nil, false
	}
	return n.dist, true
}

// CachedLogProb returns the cached log-density of a materialized stochastic
// variable at its current value.
func (w *World) CachedLogProb(id model.RVIdentifier) (float64, bool) {
	n, ok := w.nodes[id]
	if !ok || n.dist == nil {
		return 0, false
	}
	return n.logProb, true
}

// Children returns the direct dependents of id.
func (w *World) Children(id model.RVIdentifier) []model.RVIdentifier {
	n, ok := w.nodes[id]
	if !ok {
		return nil
	}
	return sortedIDs(n.children)
}

// LatentNodes returns the stochastic, non-observed variables in a stable
// order. This is the universe proposers operate over.
func (w *World) LatentNodes() []model.RVIdentifier {
	out := make([]model.RVIdentifier, 0, len(w.nodes))
	for id, n := range w.nodes {
		if n.dist != nil && !n.observed {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ObservedNodes returns the observed variables in a stable order.
func (w *World) ObservedNodes() []model.RVIdentifier {
	out := make([]model.RVIdentifier, 0, len(w.nodes))
	for id, n := range w.nodes {
		if n.observed {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len returns the number of materialized nodes.
func (w *World) Len() int { return len(w.nodes) }

func sortedIDs(set map[model.RVIdentifier]struct{}) []model.RVIdentifier {
	out := make([]model.RVIdentifier, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
