// Package model gives probabilistic programs an explicit registry: authors
// register a pure builder per random variable (parent values in, distribution
// out) and address variables through stable handles instead of reflection.
//
// A handle application like foo(7) produces an RVIdentifier, the map key used
// by worlds, proposers and result containers. Builders receive a Caller so a
// variable's distribution can depend on the current values of its parents;
// every Caller.Call made while a builder runs is recorded as a parent edge.
package model

import (
	"fmt"
	"strconv"
	"strings"

	"kiln/internal/distribution"
	"kiln/internal/tensor"
)

// RVIdentifier is the stable identity of one variable instance: the declared
// function name plus the call arguments. Comparable, usable as a map key.
type RVIdentifier struct {
	name string
	args string
}

// Name returns the declared function name.
func (id RVIdentifier) Name() string { return id.name }

// Args returns the handle's argument tuple.
func (id RVIdentifier) Args() []int {
	if id.args == "" {
		return nil
	}
	parts := strings.Split(id.args, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		out[i], _ = strconv.Atoi(p)
	}
	return out
}

func (id RVIdentifier) String() string {
	if id.args == "" {
		return id.name + "()"
	}
	return id.name + "(" + id.args + ")"
}

// Caller resolves parent variables while a builder runs. Call materializes the
// variable in the current world if needed and returns its value.
type Caller interface {
	Call(id RVIdentifier) tensor.Tensor
}

// Builder constructs a variable's distribution from its parents' current
// values. args is the handle's argument tuple, so one registered name can
// declare a whole plate of variables. It must be pure: same parent values and
// args, same distribution.
type Builder func(c Caller, args []int) (distribution.Distribution, error)

// TransformFn computes a deterministic functional from other variables'
// values. Functionals are cached in the world but carry no density term.
type TransformFn func(c Caller, args []int) (tensor.Tensor, error)

// Handle produces RVIdentifiers for a registered variable, one per argument
// tuple.
type Handle func(args ...int) RVIdentifier

// Model is the registry of random variables and functionals for one
// probabilistic program.
type Model struct {
	builders   map[string]Builder
	transforms map[string]TransformFn
}

// New returns an empty model.
func New() *Model {
	return &Model{
		builders:   make(map[string]Builder),
		transforms: make(map[string]TransformFn),
	}
}

// RandomVariable registers a stochastic variable under name and returns its
// handle. Registering the same name twice panics: it is a programming error
// in the model definition, caught at construction time.
func (m *Model) RandomVariable(name string, b Builder) Handle {
	if _, dup := m.builders[name]; dup {
		panic(fmt.Sprintf("model: random variable %q registered twice", name))
	}
	if _, dup := m.transforms[name]; dup {
		panic(fmt.Sprintf("model: %q already registered as a functional", name))
	}
	m.builders[name] = b
	return handleFor(name)
}

// Functional registers a deterministic transform under name and returns its
// handle.
func (m *Model) Functional(name string, t TransformFn) Handle {
	if _, dup := m.transforms[name]; dup {
		panic(fmt.Sprintf("model: functional %q registered twice", name))
	}
	if _, dup := m.builders[name]; dup {
		panic(fmt.Sprintf("model: %q already registered as a random variable", name))
	}
	m.transforms[name] = t
	return handleFor(name)
}

// Builder looks up the registered builder for id. The second return is false
// when id does not name a stochastic variable in this model.
func (m *Model) Builder(id RVIdentifier) (Builder, bool) {
	b, ok := m.builders[id.name]
	return b, ok
}

// Transform looks up the registered functional for id.
func (m *Model) Transform(id RVIdentifier) (TransformFn, bool) {
	t, ok := m.transforms[id.name]
	return t, ok
}

// IsStochastic reports whether id names a random variable (as opposed to a
// functional) in this model.
func (m *Model) IsStochastic(id RVIdentifier) bool {
	_, ok := m.builders[id.name]
	return ok
}

// Known reports whether id is registered at all.
func (m *Model) Known(id RVIdentifier) bool {
	if _, ok := m.builders[id.name]; ok {
		return true
	}
	_, ok := m.transforms[id.name]
	return ok
}

func handleFor(name string) Handle {
	return func(args ...int) RVIdentifier {
		if len(args) == 0 {
			return RVIdentifier{name: name}
		}
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = strconv.Itoa(a)
		}
		return RVIdentifier{name: name, args: strings.Join(parts, ",")}
	}
}
