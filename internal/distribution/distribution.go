// Package distribution exposes the probability families the engine samples
// from. Log-densities, random draws and quantiles are delegated to
// gonum/stat/distuv; this package adds tensor-valued parameters (elementwise
// i.i.d. over the event shape), support predicates, and the bijective
// transforms to unconstrained space used by gradient-based proposers.
package distribution

import (
	"errors"
	"fmt"

	"golang.org/x/exp/rand"

	"kiln/internal/tensor"
)

// ErrOutOfSupport reports a value outside a distribution's support. Proposers
// treat it as log-density -Inf; anything else that lets it escape is a bug.
var ErrOutOfSupport = errors.New("value out of support")

// Distribution is the provider interface consumed by the world and the
// proposers. Implementations are immutable once constructed.
type Distribution interface {
	// Sample draws one value of the distribution's event shape.
	Sample(src rand.Source) tensor.Tensor

	// LogProb evaluates the log-density at value, summed over the event
	// shape. Returns ErrOutOfSupport when value lies outside the support.
	LogProb(value tensor.Tensor) (float64, error)

	// Support describes where the density is positive.
	Support() Support
}

// Support is a predicate over value space plus, for continuous supports, the
// bijection onto the unconstrained reals.
type Support interface {
	Contains(v tensor.Tensor) bool

	// Transform returns the unconstraining bijection for element i of the
	// event shape, or nil when the support is discrete and no such bijection
	// exists. Supports with uniform bounds ignore i.
	Transform(i int) Transform
}

// Transform is a scalar bijection between a constrained coordinate x and an
// unconstrained coordinate y, applied elementwise. LogAbsDetJacobian reports
// log|dx/dy| at the unconstrained coordinate so densities can be re-expressed
// in y.
type Transform interface {
	ToUnconstrained(x float64) float64
	ToConstrained(y float64) float64
	LogAbsDetJacobian(y float64) float64
}

// checkParams verifies that every parameter tensor has the same shape and is
// finite. The first parameter fixes the event shape.
func checkParams(name string, params ...tensor.Tensor) error {
	for i, p := range params {
		if !p.IsFinite() {
			return fmt.Errorf("%s: parameter %d is not finite", name, i)
		}
		if !p.SameShape(params[0]) {
			return fmt.Errorf("%s: parameter shapes differ: %v vs %v",
				name, params[0].Shape(), p.Shape())
		}
	}
	return nil
}
