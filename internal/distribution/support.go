package distribution

import (
	"math"

	"kiln/internal/tensor"
)

// RealSupport is the whole real line.
type RealSupport struct{}

func (RealSupport) Contains(v tensor.Tensor) bool { return v.IsFinite() }
func (RealSupport) Transform(int) Transform       { return identityTransform{} }

// PositiveSupport is the open interval (0, +Inf).
type PositiveSupport struct{}

func (PositiveSupport) Contains(v tensor.Tensor) bool {
	if !v.IsFinite() {
		return false
	}
	for i := 0; i < v.Len(); i++ {
		if v.At(i) <= 0 {
			return false
		}
	}
	return true
}

func (PositiveSupport) Transform(int) Transform { return logTransform{} }

// IntervalSupport is the open interval (Lower, Upper).
type IntervalSupport struct {
	Lower, Upper float64
}

func (s IntervalSupport) Contains(v tensor.Tensor) bool {
	if !v.IsFinite() {
		return false
	}
	for i := 0; i < v.Len(); i++ {
		if x := v.At(i); x <= s.Lower || x >= s.Upper {
			return false
		}
	}
	return true
}

func (s IntervalSupport) Transform(int) Transform {
	return sigmoidTransform{lower: s.Lower, upper: s.Upper}
}

// BoxSupport is an elementwise product of open intervals, for families whose
// bounds vary across the event shape.
type BoxSupport struct {
	Lower, Upper []float64
}

func (s BoxSupport) Contains(v tensor.Tensor) bool {
	if !v.IsFinite() || v.Len() != len(s.Lower) {
		return false
	}
	for i := 0; i < v.Len(); i++ {
		if x := v.At(i); x <= s.Lower[i] || x >= s.Upper[i] {
			return false
		}
	}
	return true
}

func (s BoxSupport) Transform(i int) Transform {
	return sigmoidTransform{lower: s.Lower[i], upper: s.Upper[i]}
}

// BooleanSupport holds the two-point set {0, 1}. Discrete, so there is no
// unconstraining transform.
type BooleanSupport struct{}

func (BooleanSupport) Contains(v tensor.Tensor) bool {
	for i := 0; i < v.Len(); i++ {
		if x := v.At(i); x != 0 && x != 1 {
			return false
		}
	}
	return true
}

func (BooleanSupport) Transform(int) Transform { return nil }

// identityTransform maps the reals onto themselves.
type identityTransform struct{}

func (identityTransform) ToUnconstrained(x float64) float64   { return x }
func (identityTransform) ToConstrained(y float64) float64     { return y }
func (identityTransform) LogAbsDetJacobian(y float64) float64 { return 0 }

// logTransform maps (0, Inf) onto the reals via y = log x.
type logTransform struct{}

func (logTransform) ToUnconstrained(x float64) float64   { return math.Log(x) }
func (logTransform) ToConstrained(y float64) float64     { return math.Exp(y) }
func (logTransform) LogAbsDetJacobian(y float64) float64 { return y }

// sigmoidTransform maps (lower, upper) onto the reals via the logit of the
// normalized coordinate.
type sigmoidTransform struct {
	lower, upper float64
}

func (t sigmoidTransform) ToUnconstrained(x float64) float64 {
	p := (x - t.lower) / (t.upper - t.lower)
	return math.Log(p) - math.Log1p(-p)
}

func (t sigmoidTransform) ToConstrained(y float64) float64 {
	return t.lower + (t.upper-t.lower)*sigmoid(y)
}

func (t sigmoidTransform) LogAbsDetJacobian(y float64) float64 {
	// dx/dy = (upper-lower) * s(y) * (1 - s(y))
	return math.Log(t.upper-t.lower) - softplus(y) - softplus(-y)
}

func sigmoid(y float64) float64 {
	if y >= 0 {
		return 1 / (1 + math.Exp(-y))
	}
	e := math.Exp(y)
	return e / (1 + e)
}

func softplus(y float64) float64 {
	// log(1 + e^y) without overflow for large y
	if y > 30 {
		return y
	}
	return math.Log1p(math.Exp(y))
}
