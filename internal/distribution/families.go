package distribution

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"kiln/internal/tensor"
)

// Normal is the Gaussian family with tensor-valued mean and stddev.
type Normal struct {
	mean, stddev tensor.Tensor
}

// NewNormal builds a Normal. Stddev must be strictly positive.
func NewNormal(mean, stddev tensor.Tensor) (*Normal, error) {
	if err := checkParams("normal", mean, stddev); err != nil {
		return nil, err
	}
	for i := 0; i < stddev.Len(); i++ {
		if stddev.At(i) <= 0 {
			return nil, fmt.Errorf("normal: stddev must be positive, got %g", stddev.At(i))
		}
	}
	return &Normal{mean: mean, stddev: stddev}, nil
}

func (n *Normal) Sample(src rand.Source) tensor.Tensor {
	return sampleElementwise(n.mean, func(i int) float64 {
		return distuv.Normal{Mu: n.mean.At(i), Sigma: n.stddev.At(i), Src: src}.Rand()
	})
}

func (n *Normal) LogProb(value tensor.Tensor) (float64, error) {
	return logProbElementwise(n, n.mean, value, func(i int, x float64) float64 {
		return distuv.Normal{Mu: n.mean.At(i), Sigma: n.stddev.At(i)}.LogProb(x)
	})
}

func (n *Normal) Support() Support { return RealSupport{} }

// HalfNormal is the positive half of a zero-mean Gaussian, parameterized by
// the underlying stddev. distuv has no half-normal, so the density is the
// folded Normal one: log N(x; 0, sigma) + log 2 for x > 0.
type HalfNormal struct {
	stddev tensor.Tensor
}

func NewHalfNormal(stddev tensor.Tensor) (*HalfNormal, error) {
	if err := checkParams("halfnormal", stddev); err != nil {
		return nil, err
	}
	for i := 0; i < stddev.Len(); i++ {
		if stddev.At(i) <= 0 {
			return nil, fmt.Errorf("halfnormal: stddev must be positive, got %g", stddev.At(i))
		}
	}
	return &HalfNormal{stddev: stddev}, nil
}

func (h *HalfNormal) Sample(src rand.Source) tensor.Tensor {
	return sampleElementwise(h.stddev, func(i int) float64 {
		return math.Abs(distuv.Normal{Mu: 0, Sigma: h.stddev.At(i), Src: src}.Rand())
	})
}

func (h *HalfNormal) LogProb(value tensor.Tensor) (float64, error) {
	return logProbElementwise(h, h.stddev, value, func(i int, x float64) float64 {
		return distuv.Normal{Mu: 0, Sigma: h.stddev.At(i)}.LogProb(x) + math.Ln2
	})
}

func (h *HalfNormal) Support() Support { return PositiveSupport{} }

// Uniform is the continuous uniform family on (low, high).
type Uniform struct {
	low, high tensor.Tensor
}

func NewUniform(low, high tensor.Tensor) (*Uniform, error) {
	if err := checkParams("uniform", low, high); err != nil {
		return nil, err
	}
	for i := 0; i < low.Len(); i++ {
		if low.At(i) >= high.At(i) {
			return nil, fmt.Errorf("uniform: low %g >= high %g", low.At(i), high.At(i))
		}
	}
	return &Uniform{low: low, high: high}, nil
}

func (u *Uniform) Sample(src rand.Source) tensor.Tensor {
	return sampleElementwise(u.low, func(i int) float64 {
		return distuv.Uniform{Min: u.low.At(i), Max: u.high.At(i), Src: src}.Rand()
	})
}

func (u *Uniform) LogProb(value tensor.Tensor) (float64, error) {
	return logProbElementwise(u, u.low, value, func(i int, x float64) float64 {
		return distuv.Uniform{Min: u.low.At(i), Max: u.high.At(i)}.LogProb(x)
	})
}

func (u *Uniform) Support() Support {
	return BoxSupport{Lower: u.low.Data(), Upper: u.high.Data()}
}

// Beta is the beta family on (0, 1).
type Beta struct {
	alpha, beta tensor.Tensor
}

func NewBeta(alpha, beta tensor.Tensor) (*Beta, error) {
	if err := checkParams("beta", alpha, beta); err != nil {
		return nil, err
	}
	for i := 0; i < alpha.Len(); i++ {
		if alpha.At(i) <= 0 || beta.At(i) <= 0 {
			return nil, fmt.Errorf("beta: concentrations must be positive, got (%g, %g)",
				alpha.At(i), beta.At(i))
		}
	}
	return &Beta{alpha: alpha, beta: beta}, nil
}

func (b *Beta) Sample(src rand.Source) tensor.Tensor {
	return sampleElementwise(b.alpha, func(i int) float64 {
		return distuv.Beta{Alpha: b.alpha.At(i), Beta: b.beta.At(i), Src: src}.Rand()
	})
}

func (b *Beta) LogProb(value tensor.Tensor) (float64, error) {
	return logProbElementwise(b, b.alpha, value, func(i int, x float64) float64 {
		return distuv.Beta{Alpha: b.alpha.At(i), Beta: b.beta.At(i)}.LogProb(x)
	})
}

func (b *Beta) Support() Support { return IntervalSupport{Lower: 0, Upper: 1} }

// Gamma is the gamma family with shape alpha and rate beta.
type Gamma struct {
	alpha, rate tensor.Tensor
}

func NewGamma(alpha, rate tensor.Tensor) (*Gamma, error) {
	if err := checkParams("gamma", alpha, rate); err != nil {
		return nil, err
	}
	for i := 0; i < alpha.Len(); i++ {
		if alpha.At(i) <= 0 || rate.At(i) <= 0 {
			return nil, fmt.Errorf("gamma: shape and rate must be positive, got (%g, %g)",
				alpha.At(i), rate.At(i))
		}
	}
	return &Gamma{alpha: alpha, rate: rate}, nil
}

func (g *Gamma) Sample(src rand.Source) tensor.Tensor {
	return sampleElementwise(g.alpha, func(i int) float64 {
		return distuv.Gamma{Alpha: g.alpha.At(i), Beta: g.rate.At(i), Src: src}.Rand()
	})
}

func (g *Gamma) LogProb(value tensor.Tensor) (float64, error) {
	return logProbElementwise(g, g.alpha, value, func(i int, x float64) float64 {
		return distuv.Gamma{Alpha: g.alpha.At(i), Beta: g.rate.At(i)}.LogProb(x)
	})
}

func (g *Gamma) Support() Support { return PositiveSupport{} }

// Bernoulli is the two-point family on {0, 1}. Discrete: usable by the
// single-site samplers, rejected by gradient-based ones.
type Bernoulli struct {
	p tensor.Tensor
}

func NewBernoulli(p tensor.Tensor) (*Bernoulli, error) {
	if err := checkParams("bernoulli", p); err != nil {
		return nil, err
	}
	for i := 0; i < p.Len(); i++ {
		if p.At(i) < 0 || p.At(i) > 1 {
			return nil, fmt.Errorf("bernoulli: probability must be in [0, 1], got %g", p.At(i))
		}
	}
	return &Bernoulli{p: p}, nil
}

func (b *Bernoulli) Sample(src rand.Source) tensor.Tensor {
	return sampleElementwise(b.p, func(i int) float64 {
		return distuv.Bernoulli{P: b.p.At(i), Src: src}.Rand()
	})
}

func (b *Bernoulli) LogProb(value tensor.Tensor) (float64, error) {
	return logProbElementwise(b, b.p, value, func(i int, x float64) float64 {
		return distuv.Bernoulli{P: b.p.At(i)}.LogProb(x)
	})
}

func (b *Bernoulli) Support() Support { return BooleanSupport{} }

// sampleElementwise draws one value per element of the event shape.
func sampleElementwise(shapeOf tensor.Tensor, draw func(i int) float64) tensor.Tensor {
	out := make([]float64, shapeOf.Len())
	for i := range out {
		out[i] = draw(i)
	}
	t, err := tensor.FromSlice(out, shapeOf.Shape()...)
	if err != nil {
		panic(err) // shape comes from an existing tensor
	}
	return t
}

// logProbElementwise validates shape and support, then sums per-element
// log-densities.
func logProbElementwise(d Distribution, shapeOf, value tensor.Tensor, lp func(i int, x float64) float64) (float64, error) {
	if !value.SameShape(shapeOf) {
		return 0, fmt.Errorf("log prob: value shape %v does not match event shape %v",
			value.Shape(), shapeOf.Shape())
	}
	if !d.Support().Contains(value) {
		return 0, fmt.Errorf("log prob of %v: %w", value, ErrOutOfSupport)
	}
	total := 0.0
	for i := 0; i < value.Len(); i++ {
		total += lp(i, value.At(i))
	}
	return total, nil
}
