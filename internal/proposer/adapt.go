package proposer

import "math"

// Dual-averaging step-size adaptation (Hoffman & Gelman), driving the
// per-step acceptance statistic toward targetAccept.
const (
	targetAccept = 0.8
	daGamma      = 0.05
	daT0         = 10.0
	daKappa      = 0.75
)

type dualAveraging struct {
	mu        float64
	logEps    float64
	logEpsBar float64
	hBar      float64
	count     int
	frozen    bool
}

func newDualAveraging(initStepSize float64) *dualAveraging {
	return &dualAveraging{
		mu:     math.Log(10 * initStepSize),
		logEps: math.Log(initStepSize),
	}
}

// update consumes one acceptance statistic and returns the step size to use
// for the next iteration.
func (da *dualAveraging) update(accept float64) float64 {
	if da.frozen {
		return math.Exp(da.logEpsBar)
	}
	da.count++
	m := float64(da.count)
	da.hBar += (targetAccept - accept - da.hBar) / (m + daT0)
	da.logEps = da.mu - math.Sqrt(m)/daGamma*da.hBar
	w := math.Pow(m, -daKappa)
	da.logEpsBar = w*da.logEps + (1-w)*da.logEpsBar
	return math.Exp(da.logEps)
}

// finalize freezes adaptation and returns the averaged step size.
func (da *dualAveraging) finalize() float64 {
	da.frozen = true
	if da.count == 0 {
		return math.Exp(da.logEps)
	}
	return math.Exp(da.logEpsBar)
}

// runningVariance accumulates Welford moments of warm-up positions for the
// diagonal mass matrix estimate.
type runningVariance struct {
	count int
	mean  []float64
	m2    []float64
}

func newRunningVariance(dim int) *runningVariance {
	return &runningVariance{mean: make([]float64, dim), m2: make([]float64, dim)}
}

func (rv *runningVariance) observe(q []float64) {
	rv.count++
	for i, x := range q {
		delta := x - rv.mean[i]
		rv.mean[i] += delta / float64(rv.count)
		rv.m2[i] += delta * (x - rv.mean[i])
	}
}

// estimate returns the regularized variance estimate, shrunk toward a small
// constant the way Stan's windowed adaptation does. Not meaningful below a
// handful of observations.
func (rv *runningVariance) estimate() ([]float64, bool) {
	if rv.count < 10 {
		return nil, false
	}
	n := float64(rv.count)
	out := make([]float64, len(rv.mean))
	for i := range out {
		v := rv.m2[i] / (n - 1)
		out[i] = n/(n+5)*v + 5/(n+5)*1e-3
		if out[i] <= 0 {
			out[i] = 1e-3
		}
	}
	return out, true
}
