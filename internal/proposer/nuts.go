package proposer

import (
	"context"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"

	"kiln/internal/model"
	"kiln/internal/world"
)

const (
	// maxTreeDepth bounds trajectory doubling so one step always terminates.
	maxTreeDepth = 10

	// divergenceThreshold flags a leapfrog point whose energy error is so
	// large the trajectory is unusable.
	divergenceThreshold = 1000
)

// NUTS is the No-U-Turn proposer: one global Hamiltonian step over every
// continuous latent variable, with trajectory length chosen by the U-turn
// rule, step size tuned by dual averaging during warm-up, and a diagonal mass
// matrix estimated from warm-up sample variance.
//
// The gradient of the joint log-density with respect to the unconstrained
// position is delegated to gonum's finite-difference differentiation; this
// type owns only the dynamics and the adaptation schedule.
type NUTS struct {
	cm  *coordMap
	rng *rand.Rand

	stepSize float64
	massDiag []float64

	numAdaptive int
	adaptIter   int
	stepAdapter *dualAveraging
	massAdapter *runningVariance

	// base is the committed world the current proposal branches from.
	base *world.World

	// outcome of the latest Propose, consumed by DoAdaptation.
	lastAlpha  float64
	lastNAlpha int
	lastQ      []float64
}

// NewNUTS builds the proposer for the given latent targets of w. When
// numAdaptive is zero the step size found at construction is used unchanged
// for the whole run.
func NewNUTS(w *world.World, targets []model.RVIdentifier, numAdaptive int, src rand.Source) (*NUTS, error) {
	cm, err := newCoordMap(w, targets)
	if err != nil {
		return nil, err
	}
	np := &NUTS{
		cm:          cm,
		rng:         rand.New(src),
		massDiag:    ones(cm.dim),
		numAdaptive: numAdaptive,
	}
	np.base = w
	if cm.dim > 0 {
		np.stepSize = np.findReasonableStepSize(cm.flatten(w))
	} else {
		np.stepSize = 1
	}
	np.stepAdapter = newDualAveraging(np.stepSize)
	np.massAdapter = newRunningVariance(cm.dim)
	return np, nil
}

// StepSize returns the current leapfrog step size.
func (np *NUTS) StepSize() float64 { return np.stepSize }

// point is one (position, momentum) state on a trajectory with its cached
// log-density.
type point struct {
	q, p []float64
	logp float64
}

// tree is one built subtree during doubling.
type tree struct {
	left, right point
	proposal    point
	n           int
	stop        bool
	alpha       float64
	nAlpha      int
}

func (np *NUTS) Propose(ctx context.Context, w *world.World) (*world.World, float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	np.base = w
	if np.cm.dim == 0 {
		return w, 0, nil
	}

	q0 := np.cm.flatten(w)
	p0 := make([]float64, np.cm.dim)
	for i := range p0 {
		p0[i] = np.rng.NormFloat64() * math.Sqrt(np.massDiag[i])
	}
	cur := point{q: q0, p: p0, logp: np.logDensity(q0)}
	joint0 := np.hamiltonian(cur)

	// Slice variable for trajectory membership, in log space.
	logu := joint0 - np.rng.ExpFloat64()

	left, right := cur, cur
	chosen := cur
	nValid := 1
	alpha, nAlpha := 0.0, 0

	for depth := 0; depth < maxTreeDepth; depth++ {
		var sub tree
		if np.rng.Float64() < 0.5 {
			sub = np.buildTree(left, logu, -1, depth, joint0)
			left = sub.left
		} else {
			sub = np.buildTree(right, logu, +1, depth, joint0)
			right = sub.right
		}
		alpha += sub.alpha
		nAlpha += sub.nAlpha
		if sub.stop {
			break
		}
		// Uniform selection over the valid trajectory: the new half wins
		// with probability proportional to its share of valid points.
		if sub.n > 0 && np.rng.Float64() < float64(sub.n)/float64(nValid+sub.n) {
			chosen = sub.proposal
		}
		nValid += sub.n
		if np.uTurn(left, right) {
			break
		}
	}

	np.lastAlpha = alpha
	np.lastNAlpha = nAlpha
	np.lastQ = chosen.q

	values, _ := np.cm.constrained(chosen.q)
	next, err := w.ReplaceAll(values)
	if err != nil {
		// The chosen point passed the slice criterion, so its density is
		// positive; failing here means the trajectory was saturated with
		// divergences. Stay put.
		return w, math.Inf(-1), nil
	}
	return next, 0, nil
}

// buildTree doubles the trajectory once in direction dir, recursively, per
// the original NUTS tree construction: a depth-d tree is two depth-(d-1)
// trees laid end to end.
func (np *NUTS) buildTree(from point, logu float64, dir int, depth int, joint0 float64) tree {
	if depth == 0 {
		next := np.leapfrog(from, float64(dir)*np.stepSize)
		joint := np.hamiltonian(next)
		if math.IsNaN(joint) {
			joint = math.Inf(-1)
		}
		t := tree{left: next, right: next, proposal: next, nAlpha: 1}
		if logu <= joint {
			t.n = 1
		}
		t.stop = joint-logu < -divergenceThreshold
		t.alpha = math.Min(1, math.Exp(joint-joint0))
		if math.IsNaN(t.alpha) {
			t.alpha = 0
		}
		return t
	}

	first := np.buildTree(from, logu, dir, depth-1, joint0)
	if first.stop {
		return first
	}
	var second tree
	if dir < 0 {
		second = np.buildTree(first.left, logu, dir, depth-1, joint0)
		first.left = second.left
	} else {
		second = np.buildTree(first.right, logu, dir, depth-1, joint0)
		first.right = second.right
	}
	if second.n > 0 && np.rng.Float64() < float64(second.n)/float64(first.n+second.n) {
		first.proposal = second.proposal
	}
	first.n += second.n
	first.alpha += second.alpha
	first.nAlpha += second.nAlpha
	first.stop = second.stop || np.uTurn(first.left, first.right)
	return first
}

// uTurn is the termination rule: doubling stops when the span between the
// endpoints no longer grows along at least one endpoint's velocity.
func (np *NUTS) uTurn(left, right point) bool {
	span := make([]float64, np.cm.dim)
	floats.SubTo(span, right.q, left.q)
	return dotVelocity(span, left.p, np.massDiag) <= 0 ||
		dotVelocity(span, right.p, np.massDiag) <= 0
}

func dotVelocity(span, p, mass []float64) float64 {
	total := 0.0
	for i := range span {
		total += span[i] * p[i] / mass[i]
	}
	return total
}

// leapfrog advances one step of size eps: half momentum, full position, half
// momentum.
func (np *NUTS) leapfrog(from point, eps float64) point {
	p := append([]float64(nil), from.p...)
	q := append([]float64(nil), from.q...)

	floats.AddScaled(p, eps/2, np.gradient(q))
	for i := range q {
		q[i] += eps * p[i] / np.massDiag[i]
	}
	floats.AddScaled(p, eps/2, np.gradient(q))
	return point{q: q, p: p, logp: np.logDensity(q)}
}

// hamiltonian is the log joint of (position, momentum): target log-density
// minus kinetic energy.
func (np *NUTS) hamiltonian(pt point) float64 {
	kinetic := 0.0
	for i := range pt.p {
		kinetic += pt.p[i] * pt.p[i] / np.massDiag[i]
	}
	return pt.logp - kinetic/2
}

// logDensity evaluates the joint log-density of the base world moved to the
// unconstrained position q, including the transform Jacobian. Out-of-support
// or otherwise invalid assignments score -Inf rather than erroring.
func (np *NUTS) logDensity(q []float64) float64 {
	values, logJac := np.cm.constrained(q)
	bw, err := np.base.ReplaceAll(values)
	if err != nil {
		return math.Inf(-1)
	}
	lp := bw.LogProb() + logJac
	if math.IsNaN(lp) {
		return math.Inf(-1)
	}
	return lp
}

// gradient differentiates logDensity with central differences. A component
// fails when the stencil straddles a zero-density region; retrying it
// one-sided keeps the restoring force near the edge of support instead of
// letting the dynamics drift on momentum alone.
func (np *NUTS) gradient(q []float64) []float64 {
	grad := make([]float64, len(q))
	fd.Gradient(grad, np.logDensity, q, &fd.Settings{Formula: fd.Central})
	f0 := math.NaN()
	for i, g := range grad {
		if !math.IsNaN(g) && !math.IsInf(g, 0) {
			continue
		}
		if math.IsNaN(f0) {
			f0 = np.logDensity(q)
		}
		grad[i] = np.oneSided(q, i, f0)
	}
	return grad
}

// oneSided tries a forward then a backward difference along coordinate i,
// settling for zero only when both neighbors are themselves non-finite.
func (np *NUTS) oneSided(q []float64, i int, f0 float64) float64 {
	const h = 1e-6
	if math.IsNaN(f0) || math.IsInf(f0, 0) {
		return 0
	}
	orig := q[i]
	q[i] = orig + h
	fp := np.logDensity(q)
	q[i] = orig
	if !math.IsNaN(fp) && !math.IsInf(fp, 0) {
		return (fp - f0) / h
	}
	q[i] = orig - h
	fm := np.logDensity(q)
	q[i] = orig
	if !math.IsNaN(fm) && !math.IsInf(fm, 0) {
		return (f0 - fm) / h
	}
	return 0
}

// findReasonableStepSize doubles or halves an initial unit step until the
// one-step acceptance probability crosses 1/2.
func (np *NUTS) findReasonableStepSize(q0 []float64) float64 {
	eps := 1.0
	p0 := make([]float64, len(q0))
	for i := range p0 {
		p0[i] = np.rng.NormFloat64() * math.Sqrt(np.massDiag[i])
	}
	cur := point{q: q0, p: p0, logp: np.logDensity(q0)}
	joint0 := np.hamiltonian(cur)
	if math.IsInf(joint0, -1) {
		return eps
	}

	step := func(eps float64) float64 {
		next := np.leapfrog(cur, eps)
		joint := np.hamiltonian(next)
		if math.IsNaN(joint) {
			return math.Inf(-1)
		}
		return joint - joint0
	}

	dir := 1.0
	if step(eps) <= math.Log(0.5) {
		dir = -1.0
	}
	for i := 0; i < 50; i++ {
		delta := step(eps)
		if dir > 0 && delta <= math.Log(0.5) {
			break
		}
		if dir < 0 && delta > math.Log(0.5) {
			break
		}
		eps *= math.Pow(2, dir)
	}
	return eps
}

// DoAdaptation runs one warm-up update: dual averaging on the step size and
// the running variance feeding the mass matrix. The variance window opens
// after the first quarter of warm-up, since positions before that reflect the
// starting point more than the target.
func (np *NUTS) DoAdaptation(w *world.World) {
	if np.cm.dim == 0 || np.lastNAlpha == 0 {
		return
	}
	np.adaptIter++
	accept := np.lastAlpha / float64(np.lastNAlpha)
	np.stepSize = np.stepAdapter.update(accept)
	if np.adaptIter > np.numAdaptive/4 {
		np.massAdapter.observe(np.lastQ)
	}
}

// FinishAdaptation freezes the tuned step size and installs the estimated
// mass matrix. Called once when warm-up ends; a no-op afterwards.
func (np *NUTS) FinishAdaptation() {
	if np.cm.dim == 0 {
		return
	}
	np.stepSize = np.stepAdapter.finalize()
	if est, ok := np.massAdapter.estimate(); ok {
		np.massDiag = est
	}
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
