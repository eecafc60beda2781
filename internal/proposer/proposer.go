// Package proposer implements the strategies that generate candidate worlds:
// single-site ancestral Metropolis-Hastings redraws and the global No-U-Turn
// Hamiltonian step. Support or numeric failures inside a proposal never
// escape as errors; they surface as a -Inf acceptance ratio and the proposal
// is rejected.
package proposer

import (
	"context"
	"math"

	"golang.org/x/exp/rand"

	"kiln/internal/model"
	"kiln/internal/world"
)

// Proposer generates a candidate next world from the current one. The
// returned log-ratio is the Metropolis-Hastings correction: the sampler
// accepts with probability min(1, exp(ratio)). Proposers that select their
// next state internally (NUTS) return a ratio of 0 so the candidate always
// commits.
type Proposer interface {
	Propose(ctx context.Context, w *world.World) (*world.World, float64, error)

	// DoAdaptation feeds one warm-up iteration's outcome back into the
	// proposer's tunable parameters. No-op for non-adaptive proposers.
	DoAdaptation(w *world.World)

	// FinishAdaptation freezes tuned parameters once warm-up ends.
	FinishAdaptation()
}

// Ancestral is the single-site ancestral Metropolis-Hastings proposer: it
// redraws one target variable from its prior, ignoring the current value.
// Since proposal and prior coincide, the acceptance ratio reduces to the
// likelihood change over the target's dependents.
type Ancestral struct {
	target model.RVIdentifier
	src    rand.Source
}

// NewAncestral returns a prior-redraw proposer for target.
func NewAncestral(target model.RVIdentifier, src rand.Source) *Ancestral {
	return &Ancestral{target: target, src: src}
}

// Target returns the variable this proposer redraws.
func (a *Ancestral) Target() model.RVIdentifier { return a.target }

func (a *Ancestral) Propose(ctx context.Context, w *world.World) (*world.World, float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	dist, ok := w.Distribution(a.target)
	if !ok {
		return nil, 0, &UnknownTargetError{Target: a.target}
	}

	candidate := dist.Sample(a.src)
	branch, err := w.Replace(a.target, candidate)
	if err != nil {
		// Zero-density somewhere downstream: an automatic reject, not a
		// failure of the chain.
		return w, math.Inf(-1), nil
	}

	oldPrior, _ := w.CachedLogProb(a.target)
	newPrior, _ := branch.CachedLogProb(a.target)
	ratio := (branch.LogProb() - newPrior) - (w.LogProb() - oldPrior)
	if math.IsNaN(ratio) {
		return w, math.Inf(-1), nil
	}
	return branch, ratio, nil
}

func (a *Ancestral) DoAdaptation(*world.World) {}

func (a *Ancestral) FinishAdaptation() {}

// UnknownTargetError reports a proposer aimed at a variable the world never
// materialized.
type UnknownTargetError struct {
	Target model.RVIdentifier
}

func (e *UnknownTargetError) Error() string {
	return "proposer: target " + e.Target.String() + " is not materialized in the world"
}
