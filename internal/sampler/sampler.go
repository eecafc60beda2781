// Package sampler orchestrates inference: initialize a world per chain, walk
// it with a proposer strategy, and collect query values into an in-memory
// result container. Two strategies are provided: a global No-U-Turn
// Hamiltonian sampler and a single-site ancestral Metropolis-Hastings
// sampler. Chains are independent and run in parallel.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"golang.org/x/exp/rand"

	"kiln/internal/model"
	"kiln/internal/proposer"
	"kiln/internal/tensor"
	"kiln/internal/world"
)

// ErrBadConfig reports an invalid inference configuration, rejected before
// any chain starts.
var ErrBadConfig = errors.New("invalid sampler configuration")

// Sampler is the public inference surface shared by all strategies.
type Sampler interface {
	// Infer draws numSamples posterior samples per chain for the query
	// variables, conditioned on the observations. Fails only on invalid
	// configuration or exhausted initialization; numeric trouble inside
	// proposals is absorbed as rejections.
	Infer(ctx context.Context, queries []model.RVIdentifier, observations map[model.RVIdentifier]tensor.Tensor, numSamples int, opts ...Option) (*MonteCarloSamples, error)

	// Worlds returns a finite, single-pass sequence of the intermediate
	// worlds of one chain, one per iteration, without materializing a
	// result container. Every yielded world has a finite log-density.
	Worlds(ctx context.Context, queries []model.RVIdentifier, observations map[model.RVIdentifier]tensor.Tensor, numSamples int, opts ...Option) (iter.Seq[*world.World], error)

	// GetProposers returns the proposer instances this strategy would use
	// for the given target set, for inspection without running inference.
	GetProposers(w *world.World, targets []model.RVIdentifier, numAdaptive int) ([]proposer.Proposer, error)

	// InitializeWorld exposes the initializer's result directly: the world
	// a chain would start from. Internal-but-inspectable, not a stable
	// public guarantee.
	InitializeWorld(queries []model.RVIdentifier, observations map[model.RVIdentifier]tensor.Tensor, initFn world.InitFn) (*world.World, error)
}

// proposerFactory builds the proposer set for one chain. src is the chain's
// private RNG stream.
type proposerFactory func(w *world.World, targets []model.RVIdentifier, numAdaptive int, src rand.Source) ([]proposer.Proposer, error)

// base carries everything the strategies share; the strategies differ only in
// their proposer factory.
type base struct {
	model   *model.Model
	name    string
	factory proposerFactory
}

// GlobalNoUTurnSampler runs one joint NUTS proposer over all continuous
// latent variables.
type GlobalNoUTurnSampler struct {
	base
}

// NewGlobalNoUTurnSampler builds the NUTS strategy for m.
func NewGlobalNoUTurnSampler(m *model.Model) *GlobalNoUTurnSampler {
	s := &GlobalNoUTurnSampler{base{model: m, name: "global_nuts"}}
	s.factory = func(w *world.World, targets []model.RVIdentifier, numAdaptive int, src rand.Source) ([]proposer.Proposer, error) {
		if len(targets) == 0 {
			return nil, nil
		}
		np, err := proposer.NewNUTS(w, targets, numAdaptive, src)
		if err != nil {
			return nil, err
		}
		return []proposer.Proposer{np}, nil
	}
	return s
}

// SingleSiteAncestralMetropolisHastings resamples one latent variable at a
// time from its prior, sweeping all latent variables each iteration.
type SingleSiteAncestralMetropolisHastings struct {
	base
}

// NewSingleSiteAncestralMetropolisHastings builds the ancestral MH strategy
// for m.
func NewSingleSiteAncestralMetropolisHastings(m *model.Model) *SingleSiteAncestralMetropolisHastings {
	s := &SingleSiteAncestralMetropolisHastings{base{model: m, name: "single_site_ancestral_mh"}}
	s.factory = func(w *world.World, targets []model.RVIdentifier, numAdaptive int, src rand.Source) ([]proposer.Proposer, error) {
		out := make([]proposer.Proposer, 0, len(targets))
		for _, id := range targets {
			out = append(out, proposer.NewAncestral(id, src))
		}
		return out, nil
	}
	return s
}

// GetProposers builds the strategy's proposers for an existing world, mainly
// so callers and tests can inspect the configuration.
func (s *base) GetProposers(w *world.World, targets []model.RVIdentifier, numAdaptive int) ([]proposer.Proposer, error) {
	if numAdaptive < 0 {
		return nil, fmt.Errorf("%w: negative adaptive samples %d", ErrBadConfig, numAdaptive)
	}
	return s.factory(w, targets, numAdaptive, rand.NewSource(rand.Uint64()))
}

// InitializeWorld builds the world a chain would start from, using the given
// initialization strategy (nil means prior draws).
func (s *base) InitializeWorld(queries []model.RVIdentifier, observations map[model.RVIdentifier]tensor.Tensor, initFn world.InitFn) (*world.World, error) {
	return world.Initialize(s.model, queries, observations, world.WithInitFn(initFn))
}

func (s *base) validate(numSamples int, o options) error {
	if numSamples <= 0 {
		return fmt.Errorf("%w: num samples must be positive, got %d", ErrBadConfig, numSamples)
	}
	if o.numChains <= 0 {
		return fmt.Errorf("%w: num chains must be positive, got %d", ErrBadConfig, o.numChains)
	}
	if o.numAdaptive < 0 {
		return fmt.Errorf("%w: num adaptive samples must be non-negative, got %d", ErrBadConfig, o.numAdaptive)
	}
	return nil
}
