package sampler

import (
	"context"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"kiln/internal/model"
	"kiln/internal/proposer"
	"kiln/internal/tensor"
	"kiln/internal/world"
)

// Infer implements the Sampler contract for both strategies. Chains are
// embarrassingly parallel: each gets its own world, proposers and RNG stream,
// and the only join is collecting recorded values at the end.
func (s *base) Infer(ctx context.Context, queries []model.RVIdentifier, observations map[model.RVIdentifier]tensor.Tensor, numSamples int, opts ...Option) (*MonteCarloSamples, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := s.validate(numSamples, o); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	seed := o.baseSeed()
	log := o.logger.With(
		zap.String("run_id", runID),
		zap.String("sampler", s.name),
	)
	log.Info("starting inference",
		zap.Int("num_samples", numSamples),
		zap.Int("num_adaptive_samples", o.numAdaptive),
		zap.Int("num_chains", o.numChains),
		zap.Int("num_queries", len(queries)),
	)
	start := time.Now()

	cs := newMonteCarloSamples(queries, o.numChains, o.numAdaptive, numSamples)
	g, ctx := errgroup.WithContext(ctx)
	for c := 0; c < o.numChains; c++ {
		g.Go(func() error {
			record := func(w *world.World) error {
				for _, q := range queries {
					v, ok := w.Get(q)
					if !ok {
						return fmt.Errorf("sampler: query %s missing from world", q)
					}
					cs.record(c, q, v)
				}
				return nil
			}
			err := s.runChain(ctx, c, queries, observations, numSamples, o, seed, record)
			if err != nil {
				return err
			}
			log.Debug("chain finished", zap.Int("chain", c))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info("inference finished", zap.Duration("elapsed", time.Since(start)))
	return cs, nil
}

// Worlds implements the lazy single-chain sequence. Initialization happens
// eagerly so its failure surfaces here rather than mid-iteration; the
// returned sequence itself cannot fail, because anything recoverable inside a
// proposal becomes a rejection.
func (s *base) Worlds(ctx context.Context, queries []model.RVIdentifier, observations map[model.RVIdentifier]tensor.Tensor, numSamples int, opts ...Option) (iter.Seq[*world.World], error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	// The lazy sequence is a single chain by contract.
	o.numChains = 1
	if err := s.validate(numSamples, o); err != nil {
		return nil, err
	}

	seed := o.baseSeed()
	src := rand.NewSource(chainSeed(seed, 0))
	w, err := world.Initialize(s.model, queries, observations,
		world.WithInitFn(o.initFn), world.WithSource(src))
	if err != nil {
		return nil, err
	}
	props, err := s.factory(w, w.LatentNodes(), o.numAdaptive, src)
	if err != nil {
		return nil, err
	}

	rng := rand.New(src)
	total := o.numAdaptive + numSamples
	return func(yield func(*world.World) bool) {
		for i := 0; i < total; i++ {
			if ctx.Err() != nil {
				return
			}
			w = step(ctx, w, props, rng, i, o.numAdaptive)
			if !yield(w) {
				return
			}
		}
	}, nil
}

// runChain runs one chain start to finish, invoking record after every
// iteration including warm-up.
func (s *base) runChain(ctx context.Context, chain int, queries []model.RVIdentifier, observations map[model.RVIdentifier]tensor.Tensor, numSamples int, o options, seed uint64, record func(*world.World) error) error {
	src := rand.NewSource(chainSeed(seed, chain))
	w, err := world.Initialize(s.model, queries, observations,
		world.WithInitFn(o.initFn), world.WithSource(src))
	if err != nil {
		return fmt.Errorf("chain %d: %w", chain, err)
	}
	props, err := s.factory(w, w.LatentNodes(), o.numAdaptive, src)
	if err != nil {
		return fmt.Errorf("chain %d: %w", chain, err)
	}

	rng := rand.New(src)
	total := o.numAdaptive + numSamples
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		w = step(ctx, w, props, rng, i, o.numAdaptive)
		if err := record(w); err != nil {
			return err
		}
	}
	return nil
}

// step applies every proposer once with the usual accept/reject rule and
// drives the adaptation schedule. A proposer error at this level can only be
// context cancellation or a programming error; either way the world stays
// committed and the loop's caller sees it via ctx.
func step(ctx context.Context, w *world.World, props []proposer.Proposer, rng *rand.Rand, iteration, numAdaptive int) *world.World {
	adapting := iteration < numAdaptive
	// Randomize single-site sweep order so no variable is systematically
	// updated with stale neighbors.
	rng.Shuffle(len(props), func(i, j int) { props[i], props[j] = props[j], props[i] })
	for _, p := range props {
		candidate, ratio, err := p.Propose(ctx, w)
		if err != nil {
			return w
		}
		if accept(rng, ratio) {
			w = candidate
		}
		if adapting {
			p.DoAdaptation(w)
		}
	}
	if numAdaptive > 0 && iteration == numAdaptive-1 {
		for _, p := range props {
			p.FinishAdaptation()
		}
	}
	return w
}

// accept applies the Metropolis rule min(1, exp(ratio)).
func accept(rng *rand.Rand, ratio float64) bool {
	if math.IsNaN(ratio) {
		return false
	}
	if ratio >= 0 {
		return true
	}
	return math.Log(rng.Float64()) < ratio
}
