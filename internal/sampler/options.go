package sampler

import (
	"go.uber.org/zap"
	"golang.org/x/exp/rand"

	"kiln/internal/world"
)

// options collects the tunable parts of an inference run.
type options struct {
	numAdaptive int
	numChains   int
	initFn      world.InitFn
	seed        uint64
	seedSet     bool
	logger      *zap.Logger
}

func defaultOptions() options {
	return options{
		numChains: 1,
		initFn:    world.InitFromPrior,
		logger:    zap.NewNop(),
	}
}

func (o *options) baseSeed() uint64 {
	if o.seedSet {
		return o.seed
	}
	return rand.Uint64()
}

// chainSeed derives an independent stream seed per chain.
func chainSeed(base uint64, chain int) uint64 {
	return base + uint64(chain)*0x9e3779b97f4a7c15
}

// Option configures Infer and Worlds.
type Option func(*options)

// WithNumAdaptiveSamples sets the number of warm-up iterations used to tune
// proposer parameters. Only meaningful for adaptive proposers; harmless
// elsewhere.
func WithNumAdaptiveSamples(n int) Option {
	return func(o *options) { o.numAdaptive = n }
}

// WithNumChains sets the number of independent chains.
func WithNumChains(n int) Option {
	return func(o *options) { o.numChains = n }
}

// WithInitFn overrides the initialization strategy for every chain.
func WithInitFn(fn world.InitFn) Option {
	return func(o *options) {
		if fn != nil {
			o.initFn = fn
		}
	}
}

// WithSeed makes the run reproducible. Each chain still gets its own derived
// stream.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.seed = seed
		o.seedSet = true
	}
}

// WithLogger attaches a logger for run progress. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
