package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kiln/internal/config"
	"kiln/internal/logging"
	"kiln/internal/model"
	"kiln/internal/sampler"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Run flags
	algorithm   string
	numSamples  int
	numAdaptive int
	numChains   int
	seed        uint64

	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "kiln - MCMC inference for probabilistic programs",
	Long: `kiln draws posterior samples from probabilistic programs: models declared
as a graph of random variables with priors and observations.

Two samplers are available:
  - nuts:         global No-U-Turn Hamiltonian sampler with adaptive step size
  - ancestral-mh: single-site Metropolis-Hastings with prior proposals`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd runs inference on a built-in demo model
var runCmd = &cobra.Command{
	Use:   "run [model]",
	Short: "Run inference on a built-in demo model",
	Long: `Runs the selected sampler against one of the built-in demo models and
prints posterior summaries for its query variables.

Example:
  kiln run conjugate-normal --algorithm nuts --samples 1000 --chains 4`,
	Args: cobra.ExactArgs(1),
	RunE: runInference,
}

// modelsCmd lists the demo models
var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the built-in demo models",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range demoNames() {
			d := demos()[name]()
			fmt.Printf("%-18s %s\n", name, d.description)
		}
		return nil
	},
}

// initCmd writes a default config file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default kiln.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists", configPath)
		}
		if err := config.DefaultConfig().Save(configPath); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", configPath)
		return nil
	},
}

func runInference(cmd *cobra.Command, args []string) error {
	build, ok := demos()[args[0]]
	if !ok {
		return fmt.Errorf("unknown model %q (see 'kiln models')", args[0])
	}
	d := build()

	cfg := config.DefaultConfig()
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	applyFlagOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	var s sampler.Sampler
	switch cfg.Sampler.Algorithm {
	case "nuts":
		s = sampler.NewGlobalNoUTurnSampler(d.model)
	case "ancestral-mh":
		s = sampler.NewSingleSiteAncestralMetropolisHastings(d.model)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []sampler.Option{
		sampler.WithNumAdaptiveSamples(cfg.Sampler.NumAdaptiveSamples),
		sampler.WithNumChains(cfg.Sampler.NumChains),
		sampler.WithLogger(logger),
	}
	if cfg.Sampler.Seed != 0 {
		opts = append(opts, sampler.WithSeed(cfg.Sampler.Seed))
	}

	samples, err := s.Infer(ctx, d.queries, d.observations, cfg.Sampler.NumSamples, opts...)
	if err != nil {
		return err
	}

	fmt.Printf("model: %s (%s)\n", args[0], d.description)
	fmt.Printf("sampler: %s, %d chains x %d samples (%d adaptive)\n\n",
		cfg.Sampler.Algorithm, cfg.Sampler.NumChains, cfg.Sampler.NumSamples,
		cfg.Sampler.NumAdaptiveSamples)
	printSummaries(samples, d.queries)
	return nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("algorithm") {
		cfg.Sampler.Algorithm = algorithm
	}
	if cmd.Flags().Changed("samples") {
		cfg.Sampler.NumSamples = numSamples
	}
	if cmd.Flags().Changed("adaptive") {
		cfg.Sampler.NumAdaptiveSamples = numAdaptive
	}
	if cmd.Flags().Changed("chains") {
		cfg.Sampler.NumChains = numChains
	}
	if cmd.Flags().Changed("seed") {
		cfg.Sampler.Seed = seed
	}
}

func printSummaries(samples *sampler.MonteCarloSamples, queries []model.RVIdentifier) {
	sorted := append([]model.RVIdentifier(nil), queries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	fmt.Printf("%-14s %10s %10s\n", "variable", "mean", "std")
	for _, q := range sorted {
		mean, err := samples.Mean(q)
		if err != nil {
			fmt.Printf("%-14s %s\n", q, err)
			continue
		}
		std, _ := samples.StdDev(q)
		fmt.Printf("%-14s %10.4f %10.4f\n", q, mean, std)
	}
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "kiln.yaml", "config file path")

	runCmd.Flags().StringVar(&algorithm, "algorithm", "nuts", "sampler: nuts or ancestral-mh")
	runCmd.Flags().IntVar(&numSamples, "samples", 1000, "posterior samples per chain")
	runCmd.Flags().IntVar(&numAdaptive, "adaptive", 500, "warm-up iterations per chain")
	runCmd.Flags().IntVar(&numChains, "chains", 4, "independent chains")
	runCmd.Flags().Uint64Var(&seed, "seed", 0, "RNG seed (0 means random)")

	rootCmd.AddCommand(runCmd, modelsCmd, initCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
