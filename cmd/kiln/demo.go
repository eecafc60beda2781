package main

import (
	"sort"

	"kiln/internal/distribution"
	"kiln/internal/model"
	"kiln/internal/tensor"
)

// demo is a built-in example model the CLI can run inference on.
type demo struct {
	description  string
	model        *model.Model
	queries      []model.RVIdentifier
	observations map[model.RVIdentifier]tensor.Tensor
}

// demos builds the example registry. Each entry constructs a fresh model so
// runs never share state.
func demos() map[string]func() demo {
	return map[string]func() demo{
		"conjugate-normal": conjugateNormal,
		"beta-bernoulli":   betaBernoulli,
		"eight-schools":    eightSchools,
	}
}

func demoNames() []string {
	names := make([]string, 0)
	for name := range demos() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// conjugateNormal is the classic normal-normal model: the posterior of mu
// given x=0.5 is N(0.25, 0.707), handy for eyeballing correctness.
func conjugateNormal() demo {
	m := model.New()
	mu := m.RandomVariable("mu", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewNormal(tensor.Scalar(0), tensor.Scalar(1))
	})
	x := m.RandomVariable("x", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewNormal(c.Call(mu()), tensor.Scalar(1))
	})
	doubled := m.Functional("doubled", func(c model.Caller, _ []int) (tensor.Tensor, error) {
		return c.Call(x()).Scale(2), nil
	})
	return demo{
		description: "mu ~ N(0,1), x ~ N(mu,1) observed at 0.5; posterior mu is N(0.25, 0.707)",
		model:       m,
		queries:     []model.RVIdentifier{mu(), doubled()},
		observations: map[model.RVIdentifier]tensor.Tensor{
			x(): tensor.Scalar(0.5),
		},
	}
}

// betaBernoulli infers a coin's bias from 10 flips with 7 heads. The
// posterior of p is Beta(9, 5), mean 9/14. The flips are observed and p is
// continuous, so both samplers apply.
func betaBernoulli() demo {
	m := model.New()
	p := m.RandomVariable("p", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewBeta(tensor.Scalar(2), tensor.Scalar(2))
	})
	flip := m.RandomVariable("flip", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewBernoulli(c.Call(p()))
	})
	flips := []float64{1, 1, 1, 1, 1, 1, 1, 0, 0, 0}
	obs := make(map[model.RVIdentifier]tensor.Tensor, len(flips))
	for i, f := range flips {
		obs[flip(i)] = tensor.Scalar(f)
	}
	return demo{
		description:  "p ~ Beta(2,2), 10 Bernoulli flips observed (7 heads); posterior p is Beta(9,5)",
		model:        m,
		queries:      []model.RVIdentifier{p()},
		observations: obs,
	}
}

// eightSchools is the classic hierarchical benchmark: a shared treatment
// effect mu with per-school effects theta(i) pooled through a half-normal
// scale tau.
func eightSchools() demo {
	effects := []float64{28, 8, -3, 7, -1, 1, 18, 12}
	stderrs := []float64{15, 10, 16, 11, 9, 11, 10, 18}

	m := model.New()
	mu := m.RandomVariable("mu", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewNormal(tensor.Scalar(0), tensor.Scalar(10))
	})
	tau := m.RandomVariable("tau", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewHalfNormal(tensor.Scalar(5))
	})
	theta := m.RandomVariable("theta", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewNormal(c.Call(mu()), c.Call(tau()))
	})
	y := m.RandomVariable("y", func(c model.Caller, args []int) (distribution.Distribution, error) {
		i := args[0]
		return distribution.NewNormal(c.Call(theta(i)), tensor.Scalar(stderrs[i]))
	})

	obs := make(map[model.RVIdentifier]tensor.Tensor, len(effects))
	for i, e := range effects {
		obs[y(i)] = tensor.Scalar(e)
	}
	return demo{
		description:  "hierarchical effects: mu ~ N(0,10), tau ~ HalfNormal(5), per-school theta pooled toward mu",
		model:        m,
		queries:      []model.RVIdentifier{mu(), tau()},
		observations: obs,
	}
}
