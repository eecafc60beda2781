package world_test

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"kiln/internal/distribution"
	"kiln/internal/model"
	"kiln/internal/tensor"
	"kiln/internal/world"
)

// sampleModel is the three-variable chain used throughout the tests:
// foo ~ N(0,1), bar ~ N(foo,1), baz = bar*2.
type sampleModel struct {
	m   *model.Model
	foo model.Handle
	bar model.Handle
	baz model.Handle
}

func newSampleModel() sampleModel {
	m := model.New()
	foo := m.RandomVariable("foo", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewNormal(tensor.Scalar(0), tensor.Scalar(1))
	})
	bar := m.RandomVariable("bar", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewNormal(c.Call(foo()), tensor.Scalar(1))
	})
	baz := m.Functional("baz", func(c model.Caller, _ []int) (tensor.Tensor, error) {
		return c.Call(bar()).Scale(2), nil
	})
	return sampleModel{m: m, foo: foo, bar: bar, baz: baz}
}

func TestCallMaterializesParents(t *testing.T) {
	sm := newSampleModel()
	w := world.New(sm.m, nil, world.WithSource(rand.NewSource(1)))

	_, err := w.Call(sm.bar())
	require.NoError(t, err)

	assert.True(t, w.Has(sm.foo()), "transitive parent must be materialized")
	assert.True(t, w.Has(sm.bar()))
	assert.False(t, w.Has(sm.baz()), "functional was never called")
	assert.Equal(t, 2, w.Len())
}

func TestGraphEdges(t *testing.T) {
	sm := newSampleModel()
	w := world.New(sm.m, nil, world.WithSource(rand.NewSource(1)))
	_, err := w.Call(sm.baz())
	require.NoError(t, err)

	assert.Equal(t, []model.RVIdentifier{sm.bar()}, w.Children(sm.foo()))
	assert.Equal(t, []model.RVIdentifier{sm.baz()}, w.Children(sm.bar()))
}

func TestLatentNodesExcludeObservedAndFunctionals(t *testing.T) {
	sm := newSampleModel()
	obs := map[model.RVIdentifier]tensor.Tensor{sm.bar(): tensor.Scalar(0.5)}
	w, err := world.Initialize(sm.m, []model.RVIdentifier{sm.baz()}, obs,
		world.WithSource(rand.NewSource(1)))
	require.NoError(t, err)

	assert.Equal(t, []model.RVIdentifier{sm.foo()}, w.LatentNodes())
	assert.Equal(t, []model.RVIdentifier{sm.bar()}, w.ObservedNodes())
}

func TestObservedValueFixed(t *testing.T) {
	sm := newSampleModel()
	obs := map[model.RVIdentifier]tensor.Tensor{sm.bar(): tensor.Scalar(0.5)}
	w, err := world.Initialize(sm.m, nil, obs, world.WithSource(rand.NewSource(1)))
	require.NoError(t, err)

	v, ok := w.Get(sm.bar())
	require.True(t, ok)
	assert.Equal(t, 0.5, v.Float())

	_, err = w.Replace(sm.bar(), tensor.Scalar(1))
	assert.Error(t, err, "observed values must not be assignable")
}

func TestLogProbIsSumOfNodeDensities(t *testing.T) {
	sm := newSampleModel()
	obs := map[model.RVIdentifier]tensor.Tensor{sm.bar(): tensor.Scalar(0.5)}
	w, err := world.Initialize(sm.m, []model.RVIdentifier{sm.foo()}, obs,
		world.WithSource(rand.NewSource(7)))
	require.NoError(t, err)

	fooVal, _ := w.Get(sm.foo())
	prior, _ := distribution.NewNormal(tensor.Scalar(0), tensor.Scalar(1))
	lik, _ := distribution.NewNormal(fooVal, tensor.Scalar(1))
	lpPrior, err := prior.LogProb(fooVal)
	require.NoError(t, err)
	lpLik, err := lik.LogProb(tensor.Scalar(0.5))
	require.NoError(t, err)

	assert.InDelta(t, lpPrior+lpLik, w.LogProb(), 1e-12)
}

func TestReplaceRebuildsDependents(t *testing.T) {
	sm := newSampleModel()
	obs := map[model.RVIdentifier]tensor.Tensor{sm.bar(): tensor.Scalar(0.5)}
	w, err := world.Initialize(sm.m, []model.RVIdentifier{sm.foo(), sm.baz()}, obs,
		world.WithSource(rand.NewSource(7)))
	require.NoError(t, err)

	branch, err := w.Replace(sm.foo(), tensor.Scalar(0.5))
	require.NoError(t, err)

	// bar's likelihood is now centered at 0.5, the observed value
	lp, ok := branch.CachedLogProb(sm.bar())
	require.True(t, ok)
	assert.InDelta(t, -0.9189385332046727, lp, 1e-12)
}

func TestFunctionalRecomputedOnBranch(t *testing.T) {
	sm := newSampleModel()
	w, err := world.Initialize(sm.m, []model.RVIdentifier{sm.baz()}, nil,
		world.WithSource(rand.NewSource(7)))
	require.NoError(t, err)

	branch, err := w.Replace(sm.bar(), tensor.Scalar(3))
	require.NoError(t, err)

	v, _ := branch.Get(sm.baz())
	assert.Equal(t, 6.0, v.Float())

	orig, _ := w.Get(sm.baz())
	barOrig, _ := w.Get(sm.bar())
	assert.Equal(t, barOrig.Float()*2, orig.Float(), "original functional value must be untouched")
}

func TestRejectedBranchLeavesWorldBitIdentical(t *testing.T) {
	sm := newSampleModel()
	obs := map[model.RVIdentifier]tensor.Tensor{sm.bar(): tensor.Scalar(0.5)}
	w, err := world.Initialize(sm.m, []model.RVIdentifier{sm.foo(), sm.baz()}, obs,
		world.WithSource(rand.NewSource(7)))
	require.NoError(t, err)

	snapshotIDs := []model.RVIdentifier{sm.foo(), sm.bar(), sm.baz()}
	before := make(map[model.RVIdentifier][]float64)
	for _, id := range snapshotIDs {
		v, _ := w.Get(id)
		before[id] = v.Data()
	}
	lpBefore := math.Float64bits(w.LogProb())

	// propose, inspect, drop
	branch, err := w.Replace(sm.foo(), tensor.Scalar(42))
	require.NoError(t, err)
	require.NotEqual(t, w.LogProb(), branch.LogProb())

	for _, id := range snapshotIDs {
		v, _ := w.Get(id)
		if diff := cmp.Diff(before[id], v.Data()); diff != "" {
			t.Errorf("%s changed after discarded proposal (-before +after):\n%s", id, diff)
		}
	}
	assert.Equal(t, lpBefore, math.Float64bits(w.LogProb()),
		"joint log-density must be bit-identical after a discarded proposal")
}

func TestReplaceOutOfSupport(t *testing.T) {
	m := model.New()
	u := m.RandomVariable("u", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewUniform(tensor.Scalar(3), tensor.Scalar(5))
	})
	w, err := world.Initialize(m, []model.RVIdentifier{u()}, nil,
		world.WithSource(rand.NewSource(1)))
	require.NoError(t, err)

	_, err = w.Replace(u(), tensor.Scalar(0))
	assert.ErrorIs(t, err, distribution.ErrOutOfSupport)
}

func TestReplaceAll(t *testing.T) {
	sm := newSampleModel()
	w, err := world.Initialize(sm.m, []model.RVIdentifier{sm.baz()}, nil,
		world.WithSource(rand.NewSource(7)))
	require.NoError(t, err)

	branch, err := w.ReplaceAll(map[model.RVIdentifier]tensor.Tensor{
		sm.foo(): tensor.Scalar(1),
		sm.bar(): tensor.Scalar(2),
	})
	require.NoError(t, err)

	fooV, _ := branch.Get(sm.foo())
	barV, _ := branch.Get(sm.bar())
	bazV, _ := branch.Get(sm.baz())
	assert.Equal(t, 1.0, fooV.Float())
	assert.Equal(t, 2.0, barV.Float())
	assert.Equal(t, 4.0, bazV.Float())

	// bar's density must be evaluated under the new parent value
	lp, _ := branch.CachedLogProb(sm.bar())
	lik, _ := distribution.NewNormal(tensor.Scalar(1), tensor.Scalar(1))
	want, _ := lik.LogProb(tensor.Scalar(2))
	assert.InDelta(t, want, lp, 1e-12)
}

func TestInitializeRetriesInvalidDraws(t *testing.T) {
	m := model.New()
	u := m.RandomVariable("u", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewUniform(tensor.Scalar(3), tensor.Scalar(5))
	})

	attempts := 0
	flaky := func(d distribution.Distribution, src rand.Source) tensor.Tensor {
		attempts++
		if attempts < 3 {
			return tensor.Scalar(math.NaN())
		}
		return d.Sample(src)
	}

	w, err := world.Initialize(m, []model.RVIdentifier{u()}, nil,
		world.WithInitFn(flaky), world.WithSource(rand.NewSource(1)))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts, 3)
	assert.False(t, math.IsNaN(w.LogProb()) || math.IsInf(w.LogProb(), 0))
}

func TestInitializeExhaustsRetries(t *testing.T) {
	m := model.New()
	u := m.RandomVariable("u", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewUniform(tensor.Scalar(3), tensor.Scalar(5))
	})

	zero := func(d distribution.Distribution, src rand.Source) tensor.Tensor {
		return tensor.Scalar(0)
	}

	_, err := world.Initialize(m, []model.RVIdentifier{u()}, nil,
		world.WithInitFn(zero), world.WithSource(rand.NewSource(1)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, world.ErrInit))
	assert.Contains(t, err.Error(), "cannot find a valid initialization")
}

func TestUnknownVariable(t *testing.T) {
	sm := newSampleModel()
	other := model.New().RandomVariable("other", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewNormal(tensor.Scalar(0), tensor.Scalar(1))
	})
	w := world.New(sm.m, nil)
	_, err := w.Call(other())
	assert.Error(t, err)
}

func TestPlateIndexedVariables(t *testing.T) {
	m := model.New()
	mu := m.RandomVariable("mu", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewNormal(tensor.Scalar(0), tensor.Scalar(1))
	})
	y := m.RandomVariable("y", func(c model.Caller, args []int) (distribution.Distribution, error) {
		return distribution.NewNormal(c.Call(mu()), tensor.Scalar(float64(args[0]+1)))
	})

	queries := []model.RVIdentifier{y(0), y(1), y(2)}
	w, err := world.Initialize(m, queries, nil, world.WithSource(rand.NewSource(3)))
	require.NoError(t, err)

	assert.Equal(t, 4, w.Len(), "three plate members plus the shared parent")
	assert.Len(t, w.LatentNodes(), 4)
}

func TestInitializeTensorUniform(t *testing.T) {
	// per-element ranges that do not overlap: every prior draw is valid
	// elementwise and initialization must accept it
	m := model.New()
	u := m.RandomVariable("u", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		low, _ := tensor.FromSlice([]float64{0, 2}, 2)
		high, _ := tensor.FromSlice([]float64{1, 3}, 2)
		return distribution.NewUniform(low, high)
	})

	w, err := world.Initialize(m, []model.RVIdentifier{u()}, nil,
		world.WithSource(rand.NewSource(9)))
	require.NoError(t, err)

	v, ok := w.Get(u())
	require.True(t, ok)
	assert.Greater(t, v.At(0), 0.0)
	assert.Less(t, v.At(0), 1.0)
	assert.Greater(t, v.At(1), 2.0)
	assert.Less(t, v.At(1), 3.0)
}
