package proposer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"kiln/internal/distribution"
	"kiln/internal/model"
	"kiln/internal/tensor"
	"kiln/internal/world"
)

// chainModel builds foo ~ N(0,1), bar ~ N(foo,1) and returns the handles.
func chainModel() (*model.Model, model.Handle, model.Handle) {
	m := model.New()
	foo := m.RandomVariable("foo", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewNormal(tensor.Scalar(0), tensor.Scalar(1))
	})
	bar := m.RandomVariable("bar", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewNormal(c.Call(foo()), tensor.Scalar(1))
	})
	return m, foo, bar
}

func TestAncestralRatioIsLikelihoodChange(t *testing.T) {
	m, foo, bar := chainModel()
	obs := map[model.RVIdentifier]tensor.Tensor{bar(): tensor.Scalar(0.5)}
	w, err := world.Initialize(m, []model.RVIdentifier{foo()}, obs,
		world.WithSource(rand.NewSource(5)))
	require.NoError(t, err)

	p := NewAncestral(foo(), rand.NewSource(6))
	cand, ratio, err := p.Propose(context.Background(), w)
	require.NoError(t, err)
	require.NotNil(t, cand)

	// With a prior proposal the MH ratio reduces to the change in the
	// downstream likelihood.
	oldLik, _ := w.CachedLogProb(bar())
	newLik, _ := cand.CachedLogProb(bar())
	assert.InDelta(t, newLik-oldLik, ratio, 1e-12)
}

func TestAncestralNoChildrenAlwaysAccepts(t *testing.T) {
	m, foo, _ := chainModel()
	w, err := world.Initialize(m, []model.RVIdentifier{foo()}, nil,
		world.WithSource(rand.NewSource(5)))
	require.NoError(t, err)

	p := NewAncestral(foo(), rand.NewSource(6))
	for i := 0; i < 20; i++ {
		cand, ratio, err := p.Propose(context.Background(), w)
		require.NoError(t, err)
		assert.Equal(t, 0.0, ratio, "no dependents means the ratio is exactly zero")
		w = cand
	}
}

func TestAncestralProposalChangesOnlyTargetClosure(t *testing.T) {
	m, foo, bar := chainModel()
	obs := map[model.RVIdentifier]tensor.Tensor{bar(): tensor.Scalar(0.5)}
	w, err := world.Initialize(m, []model.RVIdentifier{foo()}, obs,
		world.WithSource(rand.NewSource(5)))
	require.NoError(t, err)

	before, _ := w.Get(foo())
	p := NewAncestral(foo(), rand.NewSource(9))
	cand, _, err := p.Propose(context.Background(), w)
	require.NoError(t, err)

	after, _ := w.Get(foo())
	assert.True(t, before.Equal(after), "committed world must not move before acceptance")

	obsVal, _ := cand.Get(bar())
	assert.Equal(t, 0.5, obsVal.Float(), "observed value must survive the proposal")
}

func TestAncestralUnknownTarget(t *testing.T) {
	m, foo, _ := chainModel()
	w, err := world.Initialize(m, []model.RVIdentifier{foo()}, nil,
		world.WithSource(rand.NewSource(5)))
	require.NoError(t, err)

	other := model.New().RandomVariable("other", func(c model.Caller, _ []int) (distribution.Distribution, error) {
		return distribution.NewNormal(tensor.Scalar(0), tensor.Scalar(1))
	})
	p := NewAncestral(other(), rand.NewSource(6))
	_, _, err = p.Propose(context.Background(), w)
	var ute *UnknownTargetError
	assert.ErrorAs(t, err, &ute)
}

func TestAncestralContextCancellation(t *testing.T) {
	m, foo, _ := chainModel()
	w, err := world.Initialize(m, []model.RVIdentifier{foo()}, nil,
		world.WithSource(rand.NewSource(5)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewAncestral(foo(), rand.NewSource(6))
	_, _, err = p.Propose(ctx, w)
	assert.ErrorIs(t, err, context.Canceled)
}
