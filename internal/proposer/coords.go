package proposer

import (
	"fmt"

	"kiln/internal/distribution"
	"kiln/internal/model"
	"kiln/internal/tensor"
	"kiln/internal/world"
)

// coordMap flattens a fixed set of latent variables into one unconstrained
// real vector, elementwise through each variable's support transform. The
// layout is frozen when the map is built; Hamiltonian dynamics then work on
// plain []float64 positions.
type coordMap struct {
	ids        []model.RVIdentifier
	offsets    []int
	shapes     [][]int
	transforms [][]distribution.Transform
	dim        int
}

// newCoordMap builds the layout for targets as materialized in w. Discrete
// variables have no unconstraining bijection and are rejected here, before
// any dynamics run.
func newCoordMap(w *world.World, targets []model.RVIdentifier) (*coordMap, error) {
	cm := &coordMap{}
	for _, id := range targets {
		d, ok := w.Distribution(id)
		if !ok {
			return nil, &UnknownTargetError{Target: id}
		}
		sup := d.Support()
		if sup.Transform(0) == nil {
			return nil, fmt.Errorf("proposer: %s has discrete support, gradient-based proposals need continuous variables", id)
		}
		v, _ := w.Get(id)
		trs := make([]distribution.Transform, v.Len())
		for j := range trs {
			trs[j] = sup.Transform(j)
		}
		cm.ids = append(cm.ids, id)
		cm.offsets = append(cm.offsets, cm.dim)
		cm.shapes = append(cm.shapes, v.Shape())
		cm.transforms = append(cm.transforms, trs)
		cm.dim += v.Len()
	}
	return cm, nil
}

// flatten maps the current constrained values of w into one unconstrained
// vector.
func (cm *coordMap) flatten(w *world.World) []float64 {
	q := make([]float64, cm.dim)
	for i, id := range cm.ids {
		v, _ := w.Get(id)
		data := v.Data()
		for j, x := range data {
			q[cm.offsets[i]+j] = cm.transforms[i][j].ToUnconstrained(x)
		}
	}
	return q
}

// constrained maps an unconstrained position back to per-variable tensors and
// returns the total log|Jacobian| of the inverse transform, the term that
// re-expresses the joint density in unconstrained coordinates.
func (cm *coordMap) constrained(q []float64) (map[model.RVIdentifier]tensor.Tensor, float64) {
	values := make(map[model.RVIdentifier]tensor.Tensor, len(cm.ids))
	logJac := 0.0
	for i, id := range cm.ids {
		n := 1
		for _, d := range cm.shapes[i] {
			n *= d
		}
		if len(cm.shapes[i]) == 0 {
			n = 1
		}
		data := make([]float64, n)
		for j := 0; j < n; j++ {
			y := q[cm.offsets[i]+j]
			data[j] = cm.transforms[i][j].ToConstrained(y)
			logJac += cm.transforms[i][j].LogAbsDetJacobian(y)
		}
		t, err := tensor.FromSlice(data, cm.shapes[i]...)
		if err != nil {
			panic(err) // shapes recorded from live tensors
		}
		values[id] = t
	}
	return values, logJac
}
