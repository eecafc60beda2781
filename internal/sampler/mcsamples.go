package sampler

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"kiln/internal/model"
	"kiln/internal/tensor"
)

// MonteCarloSamples is the in-memory result of one inference run: for every
// query variable, a (chain x iteration) grid of recorded values. Adaptation
// iterations are stored but excluded from Get unless asked for, and counted
// separately.
type MonteCarloSamples struct {
	queries     []model.RVIdentifier
	values      map[model.RVIdentifier][][]tensor.Tensor
	numAdaptive int
	numKept     int
}

func newMonteCarloSamples(queries []model.RVIdentifier, numChains, numAdaptive, numKept int) *MonteCarloSamples {
	cs := &MonteCarloSamples{
		queries:     append([]model.RVIdentifier(nil), queries...),
		values:      make(map[model.RVIdentifier][][]tensor.Tensor, len(queries)),
		numAdaptive: numAdaptive,
		numKept:     numKept,
	}
	for _, q := range queries {
		grid := make([][]tensor.Tensor, numChains)
		for c := range grid {
			grid[c] = make([]tensor.Tensor, 0, numAdaptive+numKept)
		}
		cs.values[q] = grid
	}
	return cs
}

func (cs *MonteCarloSamples) record(chain int, id model.RVIdentifier, v tensor.Tensor) {
	cs.values[id][chain] = append(cs.values[id][chain], v.Clone())
}

// Has reports whether id was a query of the run.
func (cs *MonteCarloSamples) Has(id model.RVIdentifier) bool {
	_, ok := cs.values[id]
	return ok
}

// Queries returns the query variables in request order.
func (cs *MonteCarloSamples) Queries() []model.RVIdentifier {
	return append([]model.RVIdentifier(nil), cs.queries...)
}

// Get returns the kept samples for a query variable, shaped
// (chains x kept iterations). Adaptation iterations are excluded.
func (cs *MonteCarloSamples) Get(id model.RVIdentifier) ([][]tensor.Tensor, error) {
	return cs.get(id, false)
}

// GetWithAdapt returns all recorded iterations including warm-up.
func (cs *MonteCarloSamples) GetWithAdapt(id model.RVIdentifier) ([][]tensor.Tensor, error) {
	return cs.get(id, true)
}

func (cs *MonteCarloSamples) get(id model.RVIdentifier, includeAdapt bool) ([][]tensor.Tensor, error) {
	grid, ok := cs.values[id]
	if !ok {
		return nil, fmt.Errorf("samples: %s was not a query of this run", id)
	}
	out := make([][]tensor.Tensor, len(grid))
	for c, row := range grid {
		if includeAdapt {
			out[c] = append([]tensor.Tensor(nil), row...)
		} else {
			out[c] = append([]tensor.Tensor(nil), row[cs.numAdaptive:]...)
		}
	}
	return out, nil
}

// NumChains returns the number of chains recorded.
func (cs *MonteCarloSamples) NumChains() int {
	for _, grid := range cs.values {
		return len(grid)
	}
	return 0
}

// NumSamples returns the per-chain iteration count, with or without the
// adaptation phase.
func (cs *MonteCarloSamples) NumSamples(includeAdaptSteps bool) int {
	if includeAdaptSteps {
		return cs.numAdaptive + cs.numKept
	}
	return cs.numKept
}

// Mean returns the posterior mean of a scalar query over all kept samples and
// chains.
func (cs *MonteCarloSamples) Mean(id model.RVIdentifier) (float64, error) {
	flat, err := cs.flatScalar(id)
	if err != nil {
		return 0, err
	}
	return stat.Mean(flat, nil), nil
}

// StdDev returns the posterior standard deviation of a scalar query over all
// kept samples and chains.
func (cs *MonteCarloSamples) StdDev(id model.RVIdentifier) (float64, error) {
	flat, err := cs.flatScalar(id)
	if err != nil {
		return 0, err
	}
	return stat.StdDev(flat, nil), nil
}

func (cs *MonteCarloSamples) flatScalar(id model.RVIdentifier) ([]float64, error) {
	grid, err := cs.get(id, false)
	if err != nil {
		return nil, err
	}
	flat := make([]float64, 0, len(grid)*cs.numKept)
	for _, row := range grid {
		for _, v := range row {
			if v.Len() != 1 {
				return nil, fmt.Errorf("samples: %s is not scalar", id)
			}
			flat = append(flat, v.Float())
		}
	}
	return flat, nil
}
