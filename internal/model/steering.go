package model

import (
	"fmt"

	"github.com/samcharles93/strata/internal/tensor"
)

// SteeringState is the mutable runtime state of the steering mechanism,
// settable after construction. It is deliberately separate from the
// immutable configuration: generation tooling flips the index or scaling
// factor between forward passes without rebuilding the model.
type SteeringState struct {
	Index         int
	ScalingFactor float64
	Mixture       []float64
}

// steeringVector adds a learned per-dataset vector to the activation at the
// configured depth.
//
// one_hot selects the row named by the state's index. mixture combines all
// rows with learned (or externally set) weights.
type steeringVector struct {
	variant string
	matrix  *tensor.Tensor // (n_datasets, n_embd)
	mixture *tensor.Tensor // (1, n_datasets), mixture variant only
	state   *SteeringState
}

func newSteeringVector(cfg *Config) (*steeringVector, error) {
	s := &steeringVector{
		variant: cfg.LSVVariant,
		matrix:  tensor.Param(cfg.NLSVDatasets, cfg.NEmbd),
		state:   &SteeringState{ScalingFactor: cfg.LSVScalingFactor},
	}
	switch cfg.LSVVariant {
	case "one_hot":
	case "mixture":
		s.mixture = tensor.Param(1, cfg.NLSVDatasets)
		for i := range s.mixture.Data {
			s.mixture.Data[i] = 1 / float64(cfg.NLSVDatasets)
		}
	default:
		return nil, fmt.Errorf("%w: steering variant %q", ErrUnknownVariant, cfg.LSVVariant)
	}
	return s, nil
}

func (s *steeringVector) apply(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	var v *tensor.Tensor
	switch s.variant {
	case "one_hot":
		v = g.SelectRow(s.matrix, s.state.Index)
	case "mixture":
		if s.state.Mixture != nil {
			copy(s.mixture.Data, s.state.Mixture)
		}
		v = g.MatMul(s.mixture, s.matrix).Reshape(s.matrix.Dim(1))
	}
	return g.AddVec(x, g.Scale(v, s.state.ScalingFactor))
}

func (s *steeringVector) params(prefix string, visit paramVisitor) {
	visit(prefix+".matrix", s.matrix)
	if s.mixture != nil {
		visit(prefix+".mixture", s.mixture)
	}
}
