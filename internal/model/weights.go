package model

import (
	"fmt"

	"github.com/samcharles93/strata/internal/safetensors"
	"github.com/samcharles93/strata/internal/tensor"
)

// readInto loads a named tensor from an archive into a fresh parameter,
// failing with both shapes when they disagree.
func readInto(f *safetensors.File, name string, want []int) (*tensor.Tensor, error) {
	data, info, err := f.ReadTensorF64(name)
	if err != nil {
		return nil, err
	}
	if !tensor.ShapeEqual(info.Shape, want) {
		return nil, fmt.Errorf("model: parameter %q shape mismatch: file %v, model %v", name, info.Shape, want)
	}
	t := tensor.FromSlice(data, want...)
	t.Trainable = true
	return t, nil
}

// ImportWte replaces the token-embedding table with the archive's "wte"
// tensor and re-establishes output-head tying. freeze excludes the imported
// table from gradient updates.
func (m *Model) ImportWte(path string, freeze bool) error {
	f, err := safetensors.Open(path)
	if err != nil {
		return fmt.Errorf("model: import wte: %w", err)
	}
	defer f.Close()

	imported, err := readInto(f, "wte", m.wtes[0].Shape())
	if err != nil {
		return fmt.Errorf("model: import wte %s: %w", path, err)
	}
	imported.Trainable = !freeze
	m.wtes[0] = imported
	if m.cfg.WteWeightTying {
		m.lmHeads[0] = m.wtes[0]
	}
	m.collectParams()
	m.log.Info("imported token embeddings", "path", path, "frozen", freeze)
	return nil
}

// ExportWte writes the current token-embedding table.
func (m *Model) ExportWte(path string) error {
	w := m.wtes[0]
	err := safetensors.Write(path, []safetensors.Entry{
		{Name: "wte", Shape: w.Shape(), Data: w.Data},
	})
	if err != nil {
		return fmt.Errorf("model: export wte: %w", err)
	}
	m.log.Info("exported token embeddings", "path", path)
	return nil
}

// ImportScaleMatrices replaces the factorization projections from the
// archive's scale_up and scale_down tensors. When the configuration ties
// the matrices, scale_up is loaded and scale_down follows it by transpose,
// restoring the tying relation after the overwrite.
func (m *Model) ImportScaleMatrices(path string, freeze bool) error {
	if m.scaleUp == nil {
		return fmt.Errorf("model: import scale matrices: factorized embeddings not configured")
	}
	f, err := safetensors.Open(path)
	if err != nil {
		return fmt.Errorf("model: import scale matrices: %w", err)
	}
	defer f.Close()

	up, err := readInto(f, "scale_up", m.scaleUp.Shape())
	if err != nil {
		return fmt.Errorf("model: import scale matrices %s: %w", path, err)
	}
	up.Trainable = !freeze
	m.scaleUp = up
	if !m.scaleTied {
		down, err := readInto(f, "scale_down", m.scaleDown.Shape())
		if err != nil {
			return fmt.Errorf("model: import scale matrices %s: %w", path, err)
		}
		down.Trainable = !freeze
		m.scaleDown = down
	}
	m.collectParams()
	m.log.Info("imported scale matrices", "path", path, "frozen", freeze, "tied", m.scaleTied)
	return nil
}

// ExportScaleMatrices writes both factorization projections. With tying on,
// scale_down is materialized as the transpose of scale_up so the archive is
// readable by untied configurations too.
func (m *Model) ExportScaleMatrices(path string) error {
	if m.scaleUp == nil {
		return fmt.Errorf("model: export scale matrices: factorized embeddings not configured")
	}
	down := m.scaleDown
	if m.scaleTied {
		down = transpose2D(m.scaleUp)
	}
	err := safetensors.Write(path, []safetensors.Entry{
		{Name: "scale_up", Shape: m.scaleUp.Shape(), Data: m.scaleUp.Data},
		{Name: "scale_down", Shape: down.Shape(), Data: down.Data},
	})
	if err != nil {
		return fmt.Errorf("model: export scale matrices: %w", err)
	}
	m.log.Info("exported scale matrices", "path", path)
	return nil
}

func transpose2D(t *tensor.Tensor) *tensor.Tensor {
	r, c := t.Dim(0), t.Dim(1)
	out := tensor.New(c, r)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Data[j*r+i] = t.Data[i*c+j]
		}
	}
	return out
}

// SaveWeights writes every unique named parameter to one archive.
func (m *Model) SaveWeights(path string) error {
	entries := make([]safetensors.Entry, 0, len(m.params))
	for _, np := range m.params {
		entries = append(entries, safetensors.Entry{
			Name:  np.Name,
			Shape: np.Tensor.Shape(),
			Data:  np.Tensor.Data,
		})
	}
	if err := safetensors.Write(path, entries); err != nil {
		return fmt.Errorf("model: save weights: %w", err)
	}
	m.log.Info("saved weights", "path", path, "tensors", len(entries))
	return nil
}

// LoadWeights fills the model's parameters from an archive written by
// SaveWeights. Every model parameter must be present with a matching shape;
// values are copied in place so tying and sharing survive the load.
func (m *Model) LoadWeights(path string) error {
	f, err := safetensors.Open(path)
	if err != nil {
		return fmt.Errorf("model: load weights: %w", err)
	}
	defer f.Close()

	for _, np := range m.params {
		data, info, err := f.ReadTensorF64(np.Name)
		if err != nil {
			return fmt.Errorf("model: load weights %s: %w", path, err)
		}
		if !tensor.ShapeEqual(info.Shape, np.Tensor.Shape()) {
			return fmt.Errorf("model: parameter %q shape mismatch: file %v, model %v",
				np.Name, info.Shape, np.Tensor.Shape())
		}
		copy(np.Tensor.Data, data)
	}
	m.log.Info("loaded weights", "path", path, "tensors", len(m.params))
	return nil
}
