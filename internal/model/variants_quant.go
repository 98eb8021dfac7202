package model

import "github.com/samcharles93/strata/internal/tensor"

func init() {
	quantizerRegistry.Register("symmetric", func(g *tensor.Graph, x *tensor.Tensor, bits int) *tensor.Tensor {
		return g.FakeQuantSym(x, bits)
	})
	quantizerRegistry.Register("affine", func(g *tensor.Graph, x *tensor.Tensor, bits int) *tensor.Tensor {
		return g.FakeQuantAffine(x, bits)
	})
}
