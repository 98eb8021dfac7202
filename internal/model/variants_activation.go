package model

import "github.com/samcharles93/strata/internal/tensor"

func init() {
	activationRegistry.Register("gelu", func(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
		return g.GELU(x)
	})
	activationRegistry.Register("relu", func(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
		return g.ReLU(x)
	})
	activationRegistry.Register("silu", func(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
		return g.SiLU(x)
	})
	activationRegistry.Register("squared_relu", func(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
		return g.SquaredReLU(x)
	})
}
