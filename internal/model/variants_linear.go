package model

import "github.com/samcharles93/strata/internal/tensor"

func init() {
	linearRegistry.Register("linear", func(in, out int, bias bool) Linear {
		return newDenseLinear(in, out, bias)
	})
	linearRegistry.Register("bitlinear", func(in, out int, bias bool) Linear {
		return &bitLinear{denseLinear: newDenseLinear(in, out, bias)}
	})
}

// denseLinear is the standard projection y = x W^T + b with W stored as
// (out, in).
type denseLinear struct {
	w *tensor.Tensor
	b *tensor.Tensor
}

func newDenseLinear(in, out int, bias bool) *denseLinear {
	l := &denseLinear{w: tensor.Param(out, in)}
	if bias {
		l.b = tensor.Param(out)
	}
	return l
}

func (l *denseLinear) Forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	return g.Linear(x, l.w, l.b)
}

func (l *denseLinear) Weight() *tensor.Tensor { return l.w }

func (l *denseLinear) Params(prefix string, visit paramVisitor) {
	visit(prefix+".weight", l.w)
	if l.b != nil {
		visit(prefix+".bias", l.b)
	}
}

// bitLinear ternary-quantizes its weight on every forward pass. The
// straight-through gradient keeps the latent full-precision weight trainable.
type bitLinear struct {
	*denseLinear
}

func (l *bitLinear) Forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	return g.Linear(x, g.TernaryQuant(l.w), l.b)
}
