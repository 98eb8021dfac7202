package model

import "github.com/samcharles93/strata/internal/tensor"

const normEps = 1e-5

func init() {
	normRegistry.Register("layernorm", func(width int, bias bool) Norm {
		n := &layerNorm{gain: onesParam(width)}
		if bias {
			n.bias = tensor.Param(width)
		}
		return n
	})
	normRegistry.Register("rmsnorm", func(width int, _ bool) Norm {
		return &rmsNorm{gain: onesParam(width)}
	})
}

func onesParam(width int) *tensor.Tensor {
	p := tensor.Param(width)
	for i := range p.Data {
		p.Data[i] = 1
	}
	return p
}

type layerNorm struct {
	gain *tensor.Tensor
	bias *tensor.Tensor
}

func (n *layerNorm) Forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	return g.LayerNorm(x, n.gain, n.bias, normEps)
}

func (n *layerNorm) Params(prefix string, visit paramVisitor) {
	visit(prefix+".gain", n.gain)
	if n.bias != nil {
		visit(prefix+".bias", n.bias)
	}
}

type rmsNorm struct {
	gain *tensor.Tensor
}

func (n *rmsNorm) Forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	return g.RMSNorm(x, n.gain, normEps)
}

func (n *rmsNorm) Params(prefix string, visit paramVisitor) {
	visit(prefix+".gain", n.gain)
}
