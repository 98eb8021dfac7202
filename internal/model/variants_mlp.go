package model

import (
	"fmt"

	"github.com/samcharles93/strata/internal/tensor"
)

func init() {
	mlpRegistry.Register("mlp", func(cfg *Config) (FeedForward, error) {
		return newPlainMLP(cfg)
	})
	mlpRegistry.Register("swiglu", func(cfg *Config) (FeedForward, error) {
		newLinear, err := linearRegistry.Resolve(cfg.LinearVariant)
		if err != nil {
			return nil, err
		}
		e := cfg.NEmbd
		hidden := cfg.MLPExpansionFactor * e
		return &swigluMLP{
			gate:    newLinear(e, hidden, cfg.Bias),
			up:      newLinear(e, hidden, cfg.Bias),
			down:    newLinear(hidden, e, cfg.Bias),
			dropout: cfg.Dropout,
		}, nil
	})
	mlpRegistry.Register("moe", newMoE)
}

// plainMLP is the two-projection feed-forward with a configurable
// activation. The carry passes through untouched.
type plainMLP struct {
	up      Linear
	down    Linear
	act     Activation
	dropout float64
}

func newPlainMLP(cfg *Config) (*plainMLP, error) {
	newLinear, err := linearRegistry.Resolve(cfg.LinearVariant)
	if err != nil {
		return nil, err
	}
	act, err := activationRegistry.Resolve(cfg.ActivationVariant)
	if err != nil {
		return nil, err
	}
	e := cfg.NEmbd
	hidden := cfg.MLPExpansionFactor * e
	return &plainMLP{
		up:      newLinear(e, hidden, cfg.Bias),
		down:    newLinear(hidden, e, cfg.Bias),
		act:     act,
		dropout: cfg.Dropout,
	}, nil
}

func (m *plainMLP) Forward(g *tensor.Graph, x, carry *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	h := m.act(g, m.up.Forward(g, x))
	h = m.down.Forward(g, h)
	return g.Dropout(h, m.dropout), carry
}

func (m *plainMLP) Params(prefix string, visit paramVisitor) {
	m.up.Params(prefix+".c_fc", visit)
	m.down.Params(prefix+".c_proj", visit)
}

// swigluMLP gates the up projection with a sigmoid-weighted linear unit.
type swigluMLP struct {
	gate    Linear
	up      Linear
	down    Linear
	dropout float64
}

func (m *swigluMLP) Forward(g *tensor.Graph, x, carry *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	h := g.Mul(g.SiLU(m.gate.Forward(g, x)), m.up.Forward(g, x))
	h = m.down.Forward(g, h)
	return g.Dropout(h, m.dropout), carry
}

func (m *swigluMLP) Params(prefix string, visit paramVisitor) {
	m.gate.Params(prefix+".gate", visit)
	m.up.Params(prefix+".up", visit)
	m.down.Params(prefix+".c_proj", visit)
}

// moeMLP routes tokens across experts and always runs a shared expert. The
// shared expert's output doubles as the carried cross-layer residual: the
// incoming carry is added to this layer's output, and the fresh shared
// output is handed to the next layer.
type moeMLP struct {
	router  Router
	experts []*plainMLP
	shared  *plainMLP
}

func newMoE(cfg *Config) (FeedForward, error) {
	newRouter, err := routerRegistry.Resolve(cfg.RouterVariant)
	if err != nil {
		return nil, err
	}
	router, err := newRouter(cfg)
	if err != nil {
		return nil, err
	}
	experts := make([]*plainMLP, cfg.NExpert)
	for i := range experts {
		if experts[i], err = newPlainMLP(cfg); err != nil {
			return nil, fmt.Errorf("moe expert %d: %w", i, err)
		}
	}
	shared, err := newPlainMLP(cfg)
	if err != nil {
		return nil, fmt.Errorf("moe shared expert: %w", err)
	}
	return &moeMLP{router: router, experts: experts, shared: shared}, nil
}

func (m *moeMLP) Forward(g *tensor.Graph, x, carry *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	w := m.router.Weights(g, x)
	var routed *tensor.Tensor
	for e, expert := range m.experts {
		out, _ := expert.Forward(g, x, nil)
		weighted := g.MulBroadcast(out, g.SliceLast(w, e))
		if routed == nil {
			routed = weighted
		} else {
			routed = g.Add(routed, weighted)
		}
	}
	sharedOut, _ := m.shared.Forward(g, x, nil)
	out := g.Add(routed, sharedOut)
	if carry != nil {
		out = g.Add(out, carry)
	}
	return out, sharedOut
}

func (m *moeMLP) Params(prefix string, visit paramVisitor) {
	m.router.Params(prefix+".router", visit)
	for i, e := range m.experts {
		e.Params(fmt.Sprintf("%s.experts.%d", prefix, i), visit)
	}
	m.shared.Params(prefix+".shared_expert", visit)
}
