package model

import "github.com/samcharles93/strata/internal/tensor"

func init() {
	routerRegistry.Register("topk", func(cfg *Config) (Router, error) {
		gate, err := routerGate(cfg)
		if err != nil {
			return nil, err
		}
		return &topKRouter{gate: gate, k: cfg.MoETopK}, nil
	})
	routerRegistry.Register("noisy_topk", func(cfg *Config) (Router, error) {
		gate, err := routerGate(cfg)
		if err != nil {
			return nil, err
		}
		noise, err := routerGate(cfg)
		if err != nil {
			return nil, err
		}
		return &noisyTopKRouter{
			topKRouter: topKRouter{gate: gate, k: cfg.MoETopK},
			noiseGate:  noise,
		}, nil
	})
}

func routerGate(cfg *Config) (Linear, error) {
	newLinear, err := linearRegistry.Resolve(cfg.LinearVariant)
	if err != nil {
		return nil, err
	}
	return newLinear(cfg.NEmbd, cfg.NExpert, false), nil
}

// topKRouter keeps the k highest gate logits per token and renormalizes.
type topKRouter struct {
	gate Linear
	k    int
}

func (r *topKRouter) Weights(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	return g.Softmax(g.TopKMaskLast(r.gate.Forward(g, x), r.k))
}

func (r *topKRouter) Params(prefix string, visit paramVisitor) {
	r.gate.Params(prefix+".gate", visit)
}

// noisyTopKRouter perturbs gate logits during training with gaussian noise
// scaled by a learned per-expert gate, encouraging balanced expert use.
type noisyTopKRouter struct {
	topKRouter
	noiseGate Linear
}

func (r *noisyTopKRouter) Weights(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	logits := r.gate.Forward(g, x)
	if g.Training() {
		noise := tensor.New(logits.Shape()...)
		rng := g.RNG()
		for i := range noise.Data {
			noise.Data[i] = rng.NormFloat64()
		}
		logits = g.Add(logits, g.Mul(noise, g.Sigmoid(r.noiseGate.Forward(g, x))))
	}
	return g.Softmax(g.TopKMaskLast(logits, r.k))
}

func (r *noisyTopKRouter) Params(prefix string, visit paramVisitor) {
	r.gate.Params(prefix+".gate", visit)
	r.noiseGate.Params(prefix+".noise_gate", visit)
}
