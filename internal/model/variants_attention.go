package model

import (
	"math"

	"github.com/samcharles93/strata/internal/tensor"
)

func init() {
	attentionRegistry.Register("causal", func(cfg *Config) (Attention, error) {
		return newScaledDotAttention(cfg, 0)
	})
	attentionRegistry.Register("windowed", func(cfg *Config) (Attention, error) {
		return newScaledDotAttention(cfg, cfg.WindowSize)
	})
}

// scaledDotAttention is multi-head causal attention. A positive window
// restricts each position to the most recent window keys. When nKVHead is
// smaller than nHead, each key/value head serves nHead/nKVHead query heads.
type scaledDotAttention struct {
	q, k, v Linear
	proj    Linear
	posenc  PositionEncoder
	nHead   int
	nKVHead int
	window  int
	dropout float64
}

func newScaledDotAttention(cfg *Config, window int) (Attention, error) {
	newLinear, err := linearRegistry.Resolve(cfg.LinearVariant)
	if err != nil {
		return nil, err
	}
	newPosEnc, err := posencRegistry.Resolve(cfg.PosEncVariant)
	if err != nil {
		return nil, err
	}
	posenc, err := newPosEnc(cfg)
	if err != nil {
		return nil, err
	}
	e := cfg.NEmbd
	nKV := cfg.NHead
	if cfg.NQKGroups > 0 {
		nKV = cfg.NQKGroups
	}
	kvWidth := nKV * (e / cfg.NHead)
	return &scaledDotAttention{
		q:       newLinear(e, e, cfg.Bias),
		k:       newLinear(e, kvWidth, cfg.Bias),
		v:       newLinear(e, kvWidth, cfg.Bias),
		proj:    newLinear(e, e, cfg.Bias),
		posenc:  posenc,
		nHead:   cfg.NHead,
		nKVHead: nKV,
		window:  window,
		dropout: cfg.Dropout,
	}, nil
}

func (a *scaledDotAttention) Forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	q := g.SplitHeads(a.q.Forward(g, x), a.nHead)
	k := g.SplitHeads(a.k.Forward(g, x), a.nKVHead)
	v := g.SplitHeads(a.v.Forward(g, x), a.nKVHead)
	q, k = a.posenc.Apply(g, q, k)
	if a.nKVHead < a.nHead {
		repeat := a.nHead / a.nKVHead
		k = g.RepeatHeads(k, repeat)
		v = g.RepeatHeads(v, repeat)
	}

	headDim := q.Dim(-1)
	att := g.Scale(g.MatMul(q, g.TransposeLast2(k)), 1/math.Sqrt(float64(headDim)))
	att = g.CausalMask(att, a.window)
	att = g.Softmax(att)
	att = g.Dropout(att, a.dropout)

	y := g.MergeHeads(g.MatMul(att, v))
	y = a.proj.Forward(g, y)
	return g.Dropout(y, a.dropout)
}

// SetRopeLength forwards to the position encoder when its rotated span is
// adjustable; encoders without the capability ignore the call.
func (a *scaledDotAttention) SetRopeLength(n int) {
	if s, ok := a.posenc.(RopeLengthSetter); ok {
		s.SetRopeLength(n)
	}
}

func (a *scaledDotAttention) Params(prefix string, visit paramVisitor) {
	a.q.Params(prefix+".q", visit)
	a.k.Params(prefix+".k", visit)
	a.v.Params(prefix+".v", visit)
	a.proj.Params(prefix+".c_proj", visit)
}
