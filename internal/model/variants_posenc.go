package model

import "github.com/samcharles93/strata/internal/tensor"

func init() {
	posencRegistry.Register("none", func(*Config) (PositionEncoder, error) {
		return noPosEnc{}, nil
	})
	posencRegistry.Register("rotary", func(cfg *Config) (PositionEncoder, error) {
		headDim := cfg.NEmbd / cfg.NHead
		ropeLen := cfg.RopeLength
		if ropeLen <= 0 || ropeLen > headDim {
			ropeLen = headDim
		}
		return &rotaryPosEnc{theta: cfg.RopeTheta, ropeLen: ropeLen}, nil
	})
}

type noPosEnc struct{}

func (noPosEnc) Apply(_ *tensor.Graph, q, k *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	return q, k
}

type rotaryPosEnc struct {
	theta   float64
	ropeLen int
}

func (r *rotaryPosEnc) Apply(g *tensor.Graph, q, k *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	return g.Rotary(q, r.theta, r.ropeLen), g.Rotary(k, r.theta, r.ropeLen)
}

func (r *rotaryPosEnc) SetRopeLength(n int) { r.ropeLen = n }
