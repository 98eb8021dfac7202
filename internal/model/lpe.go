package model

import (
	"fmt"

	"github.com/samcharles93/strata/internal/tensor"
)

// learnedPosResidual is an auxiliary block stack producing an additive
// residual. It is built from a private copy of the configuration with lpe_*
// overrides applied, so its depth, head count and block wiring can differ
// from the main stack's.
type learnedPosResidual struct {
	blocks  []*Block
	wpe     *tensor.Tensor
	dropout float64
}

func newLearnedPosResidual(base *Config) (*learnedPosResidual, error) {
	cfg := base.lpeConfig()

	buildAttn, err := attentionRegistry.Resolve(cfg.AttentionVariant)
	if err != nil {
		return nil, err
	}
	buildFFN, err := mlpRegistry.Resolve(cfg.MLPVariant)
	if err != nil {
		return nil, err
	}

	l := &learnedPosResidual{dropout: cfg.Dropout}
	for i := 0; i < cfg.NLayer; i++ {
		attn, err := buildAttn(cfg)
		if err != nil {
			return nil, fmt.Errorf("model: lpe layer %d: %w", i, err)
		}
		ffn, err := buildFFN(cfg)
		if err != nil {
			return nil, fmt.Errorf("model: lpe layer %d: %w", i, err)
		}
		blk, err := newBlock(cfg, attn, ffn)
		if err != nil {
			return nil, fmt.Errorf("model: lpe layer %d: %w", i, err)
		}
		l.blocks = append(l.blocks, blk)
	}
	if cfg.UseAbsPosEmbeddings {
		l.wpe = tensor.Param(cfg.BlockSize, cfg.NEmbd)
	}
	return l, nil
}

// Forward computes the residual for the caller to add. The input tensor is
// never mutated; every operation allocates a fresh output.
func (l *learnedPosResidual) Forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	h := x
	if l.wpe != nil {
		h = g.AddRows(h, g.PositionRows(l.wpe, x.Dim(-2)))
	}
	h = g.Dropout(h, l.dropout)
	var carry *tensor.Tensor
	for _, b := range l.blocks {
		h, carry = b.Forward(g, h, carry)
	}
	return h
}

func (l *learnedPosResidual) params(prefix string, visit paramVisitor) {
	if l.wpe != nil {
		visit(prefix+".wpe", l.wpe)
	}
	for i, b := range l.blocks {
		b.params(fmt.Sprintf("%s.h.%d", prefix, i), visit)
	}
}
