package model

import "github.com/samcharles93/strata/internal/tensor"

// Block is one transformer layer. The normalization sub-modules are owned;
// attention and feed-forward may be shared with other layers. Three
// independent axes govern the forward pass: pre-norm vs post-norm ordering,
// sequential vs parallel feed-forward, and direct vs checkpointed execution.
type Block struct {
	ln1  Norm
	ln2  Norm
	attn Attention
	ffn  FeedForward

	postLN     bool
	parallel   bool
	checkpoint bool
}

func newBlock(cfg *Config, attn Attention, ffn FeedForward) (*Block, error) {
	newNorm, err := normRegistry.Resolve(cfg.NormVariantAttn)
	if err != nil {
		return nil, err
	}
	b := &Block{
		ln1:        newNorm(cfg.NEmbd, cfg.Bias),
		attn:       attn,
		ffn:        ffn,
		postLN:     cfg.UsePostLN,
		parallel:   cfg.UseParallelMLP,
		checkpoint: cfg.UseGradientCheckpointing,
	}
	// Parallel ordering shares one norm; sequential needs a second.
	if !cfg.UseParallelMLP {
		b.ln2 = newNorm(cfg.NEmbd, cfg.Bias)
	}
	return b, nil
}

// Forward applies the block. carry is the optional cross-layer residual
// produced and consumed by feed-forward variants that use it; nil otherwise.
func (b *Block) Forward(g *tensor.Graph, x, carry *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	if !b.checkpoint || !g.NeedsGrad() {
		return b.forward(g, x, carry)
	}
	inputs := []*tensor.Tensor{x}
	if carry != nil {
		inputs = append(inputs, carry)
	}
	outs := g.Checkpoint(func(g *tensor.Graph, in ...*tensor.Tensor) []*tensor.Tensor {
		var c *tensor.Tensor
		if len(in) == 2 {
			c = in[1]
		}
		y, c2 := b.forward(g, in[0], c)
		if c2 == nil {
			return []*tensor.Tensor{y}
		}
		return []*tensor.Tensor{y, c2}
	}, inputs...)
	if len(outs) == 2 {
		return outs[0], outs[1]
	}
	return outs[0], nil
}

func (b *Block) forward(g *tensor.Graph, x, carry *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	if b.postLN {
		if b.parallel {
			a := b.attn.Forward(g, x)
			m, carry2 := b.ffn.Forward(g, x, carry)
			return b.ln1.Forward(g, g.Add(g.Add(x, a), m)), carry2
		}
		x = b.ln1.Forward(g, g.Add(x, b.attn.Forward(g, x)))
		m, carry2 := b.ffn.Forward(g, x, carry)
		return b.ln2.Forward(g, g.Add(x, m)), carry2
	}
	if b.parallel {
		h := b.ln1.Forward(g, x)
		a := b.attn.Forward(g, h)
		m, carry2 := b.ffn.Forward(g, h, carry)
		return g.Add(g.Add(x, a), m), carry2
	}
	x = g.Add(x, b.attn.Forward(g, b.ln1.Forward(g, x)))
	m, carry2 := b.ffn.Forward(g, b.ln2.Forward(g, x), carry)
	return g.Add(x, m), carry2
}

func (b *Block) params(prefix string, visit paramVisitor) {
	b.ln1.Params(prefix+".ln_1", visit)
	if b.ln2 != nil {
		b.ln2.Params(prefix+".ln_2", visit)
	}
	b.attn.Params(prefix+".attn", visit)
	b.ffn.Params(prefix+".mlp", visit)
}
