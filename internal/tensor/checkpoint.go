package tensor

// Forward is a pure segment of computation suitable for checkpointing: given
// a graph and inputs it produces outputs, touching no other mutable state.
type Forward func(g *Graph, inputs ...*Tensor) []*Tensor

// Checkpoint runs fn without retaining its tape, trading memory for a second
// forward execution during the backward pass. Outputs are numerically
// identical to running fn directly: the graph's RNG state is snapshotted
// before the first run and restored for the recompute, so stochastic ops
// (dropout) replay the same draws.
//
// On a graph without gradient tracking this is just fn(g, inputs...).
func (g *Graph) Checkpoint(fn Forward, inputs ...*Tensor) []*Tensor {
	if !g.needsGrad {
		return fn(g, inputs...)
	}

	state := g.rngState()

	// First pass: compute values with recording disabled. Intermediate
	// activations inside fn become garbage immediately.
	silent := &Graph{training: g.training, src: g.src, rng: g.rng}
	outs := fn(silent, inputs...)

	g.record(func() {
		// Recompute with recording enabled, replaying the original RNG
		// stream, then backpropagate the recomputed segment. Input and
		// parameter tensors are shared with the original run, so their
		// gradients accumulate in place.
		replayGraph := NewGraph(true)
		replayGraph.training = g.training
		replayGraph.restoreRNG(state)
		redone := fn(replayGraph, inputs...)
		for i, out := range redone {
			copy(out.Grad, outs[i].Grad)
		}
		replayGraph.replay()
	})
	return outs
}
