package tensor

import (
	"fmt"
	"math/rand/v2"
)

// Graph records the backward closures for one forward pass. A graph built
// with needsGrad=false skips all recording and behaves as a plain compute
// context. The graph owns the RNG used by stochastic ops (dropout) so its
// state can be snapshotted and restored for recompute-on-demand segments.
type Graph struct {
	needsGrad bool
	training  bool
	tape      []func()
	src       *rand.PCG
	rng       *rand.Rand
}

// NewGraph returns a graph. needsGrad enables tape recording.
func NewGraph(needsGrad bool) *Graph {
	g := &Graph{needsGrad: needsGrad}
	g.Seed(0x5742a7a, 0x2026)
	return g
}

// Seed reseeds the graph's RNG.
func (g *Graph) Seed(a, b uint64) {
	g.src = rand.NewPCG(a, b)
	g.rng = rand.New(g.src)
}

// SetTraining toggles training mode (enables dropout).
func (g *Graph) SetTraining(on bool) { g.training = on }

// Training reports whether training mode is active.
func (g *Graph) Training() bool { return g.training }

// NeedsGrad reports whether the graph records backward closures.
func (g *Graph) NeedsGrad() bool { return g.needsGrad }

// RNG exposes the graph-owned random source for samplers.
func (g *Graph) RNG() *rand.Rand { return g.rng }

func (g *Graph) record(f func()) {
	if g.needsGrad {
		g.tape = append(g.tape, f)
	}
}

// Backward seeds the gradient of a scalar loss with 1 and replays the tape
// in reverse, accumulating gradients into every tensor that participated.
func (g *Graph) Backward(loss *Tensor) {
	if !g.needsGrad {
		panic("tensor: Backward on a graph built without gradient tracking")
	}
	if loss.Numel() != 1 {
		panic(fmt.Sprintf("tensor: Backward requires a scalar loss, got shape %v", loss.Shape()))
	}
	loss.Grad[0] = 1
	g.replay()
}

func (g *Graph) replay() {
	for i := len(g.tape) - 1; i >= 0; i-- {
		g.tape[i]()
	}
	g.tape = g.tape[:0]
}

func (g *Graph) rngState() []byte {
	state, err := g.src.MarshalBinary()
	if err != nil {
		panic("tensor: snapshot rng state: " + err.Error())
	}
	return state
}

func (g *Graph) restoreRNG(state []byte) {
	src := &rand.PCG{}
	if err := src.UnmarshalBinary(state); err != nil {
		panic("tensor: restore rng state: " + err.Error())
	}
	g.src = src
	g.rng = rand.New(src)
}
