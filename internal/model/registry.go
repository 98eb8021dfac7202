// Package model assembles configurable decoder-only transformer models: it
// resolves named variants for every architectural capability, wires shared
// parameter groups, and runs the block stack with its injection points.
package model

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/samcharles93/strata/internal/tensor"
)

// ErrUnknownVariant is returned when a configuration names a variant that no
// registry entry provides.
var ErrUnknownVariant = errors.New("unknown variant")

// paramVisitor receives every named parameter of a module. Shared instances
// are visited once per holder; callers dedupe by tensor pointer.
type paramVisitor func(name string, p *tensor.Tensor)

// Attention transforms a (batch, time, width) activation.
type Attention interface {
	Forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor
	Params(prefix string, visit paramVisitor)
}

// FeedForward transforms a (batch, time, width) activation with an optional
// carried cross-layer residual. Variants that do not use the carry return it
// unchanged.
type FeedForward interface {
	Forward(g *tensor.Graph, x, carry *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor)
	Params(prefix string, visit paramVisitor)
}

// Norm normalizes over the trailing width dimension.
type Norm interface {
	Forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor
	Params(prefix string, visit paramVisitor)
}

// Linear is a learned projection over the trailing dimension.
type Linear interface {
	Forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor
	Weight() *tensor.Tensor
	Params(prefix string, visit paramVisitor)
}

// Router produces per-token expert mixing weights of shape
// (batch, time, n_expert) summing to one over the last dimension.
type Router interface {
	Weights(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor
	Params(prefix string, visit paramVisitor)
}

// PositionEncoder adjusts per-head query and key tensors, shape
// (batch, head, time, head_dim). The none variant returns them unchanged.
type PositionEncoder interface {
	Apply(g *tensor.Graph, q, k *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor)
}

// RopeLengthSetter is the optional capability of position encoders whose
// rotated span can be adjusted after construction.
type RopeLengthSetter interface {
	SetRopeLength(n int)
}

// Activation is an elementwise nonlinearity.
type Activation func(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor

// Initializer fills a parameter tensor in place.
type Initializer func(rng *rand.Rand, t *tensor.Tensor, mean, std float64)

// Quantizer fake-quantizes a tensor with a straight-through gradient.
type Quantizer func(g *tensor.Graph, x *tensor.Tensor, bits int) *tensor.Tensor

// ProbsFunc converts a logits row to a probability distribution.
type ProbsFunc func([]float64) []float64

// Factory signatures per capability axis. Factories that can fail validate
// their slice of the configuration and return a wrapped error.
type (
	AttentionFactory   func(cfg *Config) (Attention, error)
	FeedForwardFactory func(cfg *Config) (FeedForward, error)
	NormFactory        func(width int, bias bool) Norm
	LinearFactory      func(in, out int, bias bool) Linear
	RouterFactory      func(cfg *Config) (Router, error)
	PosEncFactory      func(cfg *Config) (PositionEncoder, error)
)

// Registry maps variant names to constructors for one capability axis.
// Entries are registered from package init functions; lookups after that are
// read-only.
type Registry[T any] struct {
	axis    string
	entries map[string]T
}

func NewRegistry[T any](axis string) *Registry[T] {
	return &Registry[T]{axis: axis, entries: make(map[string]T)}
}

// Register adds a named constructor. Duplicate names are a programming
// error and panic at init time.
func (r *Registry[T]) Register(name string, v T) {
	if _, dup := r.entries[name]; dup {
		panic(fmt.Sprintf("model: duplicate %s variant %q", r.axis, name))
	}
	r.entries[name] = v
}

// Resolve looks up a variant by name.
func (r *Registry[T]) Resolve(name string) (T, error) {
	v, ok := r.entries[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s variant %q (known: %v)", ErrUnknownVariant, r.axis, name, r.Names())
	}
	return v, nil
}

// Names lists registered variants in sorted order.
func (r *Registry[T]) Names() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var (
	attentionRegistry  = NewRegistry[AttentionFactory]("attention")
	mlpRegistry        = NewRegistry[FeedForwardFactory]("mlp")
	normRegistry       = NewRegistry[NormFactory]("norm")
	softmaxRegistry    = NewRegistry[ProbsFunc]("output softmax")
	activationRegistry = NewRegistry[Activation]("activation")
	linearRegistry     = NewRegistry[LinearFactory]("linear")
	routerRegistry     = NewRegistry[RouterFactory]("router")
	posencRegistry     = NewRegistry[PosEncFactory]("position encoding")
	initRegistry       = NewRegistry[Initializer]("initializer")
	quantizerRegistry  = NewRegistry[Quantizer]("quantizer")
)
