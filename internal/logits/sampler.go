// Package logits implements the token selection step of autoregressive
// decoding: temperature scaling, top-k filtering and drawing from the
// resulting distribution.
package logits

import (
	"math"
	"math/rand/v2"
)

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	Seed        uint64
	Temperature float64
	TopK        int
}

type Sampler struct {
	rng *rand.Rand
	cfg SamplerConfig
}

// NewSampler returns a sampler with the provided configuration. A
// non-positive temperature is treated as 1. TopK <= 0 disables filtering;
// TopK == 1 makes sampling deterministic (argmax).
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	return &Sampler{
		rng: rand.New(rand.NewPCG(cfg.Seed, 0x9e3779b97f4a7c15)),
		cfg: cfg,
	}
}

// Sample draws one index from the logits vector. The steps are:
//
//  1. Scale logits by the inverse temperature.
//  2. If TopK is set, mask everything but the k highest logits to -Inf.
//     TopK == 1 short-circuits to the argmax.
//  3. Convert to a probability distribution with probs (Softmax when nil).
//  4. Draw an index from the distribution.
func (s *Sampler) Sample(in []float64, probs func([]float64) []float64) int {
	scaled := make([]float64, len(in))
	for i, v := range in {
		scaled[i] = v / s.cfg.Temperature
	}

	if s.cfg.TopK == 1 {
		return argmax(scaled)
	}
	if k := s.cfg.TopK; k > 0 && k < len(scaled) {
		threshold := kthLargest(scaled, k)
		for i, v := range scaled {
			if v < threshold {
				scaled[i] = math.Inf(-1)
			}
		}
	}

	if probs == nil {
		probs = Softmax
	}
	dist := probs(scaled)

	r := s.rng.Float64()
	cum := 0.0
	for i, p := range dist {
		cum += p
		if r < cum {
			return i
		}
	}
	return len(dist) - 1
}

// Softmax converts logits to a normalized probability distribution.
func Softmax(in []float64) []float64 {
	out := make([]float64, len(in))
	maxv := math.Inf(-1)
	for _, v := range in {
		if v > maxv {
			maxv = v
		}
	}
	sum := 0.0
	for i, v := range in {
		e := math.Exp(v - maxv)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func argmax(in []float64) int {
	best, bestVal := 0, math.Inf(-1)
	for i, v := range in {
		if v > bestVal {
			best, bestVal = i, v
		}
	}
	return best
}

// kthLargest returns the k-th largest value (1-based) by selection over a
// copy. Vocabulary-sized inputs with small k make the simple approach fine.
func kthLargest(in []float64, k int) float64 {
	vals := append([]float64(nil), in...)
	for i := 0; i < k; i++ {
		maxIdx := i
		for j := i + 1; j < len(vals); j++ {
			if vals[j] > vals[maxIdx] {
				maxIdx = j
			}
		}
		vals[i], vals[maxIdx] = vals[maxIdx], vals[i]
	}
	return vals[k-1]
}
