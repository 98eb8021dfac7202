package model

import (
	"math"

	"github.com/samcharles93/strata/internal/logits"
)

// Output softmax variants convert a final logits row to a probability
// distribution at sampling time. They must tolerate -Inf entries left by
// top-k masking.
func init() {
	softmaxRegistry.Register("softmax", ProbsFunc(logits.Softmax))
	softmaxRegistry.Register("softermax", softermax)
	softmaxRegistry.Register("relumax", relumax)
}

// softermax replaces the exponential with max(0, 1+x-max), a cheaper
// saturating numerator with the same shift invariance.
func softermax(in []float64) []float64 {
	out := make([]float64, len(in))
	maxv := math.Inf(-1)
	for _, v := range in {
		if v > maxv {
			maxv = v
		}
	}
	sum := 0.0
	for i, v := range in {
		if u := 1 + v - maxv; u > 0 {
			out[i] = u
			sum += u
		}
	}
	normalizeOrArgmax(out, sum, in)
	return out
}

// relumax normalizes the positive logits directly.
func relumax(in []float64) []float64 {
	out := make([]float64, len(in))
	sum := 0.0
	for i, v := range in {
		if v > 0 {
			out[i] = v
			sum += v
		}
	}
	normalizeOrArgmax(out, sum, in)
	return out
}

// normalizeOrArgmax divides out by sum, or falls back to a one-hot on the
// largest logit when every numerator vanished.
func normalizeOrArgmax(out []float64, sum float64, in []float64) {
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
		return
	}
	best := 0
	for i, v := range in {
		if v > in[best] {
			best = i
		}
	}
	out[best] = 1
}
