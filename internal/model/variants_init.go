package model

import (
	"math"
	"math/rand/v2"

	"github.com/samcharles93/strata/internal/tensor"
)

func init() {
	initRegistry.Register("gaussian", func(rng *rand.Rand, t *tensor.Tensor, mean, std float64) {
		tensor.FillNormal(t, rng, mean, std)
	})
	// Uniform over [mean-std*sqrt(3), mean+std*sqrt(3)], matching the
	// variance of the gaussian variant.
	initRegistry.Register("uniform", func(rng *rand.Rand, t *tensor.Tensor, mean, std float64) {
		half := std * math.Sqrt(3)
		tensor.FillUniform(t, rng, mean-half, mean+half)
	})
	// Xavier derives the scale from fan-in and fan-out, ignoring the
	// configured std.
	initRegistry.Register("xavier", func(rng *rand.Rand, t *tensor.Tensor, mean, _ float64) {
		fanOut := t.Dim(0)
		fanIn := t.Dim(-1)
		tensor.FillNormal(t, rng, mean, math.Sqrt(2/float64(fanIn+fanOut)))
	})
}
