package logits

import (
	"math"
	"testing"
)

func TestGreedyDeterministic(t *testing.T) {
	in := []float64{0.1, 2.5, -1.0, 2.4}
	for seed := uint64(0); seed < 5; seed++ {
		s := NewSampler(SamplerConfig{Seed: seed, Temperature: 0.8, TopK: 1})
		for i := 0; i < 10; i++ {
			if got := s.Sample(in, nil); got != 1 {
				t.Fatalf("seed %d draw %d: got %d, want 1", seed, i, got)
			}
		}
	}
}

func TestTopKMasksTail(t *testing.T) {
	in := []float64{10, 9, -50, -50, -50}
	s := NewSampler(SamplerConfig{Seed: 42, Temperature: 1, TopK: 2})
	for i := 0; i < 100; i++ {
		got := s.Sample(in, nil)
		if got != 0 && got != 1 {
			t.Fatalf("draw %d: index %d outside top-k set", i, got)
		}
	}
}

func TestSameSeedSameSequence(t *testing.T) {
	in := []float64{1, 1.1, 0.9, 1.05}
	a := NewSampler(SamplerConfig{Seed: 7, Temperature: 1})
	b := NewSampler(SamplerConfig{Seed: 7, Temperature: 1})
	for i := 0; i < 50; i++ {
		if x, y := a.Sample(in, nil), b.Sample(in, nil); x != y {
			t.Fatalf("draw %d: %d != %d", i, x, y)
		}
	}
}

func TestSoftmaxNormalized(t *testing.T) {
	p := Softmax([]float64{3, 1, 0.2})
	sum := 0.0
	for _, v := range p {
		sum += v
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Fatalf("sum = %v", sum)
	}
	if !(p[0] > p[1] && p[1] > p[2]) {
		t.Fatalf("ordering not preserved: %v", p)
	}
}

func TestCustomProbsFunc(t *testing.T) {
	s := NewSampler(SamplerConfig{Seed: 1, Temperature: 1})
	uniformOverFinite := func(in []float64) []float64 {
		out := make([]float64, len(in))
		n := 0
		for _, v := range in {
			if !math.IsInf(v, -1) {
				n++
			}
		}
		for i, v := range in {
			if !math.IsInf(v, -1) {
				out[i] = 1 / float64(n)
			}
		}
		return out
	}
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		seen[s.Sample([]float64{0, 0, 0}, uniformOverFinite)] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected all three indices drawn, got %v", seen)
	}
}
