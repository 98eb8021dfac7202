package model

import (
	"strings"
	"testing"
)

func TestGreedyGenerationDeterministic(t *testing.T) {
	m, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	opts := GenerateOptions{MaxNewTokens: 5, Temperature: 0.7, TopK: 1, Seed: 0}

	first, err := m.Generate([]int{1, 2}, opts)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if len(first) != 7 {
		t.Fatalf("expected 7 tokens, got %d", len(first))
	}
	opts.Seed = 31337 // greedy decoding must ignore the seed
	second, err := m.Generate([]int{1, 2}, opts)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("greedy runs diverge at step %d: %d vs %d", i, first[i], second[i])
		}
	}
}

func TestGenerationCropsContext(t *testing.T) {
	cfg := testConfig()
	cfg.BlockSize = 4
	m, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	// Prompt longer than the block size: each step must crop instead of fail.
	seq, err := m.Generate([]int{1, 2, 3, 4, 5, 6}, GenerateOptions{MaxNewTokens: 3, TopK: 1})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if len(seq) != 9 {
		t.Fatalf("expected 9 tokens, got %d", len(seq))
	}
}

func TestCropBlockSizePreservesGeneration(t *testing.T) {
	m, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	opts := GenerateOptions{MaxNewTokens: 3, TopK: 1}

	before, err := m.Generate([]int{1, 2, 3}, opts)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if err := m.CropBlockSize(6); err != nil {
		t.Fatalf("CropBlockSize returned error: %v", err)
	}
	after, err := m.Generate([]int{1, 2, 3}, opts)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("length changed after crop: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("generation diverges at step %d after crop: %d vs %d", i, before[i], after[i])
		}
	}
}

func TestStopStringTerminatesExactly(t *testing.T) {
	m, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	letters := []string{"S", "T", "O", "P"}
	calls := 0
	decode := func(int) string {
		s := letters[calls%len(letters)]
		calls++
		return s
	}

	seq, text, err := m.GenerateWithStop([]int{1, 2}, GenerateOptions{MaxNewTokens: 10, TopK: 1},
		decode, []string{"STOP"})
	if err != nil {
		t.Fatalf("GenerateWithStop returned error: %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected termination at the 4th new token, decoded %d", calls)
	}
	if len(seq) != 6 {
		t.Fatalf("expected 2 prompt + 4 generated tokens, got %d", len(seq))
	}
	if !strings.HasSuffix(text, "STOP") {
		t.Fatalf("generated text %q does not end in STOP", text)
	}
}

func TestStopStringAbsentRunsToLimit(t *testing.T) {
	m, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	decode := func(int) string { return "x" }
	seq, text, err := m.GenerateWithStop([]int{3}, GenerateOptions{MaxNewTokens: 5, TopK: 1},
		decode, []string{"STOP"})
	if err != nil {
		t.Fatalf("GenerateWithStop returned error: %v", err)
	}
	if len(seq) != 6 || text != "xxxxx" {
		t.Fatalf("expected full run, got %d tokens text %q", len(seq), text)
	}
}

func TestSampledGenerationReproducible(t *testing.T) {
	m, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	opts := GenerateOptions{MaxNewTokens: 6, Temperature: 1.2, TopK: 5, Seed: 42}
	a, err := m.Generate([]int{1}, opts)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	b, err := m.Generate([]int{1}, opts)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same-seed sampling diverges at step %d", i)
		}
	}
}
