package model

import (
	"strings"

	"github.com/samcharles93/strata/internal/logits"
	"github.com/samcharles93/strata/internal/tensor"
)

// GenerateOptions controls autoregressive decoding.
type GenerateOptions struct {
	MaxNewTokens int
	Temperature  float64
	TopK         int // 0 disables filtering, 1 is greedy
	Seed         uint64
}

// Generate extends the prompt autoregressively. Each step crops the context
// to the most recent block_size tokens, runs an inference pass, and samples
// from the final-position logits through the configured output softmax.
func (m *Model) Generate(prompt []int, opts GenerateOptions) ([]int, error) {
	sampler := logits.NewSampler(logits.SamplerConfig{
		Seed:        opts.Seed,
		Temperature: opts.Temperature,
		TopK:        opts.TopK,
	})
	seq := append([]int(nil), prompt...)
	for i := 0; i < opts.MaxNewTokens; i++ {
		tok, err := m.nextToken(seq, sampler)
		if err != nil {
			return nil, err
		}
		seq = append(seq, tok)
	}
	return seq, nil
}

// GenerateWithStop decodes each sampled token to text and stops early once
// the accumulated text ends with any stop string. The comparison is an
// exact, case-sensitive suffix match, checked after every token.
func (m *Model) GenerateWithStop(prompt []int, opts GenerateOptions, decode func(int) string, stops []string) ([]int, string, error) {
	sampler := logits.NewSampler(logits.SamplerConfig{
		Seed:        opts.Seed,
		Temperature: opts.Temperature,
		TopK:        opts.TopK,
	})
	seq := append([]int(nil), prompt...)
	var text strings.Builder
	for i := 0; i < opts.MaxNewTokens; i++ {
		tok, err := m.nextToken(seq, sampler)
		if err != nil {
			return nil, "", err
		}
		seq = append(seq, tok)
		text.WriteString(decode(tok))
		for _, stop := range stops {
			if stop != "" && strings.HasSuffix(text.String(), stop) {
				return seq, text.String(), nil
			}
		}
	}
	return seq, text.String(), nil
}

func (m *Model) nextToken(seq []int, sampler *logits.Sampler) (int, error) {
	window := seq
	if len(window) > m.cfg.BlockSize {
		window = window[len(window)-m.cfg.BlockSize:]
	}
	g := tensor.NewGraph(false)
	out, _, err := m.Forward(g, [][]int{window}, nil)
	if err != nil {
		return 0, err
	}
	row := out.Data[:out.Dim(-1)]
	return sampler.Sample(row, m.outProbs), nil
}
