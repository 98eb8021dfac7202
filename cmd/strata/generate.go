package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/model"
)

func generateCmd() *cli.Command {
	var (
		prompt string
		steps  int64
		temp   float64
		topK   int64
		seed   int64
	)

	return &cli.Command{
		Name:  "generate",
		Usage: "Generate tokens from a prompt",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "comma-separated prompt token ids",
				Destination: &prompt,
			},
			&cli.Int64Flag{
				Name:        "steps",
				Aliases:     []string{"n"},
				Usage:       "number of tokens to generate",
				Value:       32,
				Destination: &steps,
			},
			&cli.Float64Flag{
				Name:        "temperature",
				Aliases:     []string{"t"},
				Usage:       "sampling temperature",
				Value:       1.0,
				Destination: &temp,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Usage:       "top-k filtering, 1 for greedy, 0 to disable",
				Destination: &topK,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling seed",
				Destination: &seed,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyGenerateConfig(cmd, LoadConfig(), &temp, &topK, &steps, &seed)
			log := newLogger()

			tokens, err := parsePrompt(prompt)
			if err != nil {
				return err
			}
			m, err := buildModel(log)
			if err != nil {
				return err
			}
			out, err := m.Generate(tokens, model.GenerateOptions{
				MaxNewTokens: int(steps),
				Temperature:  temp,
				TopK:         int(topK),
				Seed:         uint64(seed),
			})
			if err != nil {
				return err
			}
			strs := make([]string, len(out))
			for i, tok := range out {
				strs[i] = strconv.Itoa(tok)
			}
			fmt.Println(strings.Join(strs, " "))
			return nil
		},
	}
}

func parsePrompt(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("prompt is required (comma-separated token ids)")
	}
	parts := strings.Split(s, ",")
	tokens := make([]int, 0, len(parts))
	for _, p := range parts {
		tok, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid prompt token %q: %w", p, err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}
