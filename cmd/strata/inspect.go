package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var archivePath string

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a weights archive or a model configuration",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "archive",
				Aliases:     []string{"a"},
				Usage:       "path to a tensor archive to list",
				Destination: &archivePath,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if archivePath != "" {
				return inspectArchive(archivePath)
			}
			if modelConfigPath != "" {
				return inspectConfig()
			}
			return fmt.Errorf("inspect needs --archive or --config")
		},
	}
}

func inspectArchive(path string) error {
	f, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, name := range f.Names() {
		info, _ := f.Tensor(name)
		fmt.Printf("%-48s %-6s %v\n", name, info.DType, info.Shape)
	}
	return nil
}

func inspectConfig() error {
	cfg, err := model.LoadConfig(modelConfigPath)
	if err != nil {
		return err
	}
	m, err := model.New(cfg, newLogger())
	if err != nil {
		return err
	}
	fmt.Printf("layers:        %d\n", cfg.NLayer)
	fmt.Printf("heads:         %d\n", cfg.NHead)
	fmt.Printf("width:         %d\n", cfg.NEmbd)
	fmt.Printf("block size:    %d\n", cfg.BlockSize)
	fmt.Printf("attention:     %s\n", cfg.AttentionVariant)
	fmt.Printf("mlp:           %s\n", cfg.MLPVariant)
	fmt.Printf("parameters:    %d\n", m.NumParams(false))
	fmt.Printf("non-embedding: %d\n", m.NumParams(true))
	return nil
}
