package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func exportCmd() *cli.Command {
	var (
		outPath string
		wteOnly bool
		scales  bool
	)

	return &cli.Command{
		Name:  "export",
		Usage: "Export model weights to a tensor archive",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output archive path",
				Destination: &outPath,
			},
			&cli.BoolFlag{
				Name:        "wte",
				Usage:       "export only the token embedding table",
				Destination: &wteOnly,
			},
			&cli.BoolFlag{
				Name:        "scale-matrices",
				Usage:       "export only the factorization scale matrices",
				Destination: &scales,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			if outPath == "" {
				return fmt.Errorf("export needs --out")
			}
			log := newLogger()
			m, err := buildModel(log)
			if err != nil {
				return err
			}
			switch {
			case wteOnly:
				return m.ExportWte(outPath)
			case scales:
				return m.ExportScaleMatrices(outPath)
			default:
				return m.SaveWeights(outPath)
			}
		},
	}
}
