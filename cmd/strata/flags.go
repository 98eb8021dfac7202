package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/model"
)

var (
	modelConfigPath string
	weightsPath     string
	logLevel        string
	logFormat       string
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to model configuration JSON",
			Destination: &modelConfigPath,
		},
		&cli.StringFlag{
			Name:        "weights",
			Aliases:     []string{"w"},
			Usage:       "path to a weights archive written by export",
			Destination: &weightsPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (text, json)",
			Value:       "text",
			Destination: &logFormat,
		},
	}
}

func newLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if logFormat == "json" {
		return logger.JSON(os.Stderr, level)
	}
	return logger.Text(os.Stderr, level)
}

// buildModel assembles the model named by --config and loads --weights when
// given.
func buildModel(log logger.Logger) (*model.Model, error) {
	cfg, err := model.LoadConfig(modelConfigPath)
	if err != nil {
		return nil, err
	}
	m, err := model.New(cfg, log)
	if err != nil {
		return nil, err
	}
	if weightsPath != "" {
		if err := m.LoadWeights(weightsPath); err != nil {
			return nil, err
		}
	}
	return m, nil
}
