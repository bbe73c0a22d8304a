package main

import (
	"github.com/dronepilot/pilotnet/network"
	"github.com/dronepilot/pilotnet/pidplot"
	"github.com/urfave/cli"
)

var configFlag = cli.StringFlag{
	Name:  "config, c",
	Usage: "YAML settings file (PILOTNET_* environment variables and .env override defaults)",
}

var variantFlag = cli.StringFlag{
	Name:  "variant",
	Usage: "model variant: conv, transfer, transfer-image or transformer",
}

var commands = []cli.Command{
	{
		Name:  "train",
		Usage: "Train a model on HDF5 shards and save its weights",
		Flags: []cli.Flag{
			configFlag,
			variantFlag,
			cli.StringFlag{
				Name:  "model-name",
				Usage: "Name of the saved artifacts (weights_<name>.json, <name>.<format>)",
			},
			cli.StringFlag{
				Name:  "train-dir",
				Usage: "Directory of training shards",
			},
			cli.StringFlag{
				Name:  "val-dir",
				Usage: "Directory of validation shards",
			},
			cli.IntFlag{
				Name:  "epochs",
				Usage: "Maximum number of epochs",
			},
			cli.IntFlag{
				Name:  "batch-size",
				Usage: "Samples per shard",
			},
			cli.StringFlag{
				Name:  "backbone-weights",
				Usage: "Weights file whose backbone/ parameters initialise the feature extractor",
			},
			cli.StringFlag{
				Name:  "optimizer",
				Usage: "adabelief, adam, nadam, sgd, rmsprop, adagrad or adadelta",
			},
			cli.Float64Flag{
				Name:  "lr",
				Usage: "Learning rate",
			},
			cli.StringFlag{
				Name:  "format",
				Usage: "Full model format: json or onnx",
			},
		},
		Action: trainCommand,
	},

	{
		Name:  "summary",
		Usage: "Print the layer summary of a model variant",
		Flags: []cli.Flag{
			configFlag,
			variantFlag,
			cli.BoolFlag{
				Name:  "backbone, b",
				Usage: "Also print the backbone sub-model",
			},
		},
		Action: summaryCommand,
	},

	{
		Name:      "plot-pid",
		Usage:     "Plot two columns of a comma separated PID log",
		ArgsUsage: "<log.txt>",
		Flags: []cli.Flag{
			cli.IntFlag{
				Name:  "a",
				Value: pidplot.DefaultColumnA,
				Usage: "First column to plot",
			},
			cli.IntFlag{
				Name:  "b",
				Value: pidplot.DefaultColumnB,
				Usage: "Second column to plot",
			},
			cli.StringFlag{
				Name:  "out, o",
				Value: "pid.png",
				Usage: "Output PNG",
			},
		},
		Action: plotPIDCommand,
	},

	{
		Name:      "synth",
		Usage:     "Write random shards for smoke-testing a training setup",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			configFlag,
			cli.StringFlag{
				Name:  "mode",
				Value: "train",
				Usage: "Dataset names to write: train or val",
			},
			cli.IntFlag{
				Name:  "shards",
				Value: 4,
				Usage: "Number of shard files",
			},
		},
		Action: synthCommand,
	},
}

// hyperparameters returns the builder settings for an image side length.
func hyperparameters(imageSize int) network.Hyperparameters {
	hp := network.DefaultHyperparameters()
	hp.ImageShape = []int{imageSize, imageSize, hp.ImageShape[2]}
	return hp
}
