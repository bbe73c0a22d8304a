package main

import (
	"fmt"
	"os"

	"github.com/dronepilot/pilotnet/network"
	"github.com/dronepilot/pilotnet/training"
	"github.com/urfave/cli"
)

func summaryCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	build, err := network.Lookup(cfg.Variant)
	if err != nil {
		return err
	}
	spec, backbone, err := build(hyperparameters(cfg.ImageSize))
	if err != nil {
		return err
	}
	out := c.App.Writer
	if out == nil {
		out = os.Stdout
	}
	training.PrintArchitecture(out, spec)

	if !c.Bool("backbone") {
		return nil
	}
	if backbone == nil {
		fmt.Fprintf(out, "%s has no backbone\n", spec.Name)
		return nil
	}
	sub, err := backbone.Model(spec)
	if err != nil {
		return err
	}
	training.PrintArchitecture(out, sub)
	return nil
}
