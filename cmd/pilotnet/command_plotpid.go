package main

import (
	"log"

	"github.com/dronepilot/pilotnet/pidplot"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

func plotPIDCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one log file")
	}
	columns, err := pidplot.ReadColumns(c.Args().First())
	if err != nil {
		return err
	}
	out := c.String("out")
	if err := pidplot.Plot(columns, c.Int("a"), c.Int("b"), out); err != nil {
		return err
	}
	log.Printf("wrote %s", out)
	return nil
}
