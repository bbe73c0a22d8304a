package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/dronepilot/pilotnet/dataset"
	"github.com/dronepilot/pilotnet/dataset/h5shard"
	"github.com/dronepilot/pilotnet/tensor"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

// synthBatch returns n samples of uniform noise images and metadata with
// labels in [0, 1].
func synthBatch(rng *rand.Rand, n, imageSize int) (*dataset.Batch, error) {
	img, err := tensor.RandomUniform(rng, []int{n, imageSize, imageSize, 3}, 0, 1)
	if err != nil {
		return nil, err
	}
	meta, err := tensor.RandomNormal(rng, []int{n, dataset.MetadataWidth}, 0, 1)
	if err != nil {
		return nil, err
	}
	b := &dataset.Batch{Inputs: []*tensor.Tensor{img, meta}}
	for range dataset.Heads {
		y, err := tensor.RandomUniform(rng, []int{n, 1}, 0, 1)
		if err != nil {
			return nil, err
		}
		b.Targets = append(b.Targets, y)
	}
	return b, nil
}

func synthCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected an output directory")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	var mode dataset.Mode
	switch c.String("mode") {
	case "train":
		mode = dataset.Train
	case "val":
		mode = dataset.Validation
	default:
		return errors.Errorf("unknown mode %q", c.String("mode"))
	}
	shards := c.Int("shards")
	if shards <= 0 {
		return errors.Errorf("shards must be positive, got %d", shards)
	}

	dir := c.Args().First()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	for i := 0; i < shards; i++ {
		b, err := synthBatch(rng, cfg.BatchSize, cfg.ImageSize)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, fmt.Sprintf("shard_%04d.h5", i))
		if err := h5shard.WriteFile(path, mode, b); err != nil {
			return err
		}
	}
	log.Printf("wrote %d %s shards of %d samples to %s", shards, mode, cfg.BatchSize, dir)
	return nil
}
