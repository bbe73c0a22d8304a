package dataset

import (
	"os"
	"path/filepath"

	"github.com/dronepilot/pilotnet/tensor"
	"github.com/pkg/errors"
)

// Shard is an open shard file.
type Shard interface {
	// Read returns the named array as float32.
	Read(name string) (*tensor.Tensor, error)
	Close() error
}

// ShardReader opens shard files.
type ShardReader interface {
	Open(path string) (Shard, error)
}

// ListShards returns the regular files in dir in directory-listing order.
func ListShards(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing shards in %s", dir)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// ShardGenerator serves one shard per batch index. Shards are opened, read
// and closed on every call; nothing is cached or shuffled.
type ShardGenerator struct {
	reader      ShardReader
	mode        Mode
	files       []string
	sampleCount int
	batchSize   int
}

// NewShardGenerator builds a generator over files. sampleCount and
// batchSize only determine Len.
func NewShardGenerator(reader ShardReader, files []string, mode Mode, sampleCount, batchSize int) (*ShardGenerator, error) {
	if reader == nil {
		return nil, errors.New("nil shard reader")
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if sampleCount < 0 {
		return nil, errors.Errorf("sample count must be non-negative, got %d", sampleCount)
	}
	return &ShardGenerator{
		reader:      reader,
		mode:        mode,
		files:       files,
		sampleCount: sampleCount,
		batchSize:   batchSize,
	}, nil
}

// NewDirGenerator lists dir and builds a generator over its shards.
func NewDirGenerator(reader ShardReader, dir string, mode Mode, sampleCount, batchSize int) (*ShardGenerator, error) {
	files, err := ListShards(dir)
	if err != nil {
		return nil, err
	}
	return NewShardGenerator(reader, files, mode, sampleCount, batchSize)
}

// Len reports ceil(sampleCount / batchSize). It is derived from the sample
// count, not from the shard list, so it can exceed NumShards.
func (g *ShardGenerator) Len() int {
	return (g.sampleCount + g.batchSize - 1) / g.batchSize
}

// NumShards returns the number of shard files behind the generator.
func (g *ShardGenerator) NumShards() int {
	return len(g.files)
}

// Mode returns the dataset names selector.
func (g *ShardGenerator) Mode() Mode {
	return g.mode
}

// Batch loads shard index.
func (g *ShardGenerator) Batch(index int) (*Batch, error) {
	if index < 0 || index >= len(g.files) {
		return nil, errors.Wrapf(ErrIndexOutOfRange, "index %d with %d shards", index, len(g.files))
	}
	path := g.files[index]

	shard, err := g.reader.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening shard %s", path)
	}
	defer shard.Close()

	names := g.mode.DatasetNames()
	arrays := make([]*tensor.Tensor, len(names))
	for i, name := range names {
		t, err := shard.Read(name)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s from %s", name, path)
		}
		arrays[i] = t
	}

	batch := &Batch{Inputs: arrays[:2], Targets: make([]*tensor.Tensor, len(Heads))}
	for i, t := range arrays[2:] {
		batch.Targets[i], err = asColumn(t)
		if err != nil {
			return nil, errors.Wrapf(err, "label %s in %s", names[2+i], path)
		}
	}
	return batch, nil
}

// asColumn reshapes a label vector (N) to (N, 1).
func asColumn(t *tensor.Tensor) (*tensor.Tensor, error) {
	if len(t.Shape) == 2 && t.Shape[1] == 1 {
		return t, nil
	}
	if len(t.Shape) != 1 {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "expected a vector, got %v", t.Shape)
	}
	return t.Reshape([]int{t.Shape[0], 1})
}
