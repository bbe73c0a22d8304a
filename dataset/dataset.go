// Package dataset loads pre-batched training shards. Each shard holds one
// batch: an image array, a metadata array and one label array per control
// axis.
package dataset

import (
	"fmt"

	"github.com/dronepilot/pilotnet/tensor"
	"github.com/pkg/errors"
)

// Fixed sample geometry produced by the preprocessing stage.
const (
	ImageHeight   = 300
	ImageWidth    = 300
	ImageChannels = 3
	MetadataWidth = 8
)

// Heads lists the control axes in output order.
var Heads = []string{"roll", "pitch", "yaw", "throttle"}

// ErrIndexOutOfRange is returned for a batch index with no shard behind it.
var ErrIndexOutOfRange = errors.New("batch index out of range")

// Mode selects the training or validation half of a dataset.
type Mode int

const (
	Train Mode = iota
	Validation
)

// String returns the suffix used in shard dataset names.
func (m Mode) String() string {
	if m == Validation {
		return "val"
	}
	return "train"
}

// DatasetNames returns the six array names stored in a shard of this mode:
// image, metadata, then one label array per head.
func (m Mode) DatasetNames() []string {
	names := []string{
		fmt.Sprintf("img_x_%s", m),
		fmt.Sprintf("data_x_%s", m),
	}
	for _, h := range Heads {
		names = append(names, fmt.Sprintf("y_%s_%s", h, m))
	}
	return names
}

// Batch is one (inputs, targets) pair. Inputs are the image batch
// (N, H, W, C) and the metadata batch (N, 8); Targets hold one (N, 1)
// tensor per head.
type Batch struct {
	Inputs  []*tensor.Tensor
	Targets []*tensor.Tensor
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	if len(b.Inputs) == 0 || b.Inputs[0] == nil || len(b.Inputs[0].Shape) == 0 {
		return 0
	}
	return b.Inputs[0].Shape[0]
}

// Validate checks the array count and that every array shares the same
// leading dimension.
func (b *Batch) Validate() error {
	if len(b.Inputs) != 2 {
		return errors.Errorf("batch has %d inputs, expected 2", len(b.Inputs))
	}
	if len(b.Targets) != len(Heads) {
		return errors.Errorf("batch has %d targets, expected %d", len(b.Targets), len(Heads))
	}
	n := b.Size()
	all := append(append([]*tensor.Tensor(nil), b.Inputs...), b.Targets...)
	for i, t := range all {
		if t == nil || len(t.Shape) == 0 {
			return errors.Errorf("array %d is empty", i)
		}
		if t.Shape[0] != n {
			return errors.Wrapf(tensor.ErrShapeMismatch, "array %d has %d samples, expected %d", i, t.Shape[0], n)
		}
	}
	if meta := b.Inputs[1]; len(meta.Shape) != 2 || meta.Shape[1] != MetadataWidth {
		return errors.Wrapf(tensor.ErrShapeMismatch, "metadata shape %v, expected (N, %d)", meta.Shape, MetadataWidth)
	}
	for i, t := range b.Targets {
		if len(t.Shape) != 2 || t.Shape[1] != 1 {
			return errors.Wrapf(tensor.ErrShapeMismatch, "target %s has shape %v, expected (N, 1)", Heads[i], t.Shape)
		}
	}
	return nil
}

// Sequence is an indexed source of batches.
type Sequence interface {
	Len() int
	Batch(index int) (*Batch, error)
}

// selected exposes a subset of a Sequence's inputs.
type selected struct {
	Sequence
	inputs []int
}

// SelectInputs wraps seq so every batch carries only the inputs at the
// given positions, in that order. Targets are unchanged.
func SelectInputs(seq Sequence, inputs ...int) Sequence {
	return &selected{Sequence: seq, inputs: append([]int(nil), inputs...)}
}

func (s *selected) Batch(index int) (*Batch, error) {
	b, err := s.Sequence.Batch(index)
	if err != nil {
		return nil, err
	}
	out := &Batch{Targets: b.Targets}
	for _, i := range s.inputs {
		if i < 0 || i >= len(b.Inputs) {
			return nil, errors.Errorf("input %d not in batch of %d inputs", i, len(b.Inputs))
		}
		out.Inputs = append(out.Inputs, b.Inputs[i])
	}
	return out, nil
}
