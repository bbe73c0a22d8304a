// Package h5shard reads and writes dataset shards stored as HDF5 files.
package h5shard

import (
	"github.com/dronepilot/pilotnet/dataset"
	"github.com/dronepilot/pilotnet/tensor"
	"github.com/pkg/errors"
	"gonum.org/v1/hdf5"
)

// Reader opens HDF5 shards read-only.
type Reader struct{}

// NewReader returns a Reader.
func NewReader() *Reader {
	return &Reader{}
}

// Open implements dataset.ShardReader.
func (r *Reader) Open(path string) (dataset.Shard, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	return &shard{file: f}, nil
}

type shard struct {
	file *hdf5.File
}

// Read loads a whole dataset as float32.
func (s *shard) Read(name string) (*tensor.Tensor, error) {
	dset, err := s.file.OpenDataset(name)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset %s", name)
	}
	defer dset.Close()

	space := dset.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return nil, errors.Wrapf(err, "dimensions of %s", name)
	}

	shape := make([]int, len(dims))
	n := 1
	for i, d := range dims {
		shape[i] = int(d)
		n *= int(d)
	}
	data := make([]float32, n)
	if n > 0 {
		if err := readFloat32(dset, data); err != nil {
			return nil, errors.Wrapf(err, "reading %s", name)
		}
	}
	return tensor.New(shape, data)
}

// readFloat32 reads dset in its stored element type and widens or narrows
// into out. Images usually arrive as uint8, labels as float64.
func readFloat32(dset *hdf5.Dataset, out []float32) error {
	dtype, err := dset.Datatype()
	if err != nil {
		return err
	}
	defer dtype.Close()

	switch {
	case dtype.Class() == hdf5.T_FLOAT && dtype.Size() == 4:
		return dset.Read(&out)
	case dtype.Class() == hdf5.T_FLOAT && dtype.Size() == 8:
		buf := make([]float64, len(out))
		if err := dset.Read(&buf); err != nil {
			return err
		}
		for i, v := range buf {
			out[i] = float32(v)
		}
	case dtype.Class() == hdf5.T_INTEGER && dtype.Size() == 1:
		buf := make([]uint8, len(out))
		if err := dset.Read(&buf); err != nil {
			return err
		}
		for i, v := range buf {
			out[i] = float32(v)
		}
	case dtype.Class() == hdf5.T_INTEGER && dtype.Size() == 4:
		buf := make([]int32, len(out))
		if err := dset.Read(&buf); err != nil {
			return err
		}
		for i, v := range buf {
			out[i] = float32(v)
		}
	case dtype.Class() == hdf5.T_INTEGER && dtype.Size() == 8:
		buf := make([]int64, len(out))
		if err := dset.Read(&buf); err != nil {
			return err
		}
		for i, v := range buf {
			out[i] = float32(v)
		}
	default:
		return errors.Errorf("unsupported element type (class %d, %d bytes)", dtype.Class(), dtype.Size())
	}
	return nil
}

func (s *shard) Close() error {
	return s.file.Close()
}

// Writer creates shard files. It exists for tooling and tests; training only
// reads shards.
type Writer struct {
	file *hdf5.File
}

// Create truncates or creates path.
func Create(path string) (*Writer, error) {
	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s", path)
	}
	return &Writer{file: f}, nil
}

// Write stores t as a float32 dataset called name.
func (w *Writer) Write(name string, t *tensor.Tensor) error {
	dims := make([]uint, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = uint(d)
	}
	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		return errors.Wrapf(err, "dataspace for %s", name)
	}
	defer space.Close()

	dset, err := w.file.CreateDataset(name, hdf5.T_NATIVE_FLOAT, space)
	if err != nil {
		return errors.Wrapf(err, "creating dataset %s", name)
	}
	defer dset.Close()

	if len(t.Data) == 0 {
		return nil
	}
	data := t.Data
	return errors.Wrapf(dset.Write(&data), "writing %s", name)
}

// WriteBatch stores a batch under the dataset names of mode. Targets are
// written as vectors, the layout the preprocessing stage produces.
func (w *Writer) WriteBatch(mode dataset.Mode, b *dataset.Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	names := mode.DatasetNames()
	for i, t := range b.Inputs {
		if err := w.Write(names[i], t); err != nil {
			return err
		}
	}
	for i, t := range b.Targets {
		v, err := t.Reshape([]int{t.Shape[0]})
		if err != nil {
			return err
		}
		if err := w.Write(names[2+i], v); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	return w.file.Close()
}

// WriteFile writes b as a complete shard at path.
func WriteFile(path string, mode dataset.Mode, b *dataset.Batch) error {
	w, err := Create(path)
	if err != nil {
		return err
	}
	if err := w.WriteBatch(mode, b); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
