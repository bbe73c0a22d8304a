package h5shard

import (
	"path/filepath"
	"testing"

	"github.com/dronepilot/pilotnet/dataset"
	"github.com/dronepilot/pilotnet/tensor"
)

func sampleBatch(n int) *dataset.Batch {
	img := tensor.Zeros(n, 6, 6, 3)
	for i := range img.Data {
		img.Data[i] = float32(i%255) / 255
	}
	meta := tensor.Zeros(n, dataset.MetadataWidth)
	for i := range meta.Data {
		meta.Data[i] = float32(i)
	}
	b := &dataset.Batch{Inputs: []*tensor.Tensor{img, meta}}
	for h := range dataset.Heads {
		target := tensor.Zeros(n, 1)
		for i := range target.Data {
			target.Data[i] = float32(h+1) / 10
		}
		b.Targets = append(b.Targets, target)
	}
	return b
}

func TestShardRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := sampleBatch(4)
	if err := WriteFile(filepath.Join(dir, "0000.h5"), dataset.Validation, want); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	gen, err := dataset.NewDirGenerator(NewReader(), dir, dataset.Validation, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	got, err := gen.Batch(0)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if err := got.Validate(); err != nil {
		t.Fatal(err)
	}
	for i := range want.Inputs {
		if !got.Inputs[i].AllClose(want.Inputs[i], 0) {
			t.Errorf("input %d differs after round trip", i)
		}
	}
	for i := range want.Targets {
		if !got.Targets[i].AllClose(want.Targets[i], 0) {
			t.Errorf("target %d differs after round trip", i)
		}
	}
}

func TestReaderMissingFile(t *testing.T) {
	if _, err := NewReader().Open(filepath.Join(t.TempDir(), "none.h5")); err == nil {
		t.Error("expected error opening a missing file")
	}
}

func TestWriteBatchValidates(t *testing.T) {
	b := sampleBatch(2)
	b.Targets = b.Targets[:2]
	if err := WriteFile(filepath.Join(t.TempDir(), "bad.h5"), dataset.Train, b); err == nil {
		t.Error("expected validation error")
	}
}
