package async

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dronepilot/pilotnet/dataset"
	"github.com/dronepilot/pilotnet/tensor"
	"github.com/pkg/errors"
)

// countingSequence returns batches whose metadata encodes the index.
type countingSequence struct {
	n       int
	failAt  int
	delay   time.Duration
	mu      sync.Mutex
	visited []int
}

func (s *countingSequence) Len() int { return s.n }

func (s *countingSequence) Batch(i int) (*dataset.Batch, error) {
	s.mu.Lock()
	s.visited = append(s.visited, i)
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if i == s.failAt {
		return nil, errors.New("corrupt shard")
	}
	meta := tensor.Zeros(1, dataset.MetadataWidth)
	meta.Data[0] = float32(i)
	return &dataset.Batch{Inputs: []*tensor.Tensor{tensor.Zeros(1, 2, 2, 3), meta}}, nil
}

func TestPrefetcherOrder(t *testing.T) {
	seq := &countingSequence{n: 10, failAt: -1}
	p, err := NewPrefetcher(seq, PrefetcherConfig{PrefetchDepth: 3})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.StartEpoch(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	for want := 0; want < 10; want++ {
		b, idx, err := p.Next()
		if err != nil {
			t.Fatalf("Next %d: %v", want, err)
		}
		if idx != want || b.Inputs[1].Data[0] != float32(want) {
			t.Fatalf("got index %d (payload %v), want %d", idx, b.Inputs[1].Data[0], want)
		}
	}
	if _, _, err := p.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after last batch, got %v", err)
	}

	stats := p.Stats()
	if stats.BatchesProduced != 10 || stats.BatchesConsumed != 10 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPrefetcherCustomIndices(t *testing.T) {
	seq := &countingSequence{n: 10, failAt: -1}
	p, _ := NewPrefetcher(seq, DefaultPrefetcherConfig())
	if err := p.Start(context.Background(), []int{4, 2, 7}); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()
	for _, want := range []int{4, 2, 7} {
		_, idx, err := p.Next()
		if err != nil || idx != want {
			t.Fatalf("got %d, %v; want %d", idx, err, want)
		}
	}
}

func TestPrefetcherError(t *testing.T) {
	seq := &countingSequence{n: 5, failAt: 2}
	p, _ := NewPrefetcher(seq, DefaultPrefetcherConfig())
	if err := p.StartEpoch(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	for i := 0; i < 2; i++ {
		if _, _, err := p.Next(); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
	}
	if _, idx, err := p.Next(); err == nil || idx != 2 {
		t.Fatalf("expected error at index 2, got %d, %v", idx, err)
	}
	if _, _, err := p.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after error, got %v", err)
	}
}

func TestPrefetcherCancel(t *testing.T) {
	seq := &countingSequence{n: 100, failAt: -1, delay: time.Millisecond}
	p, _ := NewPrefetcher(seq, PrefetcherConfig{PrefetchDepth: 1})
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.StartEpoch(ctx, 100); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	if _, _, err := p.Next(); err != nil {
		t.Fatal(err)
	}
	cancel()

	var err error
	for i := 0; i < 100 && err == nil; i++ {
		_, _, err = p.Next()
	}
	if errors.Cause(err) != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPrefetcherStop(t *testing.T) {
	seq := &countingSequence{n: 50, failAt: -1}
	p, _ := NewPrefetcher(seq, PrefetcherConfig{PrefetchDepth: 1})
	if err := p.StartEpoch(context.Background(), 50); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background(), nil); err == nil {
		t.Error("expected error starting a running prefetcher")
	}

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return with a full queue")
	}

	if _, _, err := p.Next(); err != ErrStopped {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}

	// Restart after Stop.
	if err := p.StartEpoch(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if _, idx, err := p.Next(); err != nil || idx != 0 {
		t.Errorf("after restart: %d, %v", idx, err)
	}
	p.Stop()
}

func TestNewPrefetcherValidation(t *testing.T) {
	if _, err := NewPrefetcher(nil, DefaultPrefetcherConfig()); err == nil {
		t.Error("expected error for nil sequence")
	}
	p, _ := NewPrefetcher(&countingSequence{}, PrefetcherConfig{})
	if p.Stats().PrefetchDepth != 2 {
		t.Errorf("default depth = %d", p.Stats().PrefetchDepth)
	}
}
