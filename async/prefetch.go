// Package async overlaps batch loading with training.
package async

import (
	"context"
	"io"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/dronepilot/pilotnet/dataset"
	"github.com/pkg/errors"
)

// ErrStopped is returned by Next after Stop.
var ErrStopped = errors.New("prefetcher has been stopped")

// PrefetcherConfig holds configuration for the prefetcher
type PrefetcherConfig struct {
	PrefetchDepth int // batches loaded ahead of the consumer (default: 2)
}

// DefaultPrefetcherConfig returns default prefetcher configuration
func DefaultPrefetcherConfig() PrefetcherConfig {
	return PrefetcherConfig{PrefetchDepth: 2}
}

type loaded struct {
	index int
	batch *dataset.Batch
	err   error
}

// Prefetcher loads batches of a Sequence on one background goroutine and
// hands them out in request order. A load error is delivered in place of
// the failed batch and ends the run.
type Prefetcher struct {
	source dataset.Sequence
	depth  int

	ring     *queue.RingBuffer
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	total    int
	consumed int

	produced  uint64
	isRunning bool
	mutex     sync.Mutex
}

// NewPrefetcher creates a prefetcher over source.
func NewPrefetcher(source dataset.Sequence, config PrefetcherConfig) (*Prefetcher, error) {
	if source == nil {
		return nil, errors.New("sequence cannot be nil")
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = DefaultPrefetcherConfig().PrefetchDepth
	}
	return &Prefetcher{source: source, depth: config.PrefetchDepth}, nil
}

// Start begins loading indices in order. Cancelling ctx stops the loader;
// the consumer sees ctx.Err() after the batches already queued.
func (p *Prefetcher) Start(ctx context.Context, indices []int) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.isRunning {
		return errors.New("prefetcher is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.ring = queue.NewRingBuffer(uint64(p.depth))
	p.total = len(indices)
	p.consumed = 0
	p.produced = 0
	p.isRunning = true

	order := append([]int(nil), indices...)
	p.wg.Add(1)
	go p.worker(ctx, p.ring, order)
	return nil
}

// StartEpoch loads indices 0..steps-1.
func (p *Prefetcher) StartEpoch(ctx context.Context, steps int) error {
	indices := make([]int, steps)
	for i := range indices {
		indices[i] = i
	}
	return p.Start(ctx, indices)
}

func (p *Prefetcher) worker(ctx context.Context, ring *queue.RingBuffer, order []int) {
	defer p.wg.Done()

	for _, idx := range order {
		item := loaded{index: idx}
		if err := ctx.Err(); err != nil {
			item.err = err
		} else {
			item.batch, item.err = p.source.Batch(idx)
			if item.err != nil {
				item.err = errors.Wrapf(item.err, "loading batch %d", idx)
			}
		}

		if err := ring.Put(item); err != nil {
			return // disposed
		}
		p.mutex.Lock()
		p.produced++
		p.mutex.Unlock()

		if item.err != nil {
			return
		}
	}
}

// Next returns the next batch and its index. It returns io.EOF once every
// requested index has been delivered.
func (p *Prefetcher) Next() (*dataset.Batch, int, error) {
	p.mutex.Lock()
	ring := p.ring
	done := !p.isRunning || p.consumed >= p.total
	p.mutex.Unlock()

	if ring == nil {
		return nil, 0, ErrStopped
	}
	if done {
		if !p.isRunning {
			return nil, 0, ErrStopped
		}
		return nil, 0, io.EOF
	}

	v, err := ring.Get()
	if err != nil {
		if err == queue.ErrDisposed {
			return nil, 0, ErrStopped
		}
		return nil, 0, err
	}
	item := v.(loaded)

	p.mutex.Lock()
	p.consumed++
	if item.err != nil {
		// Nothing follows an error.
		p.consumed = p.total
	}
	p.mutex.Unlock()
	return item.batch, item.index, item.err
}

// Stop cancels loading and releases the queue. It is safe to call more than
// once.
func (p *Prefetcher) Stop() error {
	p.mutex.Lock()
	if !p.isRunning {
		p.mutex.Unlock()
		return nil
	}
	p.cancel()
	p.ring.Dispose()
	p.isRunning = false
	p.mutex.Unlock()

	p.wg.Wait()
	return nil
}

// Stats returns statistics about the prefetcher
func (p *Prefetcher) Stats() PrefetcherStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stats := PrefetcherStats{
		IsRunning:       p.isRunning,
		BatchesProduced: p.produced,
		BatchesConsumed: p.consumed,
		PrefetchDepth:   p.depth,
	}
	if p.ring != nil && p.isRunning {
		stats.QueuedBatches = int(p.ring.Len())
	}
	return stats
}

// PrefetcherStats provides statistics about the prefetcher
type PrefetcherStats struct {
	IsRunning       bool
	BatchesProduced uint64
	BatchesConsumed int
	QueuedBatches   int
	PrefetchDepth   int
}
