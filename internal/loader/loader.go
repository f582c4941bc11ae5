// Package loader streams shuffled mini-batches from a sample source to a
// compute device. Batches rotate over a grid of staging buffers, one per
// (compute stream, data stream) pair, so host-side copying of the next batch
// overlaps with computation on the current one.
package loader

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-trainer/internal/device"
)

// ErrTooFewSamples is returned when a source cannot fill a single batch.
var ErrTooFewSamples = errors.New("loader: fewer samples than one batch")

// Options configure a Loader.
type Options struct {
	BatchSize      int
	DataStreams    int
	ComputeStreams int
	Shuffle        bool
	Seed           uint64
}

func (o Options) withDefaults() Options {
	if o.DataStreams <= 0 {
		o.DataStreams = 5
	}
	if o.ComputeStreams <= 0 {
		o.ComputeStreams = 1
	}
	return o
}

// Loader produces batches of a fixed size. The trailing samples that do not
// fill a whole batch are left out of every epoch.
type Loader struct {
	dev  *device.Device
	src  Source
	opts Options

	nBatches   int
	inputSize  int
	outputSize int

	host    [][]*device.HostBuffer
	buffers [][]*device.DeviceBuffer

	counter atomic.Uint64

	mu      sync.RWMutex
	indices []int
	rng     *rand.Rand
}

// New allocates the staging buffers for src on dev. Compute stream c maps to
// device stream c and data stream d to device stream ComputeStreams+d.
func New(dev *device.Device, src Source, opts Options) (*Loader, error) {
	opts = opts.withDefaults()
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size %d", opts.BatchSize)
	}
	if src.Len() < opts.BatchSize {
		return nil, fmt.Errorf("%w: %d samples, batch size %d", ErrTooFewSamples, src.Len(), opts.BatchSize)
	}

	l := &Loader{
		dev:        dev,
		src:        src,
		opts:       opts,
		nBatches:   src.Len() / opts.BatchSize,
		inputSize:  opts.BatchSize * src.InputWidth(),
		outputSize: opts.BatchSize * src.OutputWidth(),
		indices:    make([]int, src.Len()),
		rng:        rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5DEECE66D)),
	}
	for i := range l.indices {
		l.indices[i] = i
	}

	size := l.inputSize + l.outputSize
	l.host = make([][]*device.HostBuffer, opts.ComputeStreams)
	l.buffers = make([][]*device.DeviceBuffer, opts.ComputeStreams)
	for c := 0; c < opts.ComputeStreams; c++ {
		l.host[c] = make([]*device.HostBuffer, opts.DataStreams)
		l.buffers[c] = make([]*device.DeviceBuffer, opts.DataStreams)
		for d := 0; d < opts.DataStreams; d++ {
			h, err := dev.CreateHostBuffer(size)
			if err != nil {
				return nil, err
			}
			h.SetStream(opts.ComputeStreams + d)
			b, err := dev.CreateDeviceBuffer(size)
			if err != nil {
				l.Close()
				return nil, err
			}
			l.host[c][d] = h
			l.buffers[c][d] = b
		}
	}

	log.Debug().
		Int("samples", src.Len()).
		Int("batch_size", opts.BatchSize).
		Int("batches", l.nBatches).
		Int("data_streams", opts.DataStreams).
		Int("compute_streams", opts.ComputeStreams).
		Msg("Data loader ready")
	return l, nil
}

// BatchSize returns the number of samples per batch.
func (l *Loader) BatchSize() int { return l.opts.BatchSize }

// NBatchesInEpoch returns the number of whole batches per epoch.
func (l *Loader) NBatchesInEpoch() int { return l.nBatches }

// InputWidth returns the number of input features per sample.
func (l *Loader) InputWidth() int { return l.src.InputWidth() }

// OutputWidth returns the number of target values per sample.
func (l *Loader) OutputWidth() int { return l.src.OutputWidth() }

// Shuffle permutes the sample order.
func (l *Loader) Shuffle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rng.Shuffle(len(l.indices), func(i, j int) {
		l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
	})
}

// Reset restarts the batch sequence at the first batch of the epoch.
func (l *Loader) Reset() {
	l.counter.Store(0)
}

// GetBatch stages the next batch. It waits until the staging buffer the
// batch rotates onto has been released by its previous consumer, so callers
// must release batches they are done with; holding more than
// ComputeStreams*DataStreams batches at once blocks until ctx is done.
func (l *Loader) GetBatch(ctx context.Context) (*Batch, error) {
	task := int((l.counter.Add(1) - 1) % uint64(l.nBatches))
	c := task % l.opts.ComputeStreams
	d := (task / l.opts.ComputeStreams) % l.opts.DataStreams

	host := l.host[c][d]
	buf := l.buffers[c][d]
	if err := host.Lock(ctx); err != nil {
		return nil, err
	}

	batch, err := newBatch(ctx, l, buf, c)
	if err != nil {
		host.Release()
		return nil, err
	}

	l.copyBatch(task, host.Data())

	if err := buf.CopyFrom(host); err != nil {
		host.Release()
		_ = batch.Release()
		return nil, err
	}
	if err := host.ReleaseAfterTransfer(); err != nil {
		_ = batch.Release()
		return nil, err
	}
	batchesProduced.Inc()
	return batch, nil
}

// copyBatch writes the samples of batch task into dst column-major: the
// input block (batchSize x InputWidth) followed by the output block.
func (l *Loader) copyBatch(task int, dst []float64) {
	bs := l.opts.BatchSize
	in := make([]float64, l.src.InputWidth())
	out := make([]float64, l.src.OutputWidth())
	outputs := dst[l.inputSize:]

	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := 0; i < bs; i++ {
		l.src.Sample(l.indices[task*bs+i], in, out)
		for j, v := range in {
			dst[j*bs+i] = v
		}
		for j, v := range out {
			outputs[j*bs+i] = v
		}
	}
}

// Batches iterates over one epoch. Every call starts again at the first
// batch, shuffling first when enabled. Each batch is released once the loop
// body returns; a failure ends the iteration after being yielded.
func (l *Loader) Batches(ctx context.Context) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		l.Reset()
		if l.opts.Shuffle {
			l.Shuffle()
		}
		for k := 0; k < l.nBatches; k++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			start := time.Now()
			b, err := l.GetBatch(ctx)
			batchWait.Observe(time.Since(start).Seconds())
			if err != nil {
				yield(nil, err)
				return
			}
			more := yield(b, nil)
			if err := b.Release(); err != nil && more {
				yield(nil, err)
				return
			}
			if !more {
				return
			}
		}
	}
}

// Close frees the staging device buffers once their consumers released them.
func (l *Loader) Close() {
	for c := range l.buffers {
		for _, b := range l.buffers[c] {
			if b == nil {
				continue
			}
			b.SynchronizeComputation()
			b.Free()
		}
	}
}
