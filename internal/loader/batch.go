package loader

import (
	"context"
	"sync"
	"time"

	"github.com/23skdu/longbow-trainer/internal/device"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// Batch is a staged mini-batch. Its staging buffer stays reserved until
// Release is called.
type Batch struct {
	buf       *device.DeviceBuffer
	stream    int
	batchSize int
	inWidth   int
	outWidth  int

	mu       sync.Mutex
	views    []*tensor.Matrix
	released bool
}

// newBatch waits until the previous consumer of buf released it and then
// reserves the buffer.
func newBatch(ctx context.Context, l *Loader, buf *device.DeviceBuffer, stream int) (*Batch, error) {
	start := time.Now()
	if err := buf.SynchronizeComputationContext(ctx); err != nil {
		return nil, err
	}
	consumptionWait.Observe(time.Since(start).Seconds())
	buf.SetUnconsumed()
	return &Batch{
		buf:       buf,
		stream:    stream,
		batchSize: l.opts.BatchSize,
		inWidth:   l.src.InputWidth(),
		outWidth:  l.src.OutputWidth(),
	}, nil
}

// Stream returns the compute stream the batch is bound to.
func (b *Batch) Stream() int { return b.stream }

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return b.batchSize }

func (b *Batch) view(offset, cols int) (*tensor.Matrix, error) {
	b.buf.SynchronizeTransfer()
	sub := b.buf.SubBuffer(offset, b.batchSize*cols)
	m, err := tensor.FromBuffer(sub, b.batchSize, cols, b.stream)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.views = append(b.views, m)
	b.mu.Unlock()
	return m, nil
}

// Input returns the batchSize x InputWidth input matrix once the transfer
// has landed.
func (b *Batch) Input() (*tensor.Matrix, error) {
	return b.view(0, b.inWidth)
}

// Output returns the batchSize x OutputWidth target matrix once the
// transfer has landed.
func (b *Batch) Output() (*tensor.Matrix, error) {
	return b.view(b.batchSize*b.inWidth, b.outWidth)
}

// Release marks the batch consumed after all work enqueued so far on the
// streams its matrices were used on. Further calls are no-ops.
func (b *Batch) Release() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true
	streams := []int{b.stream}
	for _, v := range b.views {
		streams = append(streams, v.Stream())
	}
	b.mu.Unlock()
	return b.buf.SetConsumed(streams...)
}
