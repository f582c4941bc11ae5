package device

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const elementBytes = 8

// HostBuffer is page-locked host memory used to stage transfers. Sub-buffers
// share memory and the lock with their parent.
type HostBuffer struct {
	dev    *Device
	data   []float64
	offset int
	stream atomic.Int32
	lock   *semaphore.Weighted
}

// CreateHostBuffer allocates a host staging buffer of size elements.
func (d *Device) CreateHostBuffer(size int) (*HostBuffer, error) {
	if size < 0 {
		return nil, d.HandleError(newBackendError("create host buffer", InvalidValue, fmt.Errorf("size %d", size)))
	}
	return &HostBuffer{
		dev:  d,
		data: make([]float64, size),
		lock: semaphore.NewWeighted(1),
	}, nil
}

// Size returns the number of elements.
func (h *HostBuffer) Size() int { return len(h.data) }

// Offset returns the element offset within the root allocation.
func (h *HostBuffer) Offset() int { return h.offset }

// At returns element i.
func (h *HostBuffer) At(i int) float64 { return h.data[i] }

// Set writes element i.
func (h *HostBuffer) Set(i int, v float64) { h.data[i] = v }

// Data returns the mapped memory.
func (h *HostBuffer) Data() []float64 { return h.data }

// Stream returns the stream transfers from this buffer are issued on.
func (h *HostBuffer) Stream() int { return int(h.stream.Load()) }

// SetStream associates the buffer with a stream.
func (h *HostBuffer) SetStream(i int) { h.stream.Store(int32(i)) }

// SubBuffer returns a view of size elements starting at offset.
func (h *HostBuffer) SubBuffer(offset, size int) *HostBuffer {
	if offset < 0 || size < 0 || offset+size > len(h.data) {
		panic(fmt.Sprintf("device: host sub-buffer [%d:%d] out of range (size %d)", offset, offset+size, len(h.data)))
	}
	sub := &HostBuffer{
		dev:    h.dev,
		data:   h.data[offset : offset+size : offset+size],
		offset: h.offset + offset,
		lock:   h.lock,
	}
	sub.stream.Store(h.stream.Load())
	return sub
}

// Lock acquires exclusive write access to the buffer.
func (h *HostBuffer) Lock(ctx context.Context) error {
	return h.lock.Acquire(ctx, 1)
}

// TryLock acquires the lock without blocking.
func (h *HostBuffer) TryLock() bool {
	return h.lock.TryAcquire(1)
}

// Release releases the lock.
func (h *HostBuffer) Release() {
	h.lock.Release(1)
}

// ReleaseAfterTransfer releases the lock once every command issued so far on
// the buffer's stream, including pending transfers out of it, has completed.
func (h *HostBuffer) ReleaseAfterTransfer() error {
	err := h.dev.Stream(h.Stream()).enqueueAlways("release host buffer", func() error {
		h.lock.Release(1)
		return nil
	})
	if err != nil {
		h.lock.Release(1)
	}
	return err
}

type deviceMemory struct {
	data        []float64
	transfer    *Signal
	consumption *Signal
	freed       atomic.Bool
}

// DeviceBuffer is device memory with transfer and consumption signals.
// Sub-buffers alias the memory and share both signals with their parent.
type DeviceBuffer struct {
	dev    *Device
	mem    *deviceMemory
	offset int
	size   int
	root   bool
	stream atomic.Int32
}

// CreateDeviceBuffer allocates size elements of device memory.
func (d *Device) CreateDeviceBuffer(size int) (*DeviceBuffer, error) {
	if size < 0 {
		return nil, d.HandleError(newBackendError("create buffer", InvalidValue, fmt.Errorf("size %d", size)))
	}
	bytes := int64(size) * elementBytes
	if limit := d.cfg.MemoryLimit; limit > 0 {
		if total := d.allocated.Add(bytes); total > limit {
			d.allocated.Add(-bytes)
			return nil, d.HandleError(newBackendError("create buffer", MemObjectAllocationFailure,
				fmt.Errorf("%d bytes requested, %d of %d in use", bytes, total-bytes, limit)))
		}
	} else {
		d.allocated.Add(bytes)
	}
	deviceMemoryBytes.Add(float64(bytes))

	return &DeviceBuffer{
		dev: d,
		mem: &deviceMemory{
			data:        make([]float64, size),
			transfer:    NewSignal(),
			consumption: NewSignal(),
		},
		size: size,
		root: true,
	}, nil
}

// Device returns the owning device.
func (b *DeviceBuffer) Device() *Device { return b.dev }

// Size returns the number of elements.
func (b *DeviceBuffer) Size() int { return b.size }

// Offset returns the element offset within the root allocation.
func (b *DeviceBuffer) Offset() int { return b.offset }

// Stream returns the stream that last wrote to the buffer.
func (b *DeviceBuffer) Stream() int { return int(b.stream.Load()) }

// SetStream records the stream that last touched the buffer.
func (b *DeviceBuffer) SetStream(i int) { b.stream.Store(int32(i)) }

func (b *DeviceBuffer) view() ([]float64, error) {
	if b.mem.freed.Load() {
		return nil, newBackendError("access buffer", InvalidMemObject, ErrBufferFreed)
	}
	return b.mem.data[b.offset : b.offset+b.size : b.offset+b.size], nil
}

// SubBuffer returns a view of size elements starting at offset. The view
// starts on the stream of its parent.
func (b *DeviceBuffer) SubBuffer(offset, size int) *DeviceBuffer {
	if offset < 0 || size < 0 || offset+size > b.size {
		panic(fmt.Sprintf("device: sub-buffer [%d:%d] out of range (size %d)", offset, offset+size, b.size))
	}
	sub := &DeviceBuffer{
		dev:    b.dev,
		mem:    b.mem,
		offset: b.offset + offset,
		size:   size,
	}
	sub.stream.Store(b.stream.Load())
	return sub
}

// CopyFrom starts an asynchronous transfer from src. The buffer takes over
// the stream of src and its transfer signal stays pending until the copy
// has landed.
func (b *DeviceBuffer) CopyFrom(src *HostBuffer) error {
	if src.Size() != b.size {
		return b.dev.HandleError(newBackendError("write buffer", InvalidValue,
			fmt.Errorf("host buffer has %d elements, device buffer %d", src.Size(), b.size)))
	}
	dst, err := b.view()
	if err != nil {
		return b.dev.HandleError(err)
	}
	stream := src.Stream()
	b.SetStream(stream)

	b.mem.transfer.Arm()
	err = b.dev.Stream(stream).enqueueAlways("write buffer", func() error {
		defer b.mem.transfer.Fire()
		copy(dst, src.data)
		transferBytes.WithLabelValues("host_to_device").Add(float64(len(dst) * elementBytes))
		return nil
	})
	if err != nil {
		b.mem.transfer.Fire()
		return err
	}
	return nil
}

// CopyTo copies the buffer into dst once all work on its stream is done.
func (b *DeviceBuffer) CopyTo(dst *HostBuffer) error {
	if dst.Size() != b.size {
		return b.dev.HandleError(newBackendError("read buffer", InvalidValue,
			fmt.Errorf("host buffer has %d elements, device buffer %d", dst.Size(), b.size)))
	}
	src, err := b.view()
	if err != nil {
		return b.dev.HandleError(err)
	}
	stream := b.dev.Stream(b.Stream())
	done := NewSignal()
	done.Arm()
	err = stream.enqueueAlways("read buffer", func() error {
		defer done.Fire()
		copy(dst.data, src)
		transferBytes.WithLabelValues("device_to_host").Add(float64(len(src) * elementBytes))
		return nil
	})
	if err != nil {
		return err
	}
	done.Wait()
	return stream.Err()
}

// SynchronizeTransfer blocks until pending transfers into the buffer landed.
func (b *DeviceBuffer) SynchronizeTransfer() {
	b.mem.transfer.Wait()
}

// SynchronizeTransferContext is SynchronizeTransfer bounded by ctx.
func (b *DeviceBuffer) SynchronizeTransferContext(ctx context.Context) error {
	return b.mem.transfer.WaitContext(ctx)
}

// SynchronizeComputation blocks until the buffer's contents were consumed.
func (b *DeviceBuffer) SynchronizeComputation() {
	b.mem.consumption.Wait()
}

// SynchronizeComputationContext is SynchronizeComputation bounded by ctx.
func (b *DeviceBuffer) SynchronizeComputationContext(ctx context.Context) error {
	return b.mem.consumption.WaitContext(ctx)
}

// SetUnconsumed marks the contents as in use by a consumer.
func (b *DeviceBuffer) SetUnconsumed() {
	b.mem.consumption.Arm()
}

// SetConsumed is called after the last reading operation was enqueued. The
// consumption signal fires once the buffer's stream, and any extra streams
// given, have executed everything submitted so far.
func (b *DeviceBuffer) SetConsumed(extra ...int) error {
	var firstErr error
	seen := map[int]bool{}
	for _, s := range append([]int{b.Stream()}, extra...) {
		s = b.dev.Stream(s).ID()
		if seen[s] {
			continue
		}
		seen[s] = true
		if err := b.dev.Stream(s).Marker(b.mem.consumption); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.mem.consumption.Fire()
	return firstErr
}

// Consumed reports whether no consumer holds the buffer.
func (b *DeviceBuffer) Consumed() bool {
	return b.mem.consumption.Idle()
}

// Free returns the memory of a root buffer to the device. Using the buffer
// or any of its sub-buffers afterwards fails with ErrBufferFreed.
func (b *DeviceBuffer) Free() {
	if !b.root || !b.mem.freed.CompareAndSwap(false, true) {
		return
	}
	bytes := int64(len(b.mem.data)) * elementBytes
	b.dev.allocated.Add(-bytes)
	deviceMemoryBytes.Sub(float64(bytes))
}
