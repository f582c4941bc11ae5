package device

import (
	"math/bits"
	"sync"
)

// scratchPool recycles reduction temporaries. Buffers are bucketed by the
// next power of two of their size so a bucket serves any smaller request.
type scratchPool struct {
	mu      sync.Mutex
	buckets map[int][]*DeviceBuffer
}

func newScratchPool() *scratchPool {
	return &scratchPool{buckets: make(map[int][]*DeviceBuffer)}
}

func bucketFor(size int) int {
	if size <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// Scratch returns a device buffer of size elements for temporary results.
// Its contents are undefined. Return it with Recycle once every command
// using it has completed.
func (d *Device) Scratch(size int) (*DeviceBuffer, error) {
	bucket := bucketFor(size)

	d.scratch.mu.Lock()
	free := d.scratch.buckets[bucket]
	if n := len(free); n > 0 {
		root := free[n-1]
		d.scratch.buckets[bucket] = free[:n-1]
		d.scratch.mu.Unlock()
		scratchHits.Inc()
		return root.SubBuffer(0, size), nil
	}
	d.scratch.mu.Unlock()

	scratchMisses.Inc()
	root, err := d.CreateDeviceBuffer(bucket)
	if err != nil {
		return nil, err
	}
	return root.SubBuffer(0, size), nil
}

// Recycle hands a scratch buffer back to the pool.
func (d *Device) Recycle(b *DeviceBuffer) {
	if b == nil || b.mem.freed.Load() {
		return
	}
	root := &DeviceBuffer{
		dev:  d,
		mem:  b.mem,
		size: len(b.mem.data),
		root: true,
	}
	bucket := len(b.mem.data)

	d.scratch.mu.Lock()
	d.scratch.buckets[bucket] = append(d.scratch.buckets[bucket], root)
	d.scratch.mu.Unlock()
}
