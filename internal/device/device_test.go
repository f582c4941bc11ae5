package device

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestDevice(t *testing.T, cfg Config) *Device {
	t.Helper()
	if cfg.Streams == 0 {
		cfg.Streams = 2
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func upload(t *testing.T, d *Device, data []float64) *DeviceBuffer {
	t.Helper()
	host, err := d.CreateHostBuffer(len(data))
	if err != nil {
		t.Fatalf("CreateHostBuffer: %v", err)
	}
	copy(host.Data(), data)
	buf, err := d.CreateDeviceBuffer(len(data))
	if err != nil {
		t.Fatalf("CreateDeviceBuffer: %v", err)
	}
	if err := buf.CopyFrom(host); err != nil {
		t.Fatalf("CopyFrom: %v", err)
	}
	buf.SynchronizeTransfer()
	return buf
}

func download(t *testing.T, buf *DeviceBuffer) []float64 {
	t.Helper()
	host, err := buf.Device().CreateHostBuffer(buf.Size())
	if err != nil {
		t.Fatalf("CreateHostBuffer: %v", err)
	}
	if err := buf.CopyTo(host); err != nil {
		t.Fatalf("CopyTo: %v", err)
	}
	return host.Data()
}

type testPlatform struct {
	name    string
	program Program
	err     error
}

func (p testPlatform) Name() string              { return p.name }
func (p testPlatform) Devices() []string         { return []string{"test-device"} }
func (p testPlatform) Program() (Program, error) { return p.program, p.err }

func programWith(override map[string]KernelFunc, drop ...string) hostKernels {
	k := hostKernels{}
	for name, fn := range hostProgram {
		k[name] = fn
	}
	for name, fn := range override {
		k[name] = fn
	}
	for _, name := range drop {
		delete(k, name)
	}
	return k
}

var registerTestPlatforms sync.Once

func testPlatforms() {
	registerTestPlatforms.Do(func() {
		Register(testPlatform{name: "missing-dropout", program: programWith(nil, "Dropout")})
		Register(testPlatform{name: "broken-build", err: errors.New("syntax error")})
		Register(testPlatform{name: "panicking", program: programWith(map[string]KernelFunc{
			"Hadamard": func(Group, Args) error { panic("boom") },
		})})
	})
}

func TestNew(t *testing.T) {
	testPlatforms()

	t.Run("DefaultsToFirstPlatform", func(t *testing.T) {
		d := newTestDevice(t, Config{})
		if d.Platform() != HostPlatformName {
			t.Errorf("platform = %q, want %q", d.Platform(), HostPlatformName)
		}
		if d.NumStreams() != 2 {
			t.Errorf("streams = %d, want 2", d.NumStreams())
		}
	})

	t.Run("MissingKernelIsFatal", func(t *testing.T) {
		d, err := New(Config{Platform: "missing-dropout"})
		if d != nil {
			t.Fatal("expected no device")
		}
		var be *BackendError
		if !errors.As(err, &be) || be.Code != InvalidKernelName {
			t.Fatalf("err = %v, want InvalidKernelName", err)
		}
	})

	t.Run("BuildFailureIsFatal", func(t *testing.T) {
		_, err := New(Config{Platform: "broken-build"})
		var be *BackendError
		if !errors.As(err, &be) || be.Code != BuildProgramFailure {
			t.Fatalf("err = %v, want BuildProgramFailure", err)
		}
	})

	t.Run("UnknownPlatform", func(t *testing.T) {
		_, err := New(Config{Platform: "does-not-exist"})
		var be *BackendError
		if !errors.As(err, &be) || be.Code != InvalidPlatform {
			t.Fatalf("err = %v, want InvalidPlatform", err)
		}
	})

	t.Run("DeviceIndexOutOfRange", func(t *testing.T) {
		_, err := New(Config{DeviceIndex: 3})
		var be *BackendError
		if !errors.As(err, &be) || be.Code != DeviceNotFound {
			t.Fatalf("err = %v, want DeviceNotFound", err)
		}
	})
}

func TestContext_CreatesDeviceOnce(t *testing.T) {
	ctx := NewContext(Config{Streams: 1, Workers: 1})
	a, err := ctx.Device()
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	defer a.Close()
	b, _ := ctx.Device()
	if a != b {
		t.Error("Context returned two different devices")
	}

	testPlatforms()
	bad := NewContext(Config{Platform: "missing-dropout"})
	_, err1 := bad.Device()
	_, err2 := bad.Device()
	if err1 == nil || err1 != err2 {
		t.Errorf("setup error not cached: %v / %v", err1, err2)
	}
}

func TestStream(t *testing.T) {
	d := newTestDevice(t, Config{Streams: 1})
	s := d.Stream(0)

	t.Run("InOrder", func(t *testing.T) {
		var got []int
		for i := 0; i < 100; i++ {
			if err := s.Enqueue("append", func() error {
				got = append(got, i)
				return nil
			}); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}
		if err := s.Synchronize(); err != nil {
			t.Fatalf("Synchronize: %v", err)
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("command %d ran at position %d", v, i)
			}
		}
	})

	t.Run("StickyError", func(t *testing.T) {
		d := newTestDevice(t, Config{Streams: 1})
		s := d.Stream(0)
		failure := newBackendError("test", OutOfResources, nil)
		ran := false
		_ = s.Enqueue("fail", func() error { return failure })
		_ = s.Enqueue("skipped", func() error { ran = true; return nil })

		if err := s.Synchronize(); !errors.Is(err, failure) {
			t.Fatalf("Synchronize = %v, want %v", err, failure)
		}
		if ran {
			t.Error("command after failure was executed")
		}
		if err := s.Enqueue("late", func() error { return nil }); !errors.Is(err, failure) {
			t.Errorf("Enqueue after failure = %v, want sticky error", err)
		}
	})

	t.Run("ClosedDevice", func(t *testing.T) {
		d, err := New(Config{Streams: 1, Workers: 1})
		if err != nil {
			t.Fatal(err)
		}
		d.Close()
		if err := d.Stream(0).Enqueue("x", func() error { return nil }); !errors.Is(err, ErrDeviceClosed) {
			t.Errorf("Enqueue = %v, want ErrDeviceClosed", err)
		}
	})
}

func TestSignal(t *testing.T) {
	s := NewSignal()
	if !s.Idle() {
		t.Fatal("new signal should be idle")
	}
	s.Wait()

	s.Arm()
	s.Arm()
	if got := s.Pending(); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.WaitContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitContext = %v, want deadline exceeded", err)
	}

	s.Fire()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Wait returned with one operation pending")
	case <-time.After(10 * time.Millisecond):
	}
	s.Fire()
	<-done

	s.Fire()
	if !s.Idle() {
		t.Error("firing an idle signal changed its state")
	}
}

func TestHostBuffer_Lock(t *testing.T) {
	d := newTestDevice(t, Config{})
	h, err := d.CreateHostBuffer(16)
	if err != nil {
		t.Fatal(err)
	}

	var holders, maxHolders atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Lock(context.Background()); err != nil {
				t.Error(err)
				return
			}
			n := holders.Add(1)
			for {
				m := maxHolders.Load()
				if n <= m || maxHolders.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			holders.Add(-1)
			h.Release()
		}()
	}
	wg.Wait()
	if got := maxHolders.Load(); got != 1 {
		t.Errorf("max concurrent holders = %d, want 1", got)
	}

	sub := h.SubBuffer(4, 4)
	if !sub.TryLock() {
		t.Fatal("TryLock on free buffer failed")
	}
	if h.TryLock() {
		t.Error("sub-buffer lock did not exclude its parent")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Lock(ctx); err == nil {
		t.Error("Lock with cancelled context succeeded while held")
	}
	if err := sub.ReleaseAfterTransfer(); err != nil {
		t.Fatal(err)
	}
	if err := h.Lock(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.Release()
}

func TestDeviceBuffer_RoundTrip(t *testing.T) {
	d := newTestDevice(t, Config{})
	rng := rand.New(rand.NewPCG(1, 2))
	data := make([]float64, 1000)
	for i := range data {
		data[i] = rng.NormFloat64() * 1e6
	}
	data[0] = math.Inf(-1)
	data[1] = math.SmallestNonzeroFloat64

	buf := upload(t, d, data)
	got := download(t, buf)
	for i := range data {
		if math.Float64bits(got[i]) != math.Float64bits(data[i]) {
			t.Fatalf("element %d: got %v, want %v", i, got[i], data[i])
		}
	}

	t.Run("SubBufferSharesMemory", func(t *testing.T) {
		sub := buf.SubBuffer(10, 5)
		if sub.Offset() != 10 || sub.Size() != 5 {
			t.Fatalf("sub-buffer offset/size = %d/%d", sub.Offset(), sub.Size())
		}
		view := download(t, sub)
		for i, v := range view {
			if v != data[10+i] {
				t.Errorf("sub[%d] = %v, want %v", i, v, data[10+i])
			}
		}
	})

	t.Run("SizeMismatch", func(t *testing.T) {
		h, _ := d.CreateHostBuffer(3)
		var be *BackendError
		if err := buf.CopyTo(h); !errors.As(err, &be) || be.Code != InvalidValue {
			t.Errorf("CopyTo = %v, want InvalidValue", err)
		}
	})

	t.Run("TransferTakesHostStream", func(t *testing.T) {
		h, _ := d.CreateHostBuffer(4)
		h.SetStream(1)
		b, _ := d.CreateDeviceBuffer(4)
		if err := b.CopyFrom(h); err != nil {
			t.Fatal(err)
		}
		if err := b.SynchronizeTransferContext(context.Background()); err != nil {
			t.Fatal(err)
		}
		if b.Stream() != 1 {
			t.Errorf("stream = %d, want 1", b.Stream())
		}
	})
}

func TestDeviceBuffer_Consumption(t *testing.T) {
	d := newTestDevice(t, Config{})
	buf, err := d.CreateDeviceBuffer(8)
	if err != nil {
		t.Fatal(err)
	}
	buf.SynchronizeComputation()

	buf.SetUnconsumed()
	if buf.Consumed() {
		t.Fatal("buffer consumed right after SetUnconsumed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := buf.SynchronizeComputationContext(ctx); err == nil {
		t.Fatal("SynchronizeComputation returned while unconsumed")
	}

	gate := make(chan struct{})
	_ = d.Stream(1).Enqueue("block", func() error {
		<-gate
		return nil
	})
	if err := buf.SetConsumed(1); err != nil {
		t.Fatal(err)
	}
	if buf.Consumed() {
		t.Fatal("consumed before pending work on stream 1 finished")
	}
	close(gate)
	buf.SynchronizeComputation()
	if !buf.Consumed() {
		t.Error("buffer not consumed after its streams drained")
	}
}

func TestDeviceBuffer_MemoryLimit(t *testing.T) {
	d := newTestDevice(t, Config{MemoryLimit: 100 * elementBytes})
	a, err := d.CreateDeviceBuffer(60)
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.CreateDeviceBuffer(60)
	var be *BackendError
	if !errors.As(err, &be) || be.Code != MemObjectAllocationFailure {
		t.Fatalf("err = %v, want MemObjectAllocationFailure", err)
	}
	a.Free()
	if _, err := d.CreateDeviceBuffer(60); err != nil {
		t.Errorf("allocation after Free failed: %v", err)
	}
	if _, err := a.view(); !errors.Is(err, ErrBufferFreed) {
		t.Errorf("view of freed buffer = %v, want ErrBufferFreed", err)
	}
}

func TestEnqueueKernel(t *testing.T) {
	d := newTestDevice(t, Config{})

	t.Run("Gemm", func(t *testing.T) {
		// A 2x3, B 3x2, column-major.
		a := upload(t, d, []float64{1, 4, 2, 5, 3, 6})
		b := upload(t, d, []float64{7, 9, 11, 8, 10, 12})
		c := upload(t, d, make([]float64, 4))
		g, l := SingleRange()
		if err := d.EnqueueKernel(KernelGemm, 0, g, l, c, a, b, 2, 2, 3, false, false, 1.0, 0.0); err != nil {
			t.Fatal(err)
		}
		got := download(t, c)
		want := []float64{58, 139, 64, 154}
		for i := range want {
			if math.Abs(got[i]-want[i]) > 1e-12 {
				t.Errorf("C[%d] = %v, want %v", i, got[i], want[i])
			}
		}
	})

	t.Run("SumColumns", func(t *testing.T) {
		a := upload(t, d, []float64{1, 2, 3, 4, 5, 6})
		out := upload(t, d, make([]float64, 3))
		g, l := ColumnRange(3)
		if err := d.EnqueueKernel(KernelSumColumns, 0, g, l, out, a, 2); err != nil {
			t.Fatal(err)
		}
		got := download(t, out)
		for i, want := range []float64{3, 7, 11} {
			if got[i] != want {
				t.Errorf("sum[%d] = %v, want %v", i, got[i], want)
			}
		}
	})

	t.Run("InvalidWorkGroup", func(t *testing.T) {
		err := d.EnqueueKernel(KernelCopy, 0, NDRange{X: 3, Y: 5}, NDRange{X: 2, Y: 5})
		var be *BackendError
		if !errors.As(err, &be) || be.Code != InvalidGlobalWorkSize {
			t.Errorf("err = %v, want InvalidGlobalWorkSize", err)
		}
	})

	t.Run("BadArguments", func(t *testing.T) {
		d := newTestDevice(t, Config{})
		g, l := ColumnRange(1)
		if err := d.EnqueueKernel(KernelRelu, 0, g, l, "not a buffer", 1); err != nil {
			t.Fatal(err)
		}
		var be *BackendError
		if err := d.Synchronize(); !errors.As(err, &be) || be.Code != InvalidKernelArgs {
			t.Errorf("Synchronize = %v, want InvalidKernelArgs", err)
		}
	})

	t.Run("PanicBecomesBackendError", func(t *testing.T) {
		testPlatforms()
		d := newTestDevice(t, Config{Platform: "panicking"})
		a := upload(t, d, []float64{1, 2})
		before := testutil.ToFloat64(backendErrors.WithLabelValues(KernelExecutionFailure.String()))
		g, l := ColumnRange(1)
		if err := d.EnqueueKernel(KernelHadamard, 0, g, l, a, a, 2); err != nil {
			t.Fatal(err)
		}
		var be *BackendError
		if err := d.Synchronize(); !errors.As(err, &be) || be.Code != KernelExecutionFailure {
			t.Fatalf("Synchronize = %v, want KernelExecutionFailure", err)
		}
		after := testutil.ToFloat64(backendErrors.WithLabelValues(KernelExecutionFailure.String()))
		if after-before != 1 {
			t.Errorf("backend error counter moved by %v, want 1", after-before)
		}
	})
}

func TestScratchPool(t *testing.T) {
	d := newTestDevice(t, Config{})
	hits := testutil.ToFloat64(scratchHits)

	a, err := d.Scratch(5)
	if err != nil {
		t.Fatal(err)
	}
	if a.Size() != 5 {
		t.Fatalf("size = %d, want 5", a.Size())
	}
	d.Recycle(a)

	b, err := d.Scratch(7)
	if err != nil {
		t.Fatal(err)
	}
	if b.mem != a.mem {
		t.Error("scratch buffer of the same bucket was not reused")
	}
	if got := testutil.ToFloat64(scratchHits) - hits; got != 1 {
		t.Errorf("pool hits = %v, want 1", got)
	}
}

func TestRandomStates(t *testing.T) {
	r := newRandomStates(42)
	r.Reserve(10)
	r.Reserve(4)
	if r.Len() != 10 {
		t.Fatalf("Len = %d, want 10 (pool must never shrink)", r.Len())
	}

	var first []float64
	r.Uniform(0, 10, func(_ int, u float64) {
		if u < 0 || u >= 1 {
			t.Errorf("uniform draw %v out of [0,1)", u)
		}
		first = append(first, u)
	})

	again := newRandomStates(42)
	again.Reserve(10)
	again.Uniform(0, 10, func(i int, u float64) {
		if u != first[i] {
			t.Errorf("draw %d not reproducible: %v vs %v", i, u, first[i])
		}
	})
}

func TestRandomStatesPerStream(t *testing.T) {
	dev, err := New(Config{Streams: 3, Workers: 2, Seed: 7})
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	if dev.Random(0) == dev.Random(1) {
		t.Fatal("streams 0 and 1 share a random state pool")
	}
	if dev.Random(4) != dev.Random(1) {
		t.Error("stream index is not wrapped onto the available streams")
	}

	dev.Random(0).Reserve(8)
	dev.Random(1).Reserve(8)
	var a, b []float64
	dev.Random(0).Uniform(0, 8, func(_ int, u float64) { a = append(a, u) })
	dev.Random(1).Uniform(0, 8, func(_ int, u float64) { b = append(b, u) })
	same := 0
	for i := range a {
		if a[i] == b[i] {
			same++
		}
	}
	if same == len(a) {
		t.Error("streams draw identical dropout masks")
	}
}
