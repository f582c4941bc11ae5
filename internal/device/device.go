package device

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config selects and sizes a compute device.
type Config struct {
	// Platform selects a registered platform by name. Empty selects the first.
	Platform string
	// DeviceIndex selects a device of the platform.
	DeviceIndex int
	// Streams is the number of independent compute streams.
	Streams int
	// Workers bounds the goroutines a host kernel fans out to.
	Workers int
	// MemoryLimit caps device buffer allocations in bytes. Zero is unlimited.
	MemoryLimit int64
	// Seed seeds the dropout random states.
	Seed uint64
}

// DefaultConfig returns the configuration used by the process-wide context:
// one compute stream plus five data streams on the first platform.
func DefaultConfig() Config {
	return Config{
		Streams: 6,
		Workers: runtime.NumCPU(),
		Seed:    1,
	}
}

func (c Config) withDefaults() Config {
	if c.Streams <= 0 {
		c.Streams = 1
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	return c
}

// Device is a compute context owning a set of in-order streams and the
// kernel table resolved from its platform's program.
type Device struct {
	cfg      Config
	platform string
	name     string
	program  string
	kernels  [numKernels]KernelFunc
	streams  []*Stream

	allocated atomic.Int64
	scratch   *scratchPool
	random    []*RandomStates

	closeOnce sync.Once
}

// New sets up a device. Failing to find a platform or to resolve any kernel
// of the catalog is fatal for the device and returned as a *BackendError.
func New(cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()

	platform, err := selectPlatform(cfg)
	if err != nil {
		return nil, err
	}
	devices := platform.Devices()
	if cfg.DeviceIndex < 0 || cfg.DeviceIndex >= len(devices) {
		return nil, newBackendError("select device", DeviceNotFound,
			fmt.Errorf("platform %q has %d devices, index %d requested", platform.Name(), len(devices), cfg.DeviceIndex))
	}

	program, err := platform.Program()
	if err != nil {
		return nil, newBackendError("build program", BuildProgramFailure, err)
	}

	d := &Device{
		cfg:      cfg,
		platform: platform.Name(),
		name:     devices[cfg.DeviceIndex],
		program:  program.Name(),
		scratch:  newScratchPool(),
	}
	for id := KernelID(0); id < numKernels; id++ {
		fn, ok := program.Kernel(kernelNames[id])
		if !ok || fn == nil {
			return nil, newBackendError("create kernel", InvalidKernelName,
				fmt.Errorf("program %q has no entry point %q", program.Name(), kernelNames[id]))
		}
		d.kernels[id] = fn
	}

	d.streams = make([]*Stream, cfg.Streams)
	d.random = make([]*RandomStates, cfg.Streams)
	for i := range d.streams {
		d.streams[i] = newStream(d, i)
		d.random[i] = newRandomStates(cfg.Seed + uint64(i)<<32)
	}

	log.Info().
		Str("platform", d.platform).
		Str("device", d.name).
		Str("program", d.program).
		Int("streams", cfg.Streams).
		Int("workers", cfg.Workers).
		Msg("Compute device ready")
	return d, nil
}

func selectPlatform(cfg Config) (Platform, error) {
	all := Platforms()
	if len(all) == 0 {
		return nil, newBackendError("get platforms", InvalidPlatform, ErrNoPlatform)
	}
	if cfg.Platform == "" {
		return all[0], nil
	}
	for _, p := range all {
		if p.Name() == cfg.Platform {
			return p, nil
		}
	}
	return nil, newBackendError("get platforms", InvalidPlatform, fmt.Errorf("platform %q not registered", cfg.Platform))
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Platform returns the name of the platform the device belongs to.
func (d *Device) Platform() string { return d.platform }

// NumStreams returns the number of compute streams.
func (d *Device) NumStreams() int { return len(d.streams) }

// Workers returns the host kernel parallelism.
func (d *Device) Workers() int { return d.cfg.Workers }

// Stream returns stream i, wrapping the index onto the available streams.
func (d *Device) Stream(i int) *Stream {
	if i < 0 {
		i = -i
	}
	return d.streams[i%len(d.streams)]
}

// Random returns the dropout random states of stream. Each stream owns its
// pool, so dropout launches on different streams never share states.
func (d *Device) Random(stream int) *RandomStates {
	return d.random[d.Stream(stream).ID()]
}

// Allocated returns the bytes currently held by device buffers.
func (d *Device) Allocated() int64 { return d.allocated.Load() }

// EnqueueKernel launches kernel id on stream with the given work partition.
// Launches are asynchronous; failures during execution become the stream's
// sticky error.
func (d *Device) EnqueueKernel(id KernelID, stream int, global, local NDRange, args ...any) error {
	if id < 0 || id >= numKernels {
		return d.HandleError(newBackendError("enqueue kernel", InvalidKernelName, fmt.Errorf("unknown kernel %d", int(id))))
	}
	if local.X <= 0 || local.Y <= 0 || global.X < 0 || global.Y < 0 {
		return d.HandleError(newBackendError("enqueue "+id.String(), InvalidWorkGroupSize, fmt.Errorf("global %v local %v", global, local)))
	}
	if global.X%local.X != 0 || global.Y%local.Y != 0 {
		return d.HandleError(newBackendError("enqueue "+id.String(), InvalidGlobalWorkSize, fmt.Errorf("global %v not a multiple of local %v", global, local)))
	}
	kernelLaunches.WithLabelValues(id.String()).Inc()

	fn := d.kernels[id]
	a := Args(args)
	return d.Stream(stream).Enqueue(id.String(), func() error {
		return d.execute(id, fn, global, local, a)
	})
}

// execute fans the work-groups of a launch out to the worker pool. Groups
// are partitioned into contiguous chunks, one chunk per worker.
func (d *Device) execute(id KernelID, fn KernelFunc, global, local NDRange, args Args) error {
	groupsX := global.X / local.X
	groupsY := global.Y / local.Y
	total := groupsX * groupsY
	if total == 0 {
		return nil
	}

	workers := d.cfg.Workers
	if workers > total {
		workers = total
	}
	chunk := (total + workers - 1) / workers

	var g errgroup.Group
	g.SetLimit(workers)
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > total {
			end = total
		}
		if start >= end {
			break
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = newBackendError(id.String(), KernelExecutionFailure, fmt.Errorf("panic: %v", r))
				}
			}()
			for n := start; n < end; n++ {
				grp := Group{X: n % groupsX, Y: n / groupsX, Local: local}
				if err := fn(grp, args); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if IsBackendError(err) {
			return err
		}
		return newBackendError(id.String(), KernelExecutionFailure, err)
	}
	return nil
}

// HandleError is the single funnel for backend failures: it logs the native
// status code, counts it and hands the error back to the caller.
func (d *Device) HandleError(err error) error {
	if err == nil {
		return nil
	}
	code := KernelExecutionFailure
	var be *BackendError
	if errors.As(err, &be) {
		code = be.Code
	}
	backendErrors.WithLabelValues(code.String()).Inc()
	log.Error().
		Err(err).
		Str("device", d.name).
		Str("code", code.String()).
		Int("native_code", int(code)).
		Msg("Backend error")
	return err
}

// Synchronize blocks until all streams are idle and returns their errors.
func (d *Device) Synchronize() error {
	var errs []error
	for _, s := range d.streams {
		if err := s.Synchronize(); err != nil {
			errs = append(errs, fmt.Errorf("stream %d: %w", s.id, err))
		}
	}
	return errors.Join(errs...)
}

// Close drains and stops all streams.
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		for _, s := range d.streams {
			s.close()
		}
	})
}

// Context owns the lazily created default device of a process.
type Context struct {
	cfg  Config
	once sync.Once
	dev  *Device
	err  error
}

// NewContext returns a context that creates its device on first use.
func NewContext(cfg Config) *Context {
	return &Context{cfg: cfg}
}

// Default is the process-wide context.
var Default = NewContext(DefaultConfig())

// Device returns the context's device, creating it on the first call. A
// setup failure is cached and returned on every call.
func (c *Context) Device() (*Device, error) {
	c.once.Do(func() {
		c.dev, c.err = New(c.cfg)
	})
	return c.dev, c.err
}
