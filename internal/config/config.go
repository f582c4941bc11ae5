// Package config holds the settings of a training run.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-trainer/internal/device"
	"github.com/23skdu/longbow-trainer/internal/minimizer"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// Training describes the network, the minimizer and the device of a run.
type Training struct {
	// Network. Activation applies to every layer but the last, which is
	// linear.
	Layers         []int
	Activation     string
	Loss           string
	Regularization string
	WeightDecay    float64
	Initialization string
	// KeepProb is the dropout keep probability of every layer input.
	KeepProb float64

	// Minimizer
	LearningRate     float64
	Momentum         float64
	BatchSize        int
	ConvergenceSteps int
	TestInterval     int
	MaxEpochs        int
	Shuffle          bool
	Seed             uint64

	// Loader
	DataStreams    int
	ComputeStreams int

	// Device
	Platform      string
	DeviceStreams int
	Workers       int
	MemoryLimit   int64
}

// Default returns the settings of a small regression run.
func Default() Training {
	opts := minimizer.DefaultOptions()
	return Training{
		Layers:           []int{16, 1},
		Activation:       tensor.Tanh.String(),
		Loss:             tensor.MeanSquaredErrorLoss.String(),
		Regularization:   tensor.NoRegularization.String(),
		Initialization:   tensor.InitGauss.String(),
		KeepProb:         1,
		LearningRate:     opts.LearningRate,
		BatchSize:        32,
		ConvergenceSteps: opts.ConvergenceSteps,
		TestInterval:     opts.TestInterval,
		Shuffle:          true,
		Seed:             1,
		DataStreams:      opts.DataStreams,
		ComputeStreams:   opts.ComputeStreams,
		Platform:         device.HostPlatformName,
		DeviceStreams:    opts.DataStreams + opts.ComputeStreams,
		Workers:          runtime.NumCPU(),
	}
}

// Validate reports every invalid setting.
func (t Training) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(len(t.Layers) > 0, "at least one layer is required")
	for i, w := range t.Layers {
		check(w > 0, "layer %d width %d must be positive", i, w)
	}
	_, err := tensor.ParseActivation(t.Activation)
	check(err == nil, "activation: %v", err)
	_, err = tensor.ParseLoss(t.Loss)
	check(err == nil, "loss: %v", err)
	_, err = tensor.ParseRegularization(t.Regularization)
	check(err == nil, "regularization: %v", err)
	_, err = tensor.ParseInitialization(t.Initialization)
	check(err == nil, "initialization: %v", err)
	check(t.WeightDecay >= 0, "weight decay %v is negative", t.WeightDecay)
	check(t.KeepProb > 0 && t.KeepProb <= 1, "dropout keep probability %v outside (0, 1]", t.KeepProb)

	check(t.LearningRate > 0, "learning rate %v must be positive", t.LearningRate)
	check(t.Momentum >= 0 && t.Momentum < 1, "momentum %v outside [0, 1)", t.Momentum)
	check(t.BatchSize > 0, "batch size %d must be positive", t.BatchSize)
	check(t.ConvergenceSteps > 0, "convergence steps %d must be positive", t.ConvergenceSteps)
	check(t.TestInterval > 0, "test interval %d must be positive", t.TestInterval)
	check(t.MaxEpochs >= 0, "max epochs %d is negative", t.MaxEpochs)

	check(t.DataStreams > 0, "data streams %d must be positive", t.DataStreams)
	check(t.ComputeStreams > 0, "compute streams %d must be positive", t.ComputeStreams)
	check(t.DeviceStreams >= t.DataStreams+t.ComputeStreams,
		"device streams %d cannot host %d data and %d compute streams", t.DeviceStreams, t.DataStreams, t.ComputeStreams)
	check(t.Workers >= 0, "workers %d is negative", t.Workers)
	check(t.MemoryLimit >= 0, "memory limit %d is negative", t.MemoryLimit)

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Device returns the device configuration.
func (t Training) Device() device.Config {
	return device.Config{
		Platform:    t.Platform,
		Streams:     t.DeviceStreams,
		Workers:     t.Workers,
		MemoryLimit: t.MemoryLimit,
		Seed:        t.Seed,
	}
}

// Minimizer returns the minimizer options.
func (t Training) Minimizer() minimizer.Options {
	return minimizer.Options{
		LearningRate:     t.LearningRate,
		Momentum:         t.Momentum,
		ConvergenceSteps: t.ConvergenceSteps,
		TestInterval:     t.TestInterval,
		MaxEpochs:        t.MaxEpochs,
		DataStreams:      t.DataStreams,
		ComputeStreams:   t.ComputeStreams,
		Shuffle:          t.Shuffle,
		Seed:             t.Seed,
	}
}

// ParseLayers parses a comma separated list of layer widths.
func ParseLayers(s string) ([]int, error) {
	var layers []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		w, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("config: layer width %q: %w", f, err)
		}
		layers = append(layers, w)
	}
	return layers, nil
}

// ParseBytes parses sizes such as 4GB, 512MB, 64K or a plain byte count.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	i := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	num, unit := s, ""
	if i >= 0 {
		num, unit = s[:i], strings.ToUpper(s[i:])
	}
	val, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: size %q: %w", s, err)
	}
	switch unit {
	case "GB", "G":
		return val << 30, nil
	case "MB", "M":
		return val << 20, nil
	case "KB", "K":
		return val << 10, nil
	case "", "B":
		return val, nil
	}
	return 0, fmt.Errorf("config: size %q: unknown unit %q", s, unit)
}
