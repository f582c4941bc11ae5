package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-trainer/internal/config"
	"github.com/23skdu/longbow-trainer/internal/device"
	"github.com/23skdu/longbow-trainer/internal/loader"
	"github.com/23skdu/longbow-trainer/internal/minimizer"
	"github.com/23skdu/longbow-trainer/internal/network"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// Run states reported by /status.
const (
	StatePending  = "pending"
	StateTraining = "training"
	StateDone     = "done"
	StateFailed   = "failed"
)

var errNotTrained = errors.New("model is not trained")

// Report summarizes a training run. It is served as CBOR and written to the
// -report file.
type Report struct {
	State         string            `cbor:"state"`
	Device        string            `cbor:"device"`
	Layers        []int             `cbor:"layers"`
	Activation    string            `cbor:"activation"`
	Loss          string            `cbor:"loss"`
	LearningRate  float64           `cbor:"learning_rate"`
	Momentum      float64           `cbor:"momentum"`
	BatchSize     int               `cbor:"batch_size"`
	TrainSamples  int               `cbor:"train_samples"`
	TestSamples   int               `cbor:"test_samples"`
	Epochs        int               `cbor:"epochs"`
	MinimumError  float64           `cbor:"minimum_error"`
	History       []minimizer.Point `cbor:"history"`
	ElapsedMillis int64             `cbor:"elapsed_ms"`
	Error         string            `cbor:"error,omitempty"`
}

// run owns the device, network and minimizer of one training job.
type run struct {
	cfg config.Training
	dev *device.Device
	net *network.Net
	gd  *minimizer.GradientDescent[*network.Net, *network.Layer]

	mu     sync.RWMutex
	report Report
}

func newRun(cfg config.Training, inputWidth, outputWidth int) (*run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if last := cfg.Layers[len(cfg.Layers)-1]; last != outputWidth {
		return nil, fmt.Errorf("output layer width %d does not match %d target columns", last, outputWidth)
	}

	dev, err := device.NewContext(cfg.Device()).Device()
	if err != nil {
		return nil, err
	}

	net, err := buildNet(cfg, dev, inputWidth)
	if err != nil {
		dev.Close()
		return nil, err
	}
	gd, err := minimizer.New[*network.Net, *network.Layer](cfg.Minimizer())
	if err != nil {
		dev.Close()
		return nil, err
	}

	return &run{
		cfg: cfg,
		dev: dev,
		net: net,
		gd:  gd,
		report: Report{
			State:        StatePending,
			Device:       dev.Name(),
			Layers:       cfg.Layers,
			Activation:   cfg.Activation,
			Loss:         cfg.Loss,
			LearningRate: cfg.LearningRate,
			Momentum:     cfg.Momentum,
			BatchSize:    cfg.BatchSize,
		},
	}, nil
}

func buildNet(cfg config.Training, dev *device.Device, inputWidth int) (*network.Net, error) {
	f, _ := tensor.ParseActivation(cfg.Activation)
	loss, _ := tensor.ParseLoss(cfg.Loss)
	reg, _ := tensor.ParseRegularization(cfg.Regularization)
	weightInit, _ := tensor.ParseInitialization(cfg.Initialization)

	net, err := network.New(dev, cfg.BatchSize, inputWidth, loss, reg, cfg.WeightDecay)
	if err != nil {
		return nil, err
	}
	for i, width := range cfg.Layers {
		act := f
		if i == len(cfg.Layers)-1 {
			act = tensor.Identity
		}
		if err := net.AddLayer(width, act, cfg.KeepProb); err != nil {
			return nil, err
		}
	}
	if err := net.Initialize(weightInit, rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)); err != nil {
		return nil, err
	}
	return net, nil
}

// Train runs the minimizer and records the outcome in the report.
func (r *run) Train(ctx context.Context, train, test loader.Source) error {
	r.mu.Lock()
	r.report.State = StateTraining
	r.report.TrainSamples = train.Len()
	r.report.TestSamples = test.Len()
	r.mu.Unlock()

	start := time.Now()
	minErr, err := r.gd.Train(ctx, train, test, r.net)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Epochs = r.gd.StepCount()
	r.report.MinimumError = minErr
	r.report.History = r.gd.History()
	r.report.ElapsedMillis = time.Since(start).Milliseconds()
	if err != nil {
		r.report.State = StateFailed
		r.report.Error = err.Error()
		return err
	}
	r.report.State = StateDone
	return nil
}

// Report returns a snapshot of the run report.
func (r *run) Report() Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep := r.report
	rep.History = append([]minimizer.Point(nil), r.report.History...)
	return rep
}

// Predict evaluates the trained network on the rows of x.
func (r *run) Predict(ctx context.Context, x *mat.Dense) (*mat.Dense, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.report.State != StateDone {
		return nil, errNotTrained
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, cols := x.Dims()
	if cols != r.net.InputWidth() {
		return nil, fmt.Errorf("%d feature columns, want %d", cols, r.net.InputWidth())
	}
	net, err := r.net.Clone(rows)
	if err != nil {
		return nil, err
	}
	defer net.Free()
	input, err := tensor.FromDense(r.dev, x)
	if err != nil {
		return nil, err
	}
	defer input.Free()
	if err := net.Forward(input, false); err != nil {
		return nil, err
	}
	return net.Output().Dense()
}

func (r *run) Close() {
	if err := r.dev.Synchronize(); err != nil {
		log.Warn().Err(err).Msg("Device reported errors at shutdown")
	}
	r.dev.Close()
}
