// Package minimizer trains any network exposing layers of weight and bias
// matrices with mini-batch gradient descent.
package minimizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-trainer/internal/loader"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// Layer is the parameter view of one network layer.
type Layer interface {
	Weights() *tensor.Matrix
	Biases() *tensor.Matrix
	WeightGradients() *tensor.Matrix
	BiasGradients() *tensor.Matrix
}

// Net is a network that can be trained. Clone must return a network of the
// same type that shares weights and biases with the receiver; Free on a
// clone releases only the clone's own buffers.
type Net[L Layer, N any] interface {
	Forward(input *tensor.Matrix, applyDropout bool) error
	Backward(input, output *tensor.Matrix) error
	Loss(input, output *tensor.Matrix, includeRegularization bool) (float64, error)
	Depth() int
	Layer(i int) L
	Clone(batchSize int) (N, error)
	Free() error
	BatchSize() int
	InputWidth() int
	OutputWidth() int
}

// Options configures a GradientDescent minimizer.
type Options struct {
	LearningRate float64
	// Momentum is the velocity decay μ. Zero gives plain gradient descent.
	Momentum float64
	// ConvergenceSteps is the number of epochs without a 0.1% improvement
	// of the test error after which training stops.
	ConvergenceSteps int
	// TestInterval is the number of epochs between test evaluations.
	TestInterval int
	// MaxEpochs bounds the run; 0 means until convergence.
	MaxEpochs int

	DataStreams    int
	ComputeStreams int
	Shuffle        bool
	Seed           uint64
}

// DefaultOptions returns the settings used by the trainer command.
func DefaultOptions() Options {
	return Options{
		LearningRate:     0.001,
		ConvergenceSteps: 100,
		TestInterval:     7,
		DataStreams:      5,
		ComputeStreams:   1,
	}
}

func (o Options) validate() error {
	switch {
	case o.LearningRate <= 0:
		return fmt.Errorf("minimizer: learning rate %v must be positive", o.LearningRate)
	case o.Momentum < 0 || o.Momentum >= 1:
		return fmt.Errorf("minimizer: momentum %v outside [0, 1)", o.Momentum)
	case o.ConvergenceSteps <= 0:
		return fmt.Errorf("minimizer: convergence steps %d must be positive", o.ConvergenceSteps)
	case o.TestInterval <= 0:
		return fmt.Errorf("minimizer: test interval %d must be positive", o.TestInterval)
	case o.MaxEpochs < 0:
		return fmt.Errorf("minimizer: max epochs %d is negative", o.MaxEpochs)
	}
	return nil
}

// Point is one test evaluation of a training run.
type Point struct {
	Epoch     int     `cbor:"epoch"`
	TestError float64 `cbor:"test_error"`
}

const initialMinimumError = 1e100

// GradientDescent minimizes the loss of networks of type N.
//
// A minimizer is not safe for concurrent use.
type GradientDescent[N Net[L, N], L Layer] struct {
	opts Options

	stepCount        int
	convergenceCount int
	trainingError    float64
	testError        float64
	minimumError     float64
	history          []Point

	velocity map[*tensor.Matrix]*tensor.Matrix
}

// New returns a minimizer for networks of type N with layers of type L.
func New[N Net[L, N], L Layer](opts Options) (*GradientDescent[N, L], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	m := &GradientDescent[N, L]{opts: opts}
	m.Reset()
	return m, nil
}

// Reset clears the convergence state and the loss history.
func (m *GradientDescent[N, L]) Reset() {
	m.stepCount = 0
	m.convergenceCount = 0
	m.trainingError = 0
	m.testError = 0
	m.minimumError = initialMinimumError
	m.history = nil
	m.velocity = make(map[*tensor.Matrix]*tensor.Matrix)
}

func (m *GradientDescent[N, L]) Options() Options { return m.opts }
func (m *GradientDescent[N, L]) StepCount() int { return m.stepCount }
func (m *GradientDescent[N, L]) TrainingError() float64 { return m.trainingError }
func (m *GradientDescent[N, L]) LastTestError() float64 { return m.testError }
func (m *GradientDescent[N, L]) MinimumError() float64 { return m.minimumError }

// History returns the test evaluations of the last Train call.
func (m *GradientDescent[N, L]) History() []Point {
	return append([]Point(nil), m.history...)
}

// SetTestError records a test error for the next HasConverged call.
func (m *GradientDescent[N, L]) SetTestError(e float64) {
	m.testError = e
	testErrorGauge.Set(e)
}

// HasConverged reports whether the test error failed to improve on the
// best one by at least 0.1% for ConvergenceSteps epochs.
func (m *GradientDescent[N, L]) HasConverged() bool {
	if m.testError < m.minimumError*0.999 {
		m.convergenceCount = 0
		m.minimumError = m.testError
		minimumErrorGauge.Set(m.minimumError)
	} else {
		m.convergenceCount += m.opts.TestInterval
	}
	return m.convergenceCount >= m.opts.ConvergenceSteps
}

// update moves param against grad. With momentum the velocity v of param
// is advanced to μv + grad first and param moves against v.
func (m *GradientDescent[N, L]) update(param, grad *tensor.Matrix) error {
	if m.opts.Momentum == 0 {
		return tensor.ScaleAdd(param, grad, -m.opts.LearningRate)
	}
	v, ok := m.velocity[param]
	if !ok {
		var err error
		if v, err = tensor.New(param.Device(), param.Rows(), param.Cols()); err != nil {
			return err
		}
		m.velocity[param] = v
	}
	if err := tensor.ScaleAdd(v, v, m.opts.Momentum-1); err != nil {
		return err
	}
	if err := tensor.ScaleAdd(v, grad, 1); err != nil {
		return err
	}
	return tensor.ScaleAdd(param, v, -m.opts.LearningRate)
}

func (m *GradientDescent[N, L]) apply(net N, allBiases bool) error {
	for i := 0; i < net.Depth(); i++ {
		layer := net.Layer(i)
		if err := m.update(layer.Weights(), layer.WeightGradients()); err != nil {
			return fmt.Errorf("minimizer: layer %d weights: %w", i, err)
		}
		if allBiases || i == 0 {
			if err := m.update(layer.Biases(), layer.BiasGradients()); err != nil {
				return fmt.Errorf("minimizer: layer %d biases: %w", i, err)
			}
		}
	}
	stepsTotal.Inc()
	return nil
}

// Step performs one gradient step on a batch: a forward pass with dropout,
// back propagation and an update of every weight and bias.
func (m *GradientDescent[N, L]) Step(net N, input, output *tensor.Matrix) error {
	if err := net.Forward(input, true); err != nil {
		return err
	}
	if err := net.Backward(input, output); err != nil {
		return err
	}
	return m.apply(net, true)
}

// StepReducedWeights is Step with the bias update limited to the first
// layer.
func (m *GradientDescent[N, L]) StepReducedWeights(net N, input, output *tensor.Matrix) error {
	if err := net.Forward(input, true); err != nil {
		return err
	}
	if err := net.Backward(input, output); err != nil {
		return err
	}
	return m.apply(net, false)
}

// StepLoss is Step with the forward pass replaced by a loss evaluation.
// It returns the loss before the update and records it as training error.
func (m *GradientDescent[N, L]) StepLoss(net N, input, output *tensor.Matrix) (float64, error) {
	return m.stepLoss(net, input, output, true)
}

// StepReducedWeightsLoss is StepReducedWeights with the forward pass
// replaced by a loss evaluation.
func (m *GradientDescent[N, L]) StepReducedWeightsLoss(net N, input, output *tensor.Matrix) (float64, error) {
	return m.stepLoss(net, input, output, false)
}

func (m *GradientDescent[N, L]) stepLoss(net N, input, output *tensor.Matrix, allBiases bool) (float64, error) {
	loss, err := net.Loss(input, output, true)
	if err != nil {
		return 0, err
	}
	m.trainingError = loss
	if err := net.Backward(input, output); err != nil {
		return 0, err
	}
	return loss, m.apply(net, allBiases)
}

// TestError returns the loss of net on a batch without regularization and
// without dropout.
func (m *GradientDescent[N, L]) TestError(net N, input, output *tensor.Matrix) (float64, error) {
	return net.Loss(input, output, false)
}

// Train runs epochs over train until the test error on test converges,
// MaxEpochs is reached, ctx is done or a step fails. It returns the
// minimum test error observed.
func (m *GradientDescent[N, L]) Train(ctx context.Context, train, test loader.Source, net N) (float64, error) {
	ctx, span := tracer.Start(ctx, "minimizer.Train", trace.WithAttributes(
		attribute.Int("train_samples", train.Len()),
		attribute.Int("test_samples", test.Len()),
		attribute.Int("batch_size", net.BatchSize()),
		attribute.Float64("learning_rate", m.opts.LearningRate),
	))
	defer span.End()

	minErr, err := m.train(ctx, train, test, net)
	span.SetAttributes(
		attribute.Int("epochs", m.stepCount),
		attribute.Float64("minimum_error", minErr),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Int("epoch", m.stepCount).Msg("Training aborted")
	}
	return minErr, err
}

func (m *GradientDescent[N, L]) train(ctx context.Context, train, test loader.Source, net N) (float64, error) {
	if net.Depth() == 0 {
		return 0, errors.New("minimizer: network has no layers")
	}
	dev := net.Layer(0).Weights().Device()

	trainLoader, err := loader.New(dev, train, loader.Options{
		BatchSize:      net.BatchSize(),
		DataStreams:    m.opts.DataStreams,
		ComputeStreams: m.opts.ComputeStreams,
		Shuffle:        m.opts.Shuffle,
		Seed:           m.opts.Seed,
	})
	if err != nil {
		return 0, fmt.Errorf("minimizer: training loader: %w", err)
	}
	defer trainLoader.Close()

	testLoader, err := loader.New(dev, test, loader.Options{
		BatchSize:      test.Len(),
		DataStreams:    1,
		ComputeStreams: 1,
	})
	if err != nil {
		return 0, fmt.Errorf("minimizer: test loader: %w", err)
	}
	defer testLoader.Close()

	testNet, err := net.Clone(test.Len())
	if err != nil {
		return 0, fmt.Errorf("minimizer: test network: %w", err)
	}
	defer testNet.Free()

	m.Reset()
	log.Info().
		Int("train_samples", train.Len()).
		Int("test_samples", test.Len()).
		Int("batches_per_epoch", trainLoader.NBatchesInEpoch()).
		Float64("learning_rate", m.opts.LearningRate).
		Float64("momentum", m.opts.Momentum).
		Msg("Training started")

	start := time.Now()
	for epoch := 0; m.opts.MaxEpochs == 0 || epoch < m.opts.MaxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return m.minimumError, err
		}
		for b, err := range trainLoader.Batches(ctx) {
			if err != nil {
				return m.minimumError, err
			}
			if err := m.stepBatch(net, b); err != nil {
				return m.minimumError, err
			}
		}
		epochsTotal.Inc()

		if m.stepCount%m.opts.TestInterval == 0 {
			testErr, err := m.evaluate(ctx, testLoader, testNet)
			if err != nil {
				return m.minimumError, err
			}
			m.SetTestError(testErr)
			m.history = append(m.history, Point{Epoch: epoch, TestError: testErr})
			converged := m.HasConverged()
			log.Debug().
				Int("epoch", epoch).
				Float64("test_error", testErr).
				Float64("minimum_error", m.minimumError).
				Int("convergence_count", m.convergenceCount).
				Msg("Test evaluation")
			if converged {
				m.stepCount++
				break
			}
		}
		m.stepCount++
	}

	trainDuration.Observe(time.Since(start).Seconds())
	log.Info().
		Int("epochs", m.stepCount).
		Float64("minimum_error", m.minimumError).
		Dur("elapsed", time.Since(start)).
		Msg("Training finished")
	return m.minimumError, nil
}

func (m *GradientDescent[N, L]) stepBatch(net N, b *loader.Batch) error {
	input, err := b.Input()
	if err != nil {
		return err
	}
	output, err := b.Output()
	if err != nil {
		return err
	}
	return m.Step(net, input, output)
}

func (m *GradientDescent[N, L]) evaluate(ctx context.Context, l *loader.Loader, net N) (float64, error) {
	_, span := tracer.Start(ctx, "minimizer.TestError")
	defer span.End()

	b, err := l.GetBatch(ctx)
	if err != nil {
		return 0, err
	}
	defer b.Release()
	input, err := b.Input()
	if err != nil {
		return 0, err
	}
	output, err := b.Output()
	if err != nil {
		return 0, err
	}
	loss, err := m.TestError(net, input, output)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Float64("test_error", loss))
	return loss, nil
}

var tracer = otel.Tracer("longbow-trainer-minimizer")
