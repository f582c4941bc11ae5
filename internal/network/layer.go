package network

import (
	"errors"

	"github.com/23skdu/longbow-trainer/internal/device"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// Layer is a fully connected layer computing f(x·Wᵀ + b) for a batch x.
// Weights are width x inputWidth, biases width x 1.
type Layer struct {
	batchSize  int
	inputWidth int
	width      int
	f          tensor.ActivationFunction
	keepProb   float64

	weights         *tensor.Matrix
	biases          *tensor.Matrix
	weightGradients *tensor.Matrix
	biasGradients   *tensor.Matrix

	output              *tensor.Matrix
	derivatives         *tensor.Matrix
	activationGradients *tensor.Matrix
}

func newLayer(dev *device.Device, batchSize, inputWidth, width int, f tensor.ActivationFunction, keepProb float64) (*Layer, error) {
	weights, err := tensor.New(dev, width, inputWidth)
	if err != nil {
		return nil, err
	}
	biases, err := tensor.New(dev, width, 1)
	if err != nil {
		return nil, err
	}
	l := &Layer{weights: weights, biases: biases}
	if err := l.allocate(dev, batchSize, inputWidth, width, f, keepProb); err != nil {
		return nil, err
	}
	return l, nil
}

// allocate creates the per-batch buffers and gradients of the layer.
func (l *Layer) allocate(dev *device.Device, batchSize, inputWidth, width int, f tensor.ActivationFunction, keepProb float64) error {
	l.batchSize, l.inputWidth, l.width, l.f, l.keepProb = batchSize, inputWidth, width, f, keepProb
	var err error
	for _, m := range []struct {
		dst        **tensor.Matrix
		rows, cols int
	}{
		{&l.weightGradients, width, inputWidth},
		{&l.biasGradients, width, 1},
		{&l.output, batchSize, width},
		{&l.derivatives, batchSize, width},
		{&l.activationGradients, batchSize, width},
	} {
		if *m.dst, err = tensor.New(dev, m.rows, m.cols); err != nil {
			return err
		}
	}
	return nil
}

// Forward computes the layer output for input. With applyDropout set and a
// keep probability below one, dropout is applied to input in place first.
func (l *Layer) Forward(input *tensor.Matrix, applyDropout bool) error {
	if applyDropout && l.keepProb != 1 {
		if err := tensor.Dropout(input, l.keepProb); err != nil {
			return err
		}
	}
	if err := tensor.MultiplyTranspose(l.output, input, l.weights); err != nil {
		return err
	}
	if err := tensor.AddRowWise(l.output, l.biases); err != nil {
		return err
	}
	if err := tensor.EvaluateDerivative(l.derivatives, l.f, l.output); err != nil {
		return err
	}
	return tensor.Evaluate(l.output, l.f)
}

// Backward computes the parameter gradients from the layer's activation
// gradients and writes the gradients with respect to its input into
// gradientsBackward, which may be empty for the first layer.
func (l *Layer) Backward(gradientsBackward, activationsBackward *tensor.Matrix, reg tensor.Regularization, weightDecay float64) error {
	if err := tensor.Backward(gradientsBackward, l.weightGradients, l.biasGradients,
		l.derivatives, l.activationGradients, l.weights, activationsBackward); err != nil {
		return err
	}
	return tensor.AddRegularizationGradients(reg, l.weightGradients, l.weights, weightDecay)
}

// free releases the per-batch buffers, and the parameters when params is
// set.
func (l *Layer) free(params bool) error {
	owned := []*tensor.Matrix{l.weightGradients, l.biasGradients, l.output, l.derivatives, l.activationGradients}
	if params {
		owned = append(owned, l.weights, l.biases)
	}
	var errs []error
	for _, m := range owned {
		if m != nil {
			errs = append(errs, m.Free())
		}
	}
	return errors.Join(errs...)
}

func (l *Layer) Width() int { return l.width }
func (l *Layer) InputWidth() int { return l.inputWidth }
func (l *Layer) Activation() tensor.ActivationFunction { return l.f }
func (l *Layer) Weights() *tensor.Matrix { return l.weights }
func (l *Layer) Biases() *tensor.Matrix { return l.biases }
func (l *Layer) WeightGradients() *tensor.Matrix { return l.weightGradients }
func (l *Layer) BiasGradients() *tensor.Matrix { return l.biasGradients }
func (l *Layer) Output() *tensor.Matrix { return l.output }
func (l *Layer) ActivationGradients() *tensor.Matrix { return l.activationGradients }
