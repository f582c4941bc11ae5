// Package network provides a dense feed-forward network built on the tensor
// operation set.
package network

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/23skdu/longbow-trainer/internal/device"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// Net is a stack of dense layers trained against one loss function.
type Net struct {
	dev         *device.Device
	batchSize   int
	inputWidth  int
	loss        tensor.LossFunction
	reg         tensor.Regularization
	weightDecay float64
	layers      []*Layer
	empty       *tensor.Matrix

	// shared is set on clones, which borrow weights and biases.
	shared bool
}

// New returns a network without layers.
func New(dev *device.Device, batchSize, inputWidth int, loss tensor.LossFunction, reg tensor.Regularization, weightDecay float64) (*Net, error) {
	if batchSize <= 0 || inputWidth <= 0 {
		return nil, fmt.Errorf("network: invalid batch size %d or input width %d", batchSize, inputWidth)
	}
	empty, err := tensor.New(dev, 0, 0)
	if err != nil {
		return nil, err
	}
	return &Net{
		dev:         dev,
		batchSize:   batchSize,
		inputWidth:  inputWidth,
		loss:        loss,
		reg:         reg,
		weightDecay: weightDecay,
		empty:       empty,
	}, nil
}

// AddLayer appends a layer of width units. keepProb is the dropout keep
// probability of the layer input; 1 disables dropout.
func (n *Net) AddLayer(width int, f tensor.ActivationFunction, keepProb float64) error {
	if width <= 0 {
		return fmt.Errorf("network: layer width %d", width)
	}
	if keepProb <= 0 || keepProb > 1 {
		return fmt.Errorf("network: dropout keep probability %v outside (0, 1]", keepProb)
	}
	in := n.inputWidth
	if len(n.layers) > 0 {
		in = n.layers[len(n.layers)-1].width
	}
	l, err := newLayer(n.dev, n.batchSize, in, width, f, keepProb)
	if err != nil {
		return err
	}
	n.layers = append(n.layers, l)
	return nil
}

// Initialize draws the weights of every layer and zeroes the biases.
func (n *Net) Initialize(init tensor.Initialization, src rand.Source) error {
	for _, l := range n.layers {
		if err := tensor.Initialize(l.weights, init, src); err != nil {
			return err
		}
		if err := tensor.InitializeZero(l.biases); err != nil {
			return err
		}
	}
	return nil
}

func (n *Net) Depth() int { return len(n.layers) }
func (n *Net) Layer(i int) *Layer { return n.layers[i] }
func (n *Net) BatchSize() int { return n.batchSize }
func (n *Net) InputWidth() int { return n.inputWidth }
func (n *Net) Device() *device.Device { return n.dev }

// OutputWidth returns the width of the last layer.
func (n *Net) OutputWidth() int {
	if len(n.layers) == 0 {
		return n.inputWidth
	}
	return n.layers[len(n.layers)-1].width
}

// Output returns the activations of the last layer.
func (n *Net) Output() *tensor.Matrix {
	return n.layers[len(n.layers)-1].output
}

// Forward propagates input through all layers.
func (n *Net) Forward(input *tensor.Matrix, applyDropout bool) error {
	if len(n.layers) == 0 {
		return fmt.Errorf("network: no layers")
	}
	x := input
	for _, l := range n.layers {
		if err := l.Forward(x, applyDropout); err != nil {
			return err
		}
		x = l.output
	}
	return nil
}

// Backward computes all parameter gradients for the last forward pass.
func (n *Net) Backward(input, output *tensor.Matrix) error {
	if len(n.layers) == 0 {
		return fmt.Errorf("network: no layers")
	}
	last := n.layers[len(n.layers)-1]
	if err := tensor.EvaluateLossGradients(n.loss, last.activationGradients, output, last.output); err != nil {
		return err
	}
	for i := len(n.layers) - 1; i > 0; i-- {
		prev := n.layers[i-1]
		if err := n.layers[i].Backward(prev.activationGradients, prev.output, n.reg, n.weightDecay); err != nil {
			return err
		}
	}
	return n.layers[0].Backward(n.empty, input, n.reg, n.weightDecay)
}

// Loss runs a forward pass without dropout and returns the loss against
// output, plus weightDecay times the weight penalty when requested.
func (n *Net) Loss(input, output *tensor.Matrix, includeRegularization bool) (float64, error) {
	if err := n.Forward(input, false); err != nil {
		return 0, err
	}
	loss, err := tensor.EvaluateLoss(n.loss, output, n.Output())
	if err != nil {
		return 0, err
	}
	if includeRegularization && n.reg != tensor.NoRegularization {
		for _, l := range n.layers {
			r, err := tensor.Regularize(n.reg, l.weights)
			if err != nil {
				return 0, err
			}
			loss += n.weightDecay * r
		}
	}
	return loss, nil
}

// Clone returns a network for a different batch size that shares weights
// and biases with n.
func (n *Net) Clone(batchSize int) (*Net, error) {
	c, err := New(n.dev, batchSize, n.inputWidth, n.loss, n.reg, n.weightDecay)
	if err != nil {
		return nil, err
	}
	c.shared = true
	for _, l := range n.layers {
		cl := &Layer{weights: l.weights, biases: l.biases}
		c.layers = append(c.layers, cl)
		if err := cl.allocate(n.dev, batchSize, l.inputWidth, l.width, l.f, l.keepProb); err != nil {
			c.Free()
			return nil, err
		}
	}
	return c, nil
}

// Free returns the device memory of the network once its pending work is
// done. A clone frees only its own buffers and leaves the shared weights
// and biases to the network it was cloned from.
func (n *Net) Free() error {
	errs := []error{n.empty.Free()}
	for _, l := range n.layers {
		errs = append(errs, l.free(!n.shared))
	}
	return errors.Join(errs...)
}
