package tensor

import (
	"fmt"

	"github.com/23skdu/longbow-trainer/internal/device"
)

// LossFunction selects the training objective.
type LossFunction int

const (
	MeanSquaredErrorLoss LossFunction = iota
	CrossEntropyLoss
)

func (f LossFunction) String() string {
	switch f {
	case MeanSquaredErrorLoss:
		return "mse"
	case CrossEntropyLoss:
		return "crossentropy"
	}
	return fmt.Sprintf("LossFunction(%d)", int(f))
}

// ParseLoss maps "mse" or "crossentropy" to its loss function.
func ParseLoss(name string) (LossFunction, error) {
	switch name {
	case "mse":
		return MeanSquaredErrorLoss, nil
	case "crossentropy", "ce":
		return CrossEntropyLoss, nil
	}
	return 0, fmt.Errorf("tensor: unknown loss function %q", name)
}

func lossValue(op string, id device.KernelID, y, output *Matrix) (float64, error) {
	if err := checkShape(op, "output", output, y.rows, y.cols); err != nil {
		return 0, err
	}
	sum, err := reduce(op, id, y, y.cols, func(tmp *device.DeviceBuffer) []any {
		return []any{tmp, y.buf, output.buf, y.rows}
	}, output)
	if err != nil || y.Size() == 0 {
		return 0, err
	}
	return sum / float64(y.Size()), nil
}

func lossGradients(op string, id device.KernelID, dy, y, output *Matrix) error {
	if err := checkShape(op, "output", output, y.rows, y.cols); err != nil {
		return err
	}
	if err := checkShape(op, "dY", dy, y.rows, y.cols); err != nil {
		return err
	}
	stream, err := prepare(y, output, dy)
	if err != nil {
		return err
	}
	norm := 0.0
	if n := y.Size(); n > 0 {
		norm = 1 / float64(n)
	}
	g, l := device.ColumnRange(y.cols)
	if err := y.Device().EnqueueKernel(id, stream, g, l, dy.buf, y.buf, output.buf, y.rows, norm); err != nil {
		return fmt.Errorf("tensor: %s: %w", op, err)
	}
	return nil
}

// MeanSquaredError returns Σ(Y - output)² / (rows * cols).
func MeanSquaredError(y, output *Matrix) (float64, error) {
	return lossValue("MeanSquaredError", device.KernelSquaredErrorColumns, y, output)
}

// MeanSquaredErrorGradients writes 2(output - Y) / (rows * cols) into dY.
func MeanSquaredErrorGradients(dy, y, output *Matrix) error {
	return lossGradients("MeanSquaredErrorGradients", device.KernelMeanSquaredErrorGradients, dy, y, output)
}

// CrossEntropy returns the binary cross entropy of sigmoid(output) against
// Y, normalized by rows * cols.
func CrossEntropy(y, output *Matrix) (float64, error) {
	return lossValue("CrossEntropy", device.KernelCrossEntropyColumns, y, output)
}

// CrossEntropyGradients writes (sigmoid(output) - Y) / (rows * cols) into dY.
func CrossEntropyGradients(dy, y, output *Matrix) error {
	return lossGradients("CrossEntropyGradients", device.KernelCrossEntropyGradients, dy, y, output)
}

// EvaluateLoss dispatches to the loss selected by f.
func EvaluateLoss(f LossFunction, y, output *Matrix) (float64, error) {
	switch f {
	case MeanSquaredErrorLoss:
		return MeanSquaredError(y, output)
	case CrossEntropyLoss:
		return CrossEntropy(y, output)
	}
	return 0, fmt.Errorf("tensor: EvaluateLoss: unknown loss %v", f)
}

// EvaluateLossGradients dispatches to the gradient of the loss selected by f.
func EvaluateLossGradients(f LossFunction, dy, y, output *Matrix) error {
	switch f {
	case MeanSquaredErrorLoss:
		return MeanSquaredErrorGradients(dy, y, output)
	case CrossEntropyLoss:
		return CrossEntropyGradients(dy, y, output)
	}
	return fmt.Errorf("tensor: EvaluateLossGradients: unknown loss %v", f)
}
