package tensor

import (
	"fmt"

	"github.com/23skdu/longbow-trainer/internal/device"
)

// Regularization selects the weight penalty.
type Regularization int

const (
	NoRegularization Regularization = iota
	L1
	L2
)

func (r Regularization) String() string {
	switch r {
	case NoRegularization:
		return "none"
	case L1:
		return "l1"
	case L2:
		return "l2"
	}
	return fmt.Sprintf("Regularization(%d)", int(r))
}

// ParseRegularization maps "none", "l1" or "l2" to its penalty.
func ParseRegularization(name string) (Regularization, error) {
	switch name {
	case "", "none":
		return NoRegularization, nil
	case "l1", "L1":
		return L1, nil
	case "l2", "L2":
		return L2, nil
	}
	return 0, fmt.Errorf("tensor: unknown regularization %q", name)
}

// L1Regularization returns Σ|W|.
func L1Regularization(w *Matrix) (float64, error) {
	return reduce("L1Regularization", device.KernelL1RegularizationColumns, w, w.cols, func(tmp *device.DeviceBuffer) []any {
		return []any{tmp, w.buf, w.rows}
	})
}

// L2Regularization returns ΣW².
func L2Regularization(w *Matrix) (float64, error) {
	return reduce("L2Regularization", device.KernelL2RegularizationColumns, w, w.cols, func(tmp *device.DeviceBuffer) []any {
		return []any{tmp, w.buf, w.rows}
	})
}

// AddL1RegularizationGradients computes A += decay * sign(W), with sign(0) = 1.
func AddL1RegularizationGradients(a, w *Matrix, decay float64) error {
	if err := checkShape("AddL1RegularizationGradients", "A", a, w.rows, w.cols); err != nil {
		return err
	}
	return columnOp("AddL1RegularizationGradients", device.KernelAddL1RegularizationGradients, a, w, a.buf, w.buf, w.rows, decay)
}

// AddL2RegularizationGradients computes A += 2 * decay * W.
func AddL2RegularizationGradients(a, w *Matrix, decay float64) error {
	if err := checkShape("AddL2RegularizationGradients", "A", a, w.rows, w.cols); err != nil {
		return err
	}
	return columnOp("AddL2RegularizationGradients", device.KernelAddL2RegularizationGradients, a, w, a.buf, w.buf, w.rows, decay)
}

// Regularize returns the penalty r of W. It is zero for NoRegularization.
func Regularize(r Regularization, w *Matrix) (float64, error) {
	switch r {
	case NoRegularization:
		return 0, nil
	case L1:
		return L1Regularization(w)
	case L2:
		return L2Regularization(w)
	}
	return 0, fmt.Errorf("tensor: Regularize: unknown regularization %v", r)
}

// AddRegularizationGradients adds the gradient of penalty r to A.
func AddRegularizationGradients(r Regularization, a, w *Matrix, decay float64) error {
	switch r {
	case NoRegularization:
		return nil
	case L1:
		return AddL1RegularizationGradients(a, w, decay)
	case L2:
		return AddL2RegularizationGradients(a, w, decay)
	}
	return fmt.Errorf("tensor: AddRegularizationGradients: unknown regularization %v", r)
}
