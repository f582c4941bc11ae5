package device

import (
	"fmt"
)

// KernelID indexes the device kernel table.
type KernelID int

const (
	KernelHadamard KernelID = iota
	KernelSumColumns
	KernelSumVector
	KernelAddRowWise
	KernelCopy
	KernelScaleAdd
	KernelGemm

	KernelSquaredErrorColumns
	KernelMeanSquaredErrorGradients
	KernelCrossEntropyColumns
	KernelCrossEntropyGradients

	KernelIdentityDerivative
	KernelRelu
	KernelReluDerivative
	KernelSigmoid
	KernelSigmoidDerivative
	KernelTanh
	KernelTanhDerivative
	KernelSymmetricRelu
	KernelSymmetricReluDerivative
	KernelSoftSign
	KernelSoftSignDerivative
	KernelGauss
	KernelGaussDerivative

	KernelL1RegularizationColumns
	KernelAddL1RegularizationGradients
	KernelL2RegularizationColumns
	KernelAddL2RegularizationGradients

	KernelDropout

	numKernels
)

// kernelNames maps every catalog entry to the entry point it is resolved
// from in a Program. Lookup is by name so the table cannot drift from the
// enum ordering.
var kernelNames = [numKernels]string{
	KernelHadamard:                     "Hadamard",
	KernelSumColumns:                   "SumColumns",
	KernelSumVector:                    "SumVector",
	KernelAddRowWise:                   "AddRowWise",
	KernelCopy:                         "Copy",
	KernelScaleAdd:                     "ScaleAdd",
	KernelGemm:                         "Gemm",
	KernelSquaredErrorColumns:          "SquaredErrorColumns",
	KernelMeanSquaredErrorGradients:    "MeanSquaredErrorGradients",
	KernelCrossEntropyColumns:          "CrossEntropyColumns",
	KernelCrossEntropyGradients:        "CrossEntropyGradients",
	KernelIdentityDerivative:           "IdentityDerivative",
	KernelRelu:                         "Relu",
	KernelReluDerivative:               "ReluDerivative",
	KernelSigmoid:                      "Sigmoid",
	KernelSigmoidDerivative:            "SigmoidDerivative",
	KernelTanh:                         "Tanh",
	KernelTanhDerivative:               "TanhDerivative",
	KernelSymmetricRelu:                "SymmetricRelu",
	KernelSymmetricReluDerivative:      "SymmetricReluDerivative",
	KernelSoftSign:                     "SoftSign",
	KernelSoftSignDerivative:           "SoftSignDerivative",
	KernelGauss:                        "Gauss",
	KernelGaussDerivative:              "GaussDerivative",
	KernelL1RegularizationColumns:      "L1RegularizationColumns",
	KernelAddL1RegularizationGradients: "AddL1RegularizationGradients",
	KernelL2RegularizationColumns:      "L2RegularizationColumns",
	KernelAddL2RegularizationGradients: "AddL2RegularizationGradients",
	KernelDropout:                      "Dropout",
}

func (k KernelID) String() string {
	if k < 0 || k >= numKernels {
		return fmt.Sprintf("Kernel(%d)", int(k))
	}
	return kernelNames[k]
}

// KernelNames returns the entry point names a Program must provide.
func KernelNames() []string {
	names := make([]string, numKernels)
	copy(names, kernelNames[:])
	return names
}

// LocalSize is the number of work items in a work-group (a 16x16 tile).
const LocalSize = 16 * 16

// NDRange is a two dimensional work shape.
type NDRange struct {
	X, Y int
}

// ColumnRange returns the canonical partition for a kernel over n columns:
// one work-group per column, each work-group a 1 x LocalSize strip.
func ColumnRange(n int) (global, local NDRange) {
	return NDRange{X: n, Y: RoundUp(1, LocalSize)}, NDRange{X: 1, Y: LocalSize}
}

// SingleRange is the partition of kernels that run as one work-group.
func SingleRange() (global, local NDRange) {
	return NDRange{X: 1, Y: 1}, NDRange{X: 1, Y: 1}
}

// RoundUp rounds n up to a multiple of m.
func RoundUp(n, m int) int {
	if m <= 0 {
		return n
	}
	return ((n + m - 1) / m) * m
}

// Group identifies the work-group a kernel invocation runs for.
type Group struct {
	X, Y  int
	Local NDRange
}

// KernelFunc runs one work-group of a kernel. Implementations must bounds
// check against their arguments since global shapes are rounded up.
type KernelFunc func(g Group, args Args) error

// Program is a compiled kernel unit exposing named entry points.
type Program interface {
	Name() string
	Kernel(name string) (KernelFunc, bool)
}

// Args are the positional arguments of a kernel launch.
type Args []any

func (a Args) arg(i int) (any, error) {
	if i < 0 || i >= len(a) {
		return nil, newBackendError("set kernel arg", InvalidKernelArgs, fmt.Errorf("argument %d missing (have %d)", i, len(a)))
	}
	return a[i], nil
}

// Buffer returns argument i as the memory of a device buffer.
func (a Args) Buffer(i int) ([]float64, error) {
	v, err := a.arg(i)
	if err != nil {
		return nil, err
	}
	b, ok := v.(*DeviceBuffer)
	if !ok || b == nil {
		return nil, newBackendError("set kernel arg", InvalidKernelArgs, fmt.Errorf("argument %d: want *DeviceBuffer, got %T", i, v))
	}
	return b.view()
}

// Int returns argument i as an int.
func (a Args) Int(i int) (int, error) {
	v, err := a.arg(i)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int)
	if !ok {
		return 0, newBackendError("set kernel arg", InvalidKernelArgs, fmt.Errorf("argument %d: want int, got %T", i, v))
	}
	return n, nil
}

// Float returns argument i as a float64.
func (a Args) Float(i int) (float64, error) {
	v, err := a.arg(i)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, newBackendError("set kernel arg", InvalidKernelArgs, fmt.Errorf("argument %d: want float64, got %T", i, v))
	}
	return f, nil
}

// Bool returns argument i as a bool.
func (a Args) Bool(i int) (bool, error) {
	v, err := a.arg(i)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, newBackendError("set kernel arg", InvalidKernelArgs, fmt.Errorf("argument %d: want bool, got %T", i, v))
	}
	return b, nil
}

// Random returns argument i as the device random state pool.
func (a Args) Random(i int) (*RandomStates, error) {
	v, err := a.arg(i)
	if err != nil {
		return nil, err
	}
	r, ok := v.(*RandomStates)
	if !ok || r == nil {
		return nil, newBackendError("set kernel arg", InvalidKernelArgs, fmt.Errorf("argument %d: want *RandomStates, got %T", i, v))
	}
	return r, nil
}
