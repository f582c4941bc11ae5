package tensor

import (
	"fmt"

	"github.com/23skdu/longbow-trainer/internal/device"
)

// ActivationFunction selects a layer non-linearity.
type ActivationFunction int

const (
	Identity ActivationFunction = iota
	ReLU
	Sigmoid
	Tanh
	SymmetricReLU
	SoftSign
	Gauss
)

var activationNames = map[ActivationFunction]string{
	Identity:      "identity",
	ReLU:          "relu",
	Sigmoid:       "sigmoid",
	Tanh:          "tanh",
	SymmetricReLU: "symmrelu",
	SoftSign:      "softsign",
	Gauss:         "gauss",
}

func (f ActivationFunction) String() string {
	if name, ok := activationNames[f]; ok {
		return name
	}
	return fmt.Sprintf("ActivationFunction(%d)", int(f))
}

// ParseActivation maps a name such as "tanh" to its function.
func ParseActivation(name string) (ActivationFunction, error) {
	for f, n := range activationNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("tensor: unknown activation function %q", name)
}

type activationKernels struct {
	forward, derivative device.KernelID
}

var activationTable = map[ActivationFunction]activationKernels{
	ReLU:          {device.KernelRelu, device.KernelReluDerivative},
	Sigmoid:       {device.KernelSigmoid, device.KernelSigmoidDerivative},
	Tanh:          {device.KernelTanh, device.KernelTanhDerivative},
	SymmetricReLU: {device.KernelSymmetricRelu, device.KernelSymmetricReluDerivative},
	SoftSign:      {device.KernelSoftSign, device.KernelSoftSignDerivative},
	Gauss:         {device.KernelGauss, device.KernelGaussDerivative},
}

// Evaluate applies f to A in place.
func Evaluate(a *Matrix, f ActivationFunction) error {
	if f == Identity {
		return nil
	}
	k, ok := activationTable[f]
	if !ok {
		return fmt.Errorf("tensor: Evaluate: unknown activation %v", f)
	}
	stream, err := prepare(a)
	if err != nil {
		return err
	}
	g, l := device.ColumnRange(a.cols)
	if err := a.Device().EnqueueKernel(k.forward, stream, g, l, a.buf, a.rows); err != nil {
		return fmt.Errorf("tensor: %v: %w", f, err)
	}
	return nil
}

// EvaluateDerivative writes f'(A) into B.
func EvaluateDerivative(b *Matrix, f ActivationFunction, a *Matrix) error {
	if err := checkShape("EvaluateDerivative", "B", b, a.rows, a.cols); err != nil {
		return err
	}
	if f == Identity {
		return IdentityDerivative(b)
	}
	k, ok := activationTable[f]
	if !ok {
		return fmt.Errorf("tensor: EvaluateDerivative: unknown activation %v", f)
	}
	return columnOp(f.String()+" derivative", k.derivative, b, a, b.buf, a.buf, a.rows)
}

// IdentityDerivative fills B with ones.
func IdentityDerivative(b *Matrix) error {
	stream, err := prepare(b)
	if err != nil {
		return err
	}
	g, l := device.ColumnRange(b.cols)
	if err := b.Device().EnqueueKernel(device.KernelIdentityDerivative, stream, g, l, b.buf, b.rows); err != nil {
		return fmt.Errorf("tensor: IdentityDerivative: %w", err)
	}
	return nil
}

// Relu applies max(0, x) in place.
func Relu(a *Matrix) error { return Evaluate(a, ReLU) }

// ReluDerivative writes the ReLU derivative of A into B.
func ReluDerivative(b, a *Matrix) error { return EvaluateDerivative(b, ReLU, a) }

// ApplySigmoid applies 1/(1+e^-x) in place.
func ApplySigmoid(a *Matrix) error { return Evaluate(a, Sigmoid) }

// SigmoidDerivative writes the sigmoid derivative of A into B.
func SigmoidDerivative(b, a *Matrix) error { return EvaluateDerivative(b, Sigmoid, a) }

// ApplyTanh applies tanh in place.
func ApplyTanh(a *Matrix) error { return Evaluate(a, Tanh) }

// TanhDerivative writes 1 - tanh²(A) into B.
func TanhDerivative(b, a *Matrix) error { return EvaluateDerivative(b, Tanh, a) }

// SymmetricRelu applies |x| in place.
func SymmetricRelu(a *Matrix) error { return Evaluate(a, SymmetricReLU) }

// SymmetricReluDerivative writes sign(A) into B, with sign(0) = 1.
func SymmetricReluDerivative(b, a *Matrix) error { return EvaluateDerivative(b, SymmetricReLU, a) }

// ApplySoftSign applies x/(1+|x|) in place.
func ApplySoftSign(a *Matrix) error { return Evaluate(a, SoftSign) }

// SoftSignDerivative writes 1/(1+|A|)² into B.
func SoftSignDerivative(b, a *Matrix) error { return EvaluateDerivative(b, SoftSign, a) }

// ApplyGauss applies exp(-x²) in place.
func ApplyGauss(a *Matrix) error { return Evaluate(a, Gauss) }

// GaussDerivative writes -2x exp(-x²) into B.
func GaussDerivative(b, a *Matrix) error { return EvaluateDerivative(b, Gauss, a) }
