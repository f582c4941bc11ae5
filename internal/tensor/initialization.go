package tensor

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-trainer/internal/device"
)

// Initialization selects how weights are drawn.
type Initialization int

const (
	InitGauss Initialization = iota
	InitUniform
	InitIdentity
	InitZero
)

func (i Initialization) String() string {
	switch i {
	case InitGauss:
		return "gauss"
	case InitUniform:
		return "uniform"
	case InitIdentity:
		return "identity"
	case InitZero:
		return "zero"
	}
	return fmt.Sprintf("Initialization(%d)", int(i))
}

// ParseInitialization maps "gauss", "uniform", "identity" or "zero".
func ParseInitialization(name string) (Initialization, error) {
	for i := InitGauss; i <= InitZero; i++ {
		if i.String() == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("tensor: unknown initialization %q", name)
}

// scale is sqrt(2/cols), the spread used by the random initializers.
func scale(a *Matrix) float64 {
	if a.cols == 0 {
		return 0
	}
	return math.Sqrt(2 / float64(a.cols))
}

func fill(a *Matrix, draw func() float64) error {
	data := make([]float64, a.Size())
	for i := range data {
		data[i] = draw()
	}
	return a.write(data)
}

// InitializeGauss draws every element from N(0, 2/cols).
func InitializeGauss(a *Matrix, src rand.Source) error {
	d := distuv.Normal{Mu: 0, Sigma: scale(a), Src: src}
	return fill(a, d.Rand)
}

// InitializeUniform draws every element from U(-r, r) with r = sqrt(2/cols).
func InitializeUniform(a *Matrix, src rand.Source) error {
	r := scale(a)
	if r == 0 {
		return InitializeZero(a)
	}
	d := distuv.Uniform{Min: -r, Max: r, Src: src}
	return fill(a, d.Rand)
}

// InitializeIdentity sets ones on the diagonal and zeros elsewhere.
func InitializeIdentity(a *Matrix) error {
	data := make([]float64, a.Size())
	for i := 0; i < min(a.rows, a.cols); i++ {
		data[i*a.rows+i] = 1
	}
	return a.write(data)
}

// InitializeZero zeroes the matrix.
func InitializeZero(a *Matrix) error {
	return a.write(make([]float64, a.Size()))
}

// Initialize dispatches to the initializer selected by init.
func Initialize(a *Matrix, init Initialization, src rand.Source) error {
	switch init {
	case InitGauss:
		return InitializeGauss(a, src)
	case InitUniform:
		return InitializeUniform(a, src)
	case InitIdentity:
		return InitializeIdentity(a)
	case InitZero:
		return InitializeZero(a)
	}
	return fmt.Errorf("tensor: Initialize: unknown initialization %v", init)
}

// Dropout zeroes each element of A with probability 1-p and scales the
// survivors by 1/p. Each element position draws from its own random stream.
func Dropout(a *Matrix, p float64) error {
	if p <= 0 || p > 1 {
		return fmt.Errorf("tensor: Dropout: keep probability %v outside (0, 1]", p)
	}
	dev := a.Device()
	stream, err := prepare(a)
	if err != nil {
		return err
	}
	states := dev.Random(stream)
	states.Reserve(a.Size())
	g, l := device.ColumnRange(a.cols)
	if err := dev.EnqueueKernel(device.KernelDropout, stream, g, l, a.buf, a.rows, p, states); err != nil {
		return fmt.Errorf("tensor: Dropout: %w", err)
	}
	return nil
}
