package tensor

import (
	"fmt"

	"github.com/23skdu/longbow-trainer/internal/device"
)

// prepare binds every operand to the stream of primary. Operands last used
// on another stream get a marker there which the primary stream waits for,
// so reads and writes issued earlier on those streams complete first.
func prepare(primary *Matrix, operands ...*Matrix) (int, error) {
	dev := primary.Device()
	stream := dev.Stream(primary.Stream()).ID()

	var join *device.Signal
	seen := map[int]bool{stream: true}
	for _, op := range operands {
		if op.Device() != dev {
			return 0, ErrDeviceMismatch
		}
		other := dev.Stream(op.Stream()).ID()
		if seen[other] {
			continue
		}
		seen[other] = true
		if join == nil {
			join = device.NewSignal()
		}
		if err := dev.Stream(other).Marker(join); err != nil {
			return 0, err
		}
	}
	if join != nil {
		if err := dev.Stream(stream).WaitFor(join); err != nil {
			return 0, err
		}
	}
	primary.SetStream(stream)
	for _, op := range operands {
		op.SetStream(stream)
	}
	return stream, nil
}

func gemm(op string, c, a, b *Matrix, m, n, k int, transA, transB bool) error {
	stream, err := prepare(a, b, c)
	if err != nil {
		return err
	}
	g, l := device.SingleRange()
	if err := a.Device().EnqueueKernel(device.KernelGemm, stream, g, l,
		c.buf, a.buf, b.buf, m, n, k, transA, transB, 1.0, 0.0); err != nil {
		return fmt.Errorf("tensor: %s: %w", op, err)
	}
	return nil
}

// Multiply computes C = A * B.
func Multiply(c, a, b *Matrix) error {
	if b.rows != a.cols {
		return newDimensionError("Multiply", "B", b.rows, b.cols, a.cols, b.cols)
	}
	if err := checkShape("Multiply", "C", c, a.rows, b.cols); err != nil {
		return err
	}
	return gemm("Multiply", c, a, b, a.rows, b.cols, a.cols, false, false)
}

// TransposeMultiply computes C = Aᵀ * B.
func TransposeMultiply(c, a, b *Matrix) error {
	if b.rows != a.rows {
		return newDimensionError("TransposeMultiply", "B", b.rows, b.cols, a.rows, b.cols)
	}
	if err := checkShape("TransposeMultiply", "C", c, a.cols, b.cols); err != nil {
		return err
	}
	return gemm("TransposeMultiply", c, a, b, a.cols, b.cols, a.rows, true, false)
}

// MultiplyTranspose computes C = A * Bᵀ.
func MultiplyTranspose(c, a, b *Matrix) error {
	if b.cols != a.cols {
		return newDimensionError("MultiplyTranspose", "B", b.rows, b.cols, b.rows, a.cols)
	}
	if err := checkShape("MultiplyTranspose", "C", c, a.rows, b.rows); err != nil {
		return err
	}
	return gemm("MultiplyTranspose", c, a, b, a.rows, b.rows, a.cols, false, true)
}

// columnOp launches a column kernel over dst with src as primary input.
func columnOp(op string, id device.KernelID, dst, src *Matrix, args ...any) error {
	stream, err := prepare(src, dst)
	if err != nil {
		return err
	}
	g, l := device.ColumnRange(src.cols)
	if err := src.Device().EnqueueKernel(id, stream, g, l, args...); err != nil {
		return fmt.Errorf("tensor: %s: %w", op, err)
	}
	return nil
}

// Hadamard computes the element-wise product B *= A.
func Hadamard(b, a *Matrix) error {
	if err := checkShape("Hadamard", "B", b, a.rows, a.cols); err != nil {
		return err
	}
	return columnOp("Hadamard", device.KernelHadamard, b, a, b.buf, a.buf, a.rows)
}

// SumColumns writes the column sums of A into the first cols(A) elements of B.
func SumColumns(b, a *Matrix) error {
	if b.Size() < a.cols {
		return newDimensionError("SumColumns", "B", b.rows, b.cols, a.cols, 1)
	}
	return columnOp("SumColumns", device.KernelSumColumns, b, a, b.buf, a.buf, a.rows)
}

// ScaleAdd computes B += alpha * A.
func ScaleAdd(b, a *Matrix, alpha float64) error {
	if err := checkShape("ScaleAdd", "B", b, a.rows, a.cols); err != nil {
		return err
	}
	return columnOp("ScaleAdd", device.KernelScaleAdd, b, a, b.buf, a.buf, a.rows, alpha)
}

// Copy copies A into B.
func Copy(b, a *Matrix) error {
	if err := checkShape("Copy", "B", b, a.rows, a.cols); err != nil {
		return err
	}
	return columnOp("Copy", device.KernelCopy, b, a, b.buf, a.buf, a.rows)
}

// AddRowWise adds the vector a, one element per column, to every row of B.
func AddRowWise(b, a *Matrix) error {
	if a.Size() != b.cols {
		return newDimensionError("AddRowWise", "a", a.rows, a.cols, b.cols, 1)
	}
	stream, err := prepare(b, a)
	if err != nil {
		return err
	}
	g, l := device.ColumnRange(b.cols)
	if err := b.Device().EnqueueKernel(device.KernelAddRowWise, stream, g, l, b.buf, a.buf, b.rows); err != nil {
		return fmt.Errorf("tensor: AddRowWise: %w", err)
	}
	return nil
}

// reduce runs a per-column kernel into a scratch vector, sums it on the
// device and returns the scalar to the host.
func reduce(op string, id device.KernelID, primary *Matrix, cols int, args func(tmp *device.DeviceBuffer) []any, operands ...*Matrix) (float64, error) {
	dev := primary.Device()
	stream, err := prepare(primary, operands...)
	if err != nil {
		return 0, err
	}
	if cols == 0 {
		return 0, nil
	}

	tmp, err := dev.Scratch(cols)
	if err != nil {
		return 0, err
	}
	defer dev.Recycle(tmp)
	result, err := dev.Scratch(1)
	if err != nil {
		return 0, err
	}
	defer dev.Recycle(result)
	tmp.SetStream(stream)
	result.SetStream(stream)

	g, l := device.ColumnRange(cols)
	if err := dev.EnqueueKernel(id, stream, g, l, args(tmp)...); err != nil {
		return 0, fmt.Errorf("tensor: %s: %w", op, err)
	}
	g, l = device.SingleRange()
	if err := dev.EnqueueKernel(device.KernelSumVector, stream, g, l, result, tmp); err != nil {
		return 0, fmt.Errorf("tensor: %s: %w", op, err)
	}

	host, err := dev.CreateHostBuffer(1)
	if err != nil {
		return 0, err
	}
	if err := result.CopyTo(host); err != nil {
		return 0, fmt.Errorf("tensor: %s: %w", op, err)
	}
	return host.At(0), nil
}
