package tensor

import (
	"errors"
	"fmt"
)

// ErrDimensionMismatch is matched by every shape validation failure.
var ErrDimensionMismatch = errors.New("tensor: dimension mismatch")

// ErrDeviceMismatch is returned when operands live on different devices.
var ErrDeviceMismatch = errors.New("tensor: operands on different devices")

// ErrEmpty is returned when a matrix without elements is read back.
var ErrEmpty = errors.New("tensor: empty matrix")

// DimensionMismatchError describes an operand whose shape does not fit an
// operation. Nothing is enqueued when it is returned.
type DimensionMismatchError struct {
	Op       string
	Operand  string
	Rows     int
	Cols     int
	WantRows int
	WantCols int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("tensor: %s: %s is %dx%d, want %dx%d", e.Op, e.Operand, e.Rows, e.Cols, e.WantRows, e.WantCols)
}

func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

func newDimensionError(op, operand string, rows, cols, wantRows, wantCols int) error {
	return &DimensionMismatchError{
		Op:       op,
		Operand:  operand,
		Rows:     rows,
		Cols:     cols,
		WantRows: wantRows,
		WantCols: wantCols,
	}
}

func checkShape(op, operand string, m *Matrix, rows, cols int) error {
	if m.rows != rows || m.cols != cols {
		return newDimensionError(op, operand, m.rows, m.cols, rows, cols)
	}
	return nil
}
