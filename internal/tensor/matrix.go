// Package tensor implements device matrices and the operation set the
// training code is written against. Storage is column-major. Every operation
// runs asynchronously on the compute stream of its primary input and orders
// itself after work that other streams still have pending on its operands.
package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-trainer/internal/device"
)

// Matrix is a non-owning rows x cols view of a device buffer. Copying the
// pointer, or calling Alias, yields a view of the same memory; the compute
// stream is stored with the buffer so all aliases agree on it.
type Matrix struct {
	rows, cols int
	buf        *device.DeviceBuffer
}

// New allocates a zeroed rows x cols matrix on dev.
func New(dev *device.Device, rows, cols int) (*Matrix, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("tensor: invalid shape %dx%d", rows, cols)
	}
	buf, err := dev.CreateDeviceBuffer(rows * cols)
	if err != nil {
		return nil, err
	}
	return &Matrix{rows: rows, cols: cols, buf: buf}, nil
}

// FromBuffer wraps buf as a rows x cols matrix bound to stream.
func FromBuffer(buf *device.DeviceBuffer, rows, cols, stream int) (*Matrix, error) {
	if rows < 0 || cols < 0 || rows*cols != buf.Size() {
		return nil, fmt.Errorf("tensor: buffer of %d elements cannot hold %dx%d", buf.Size(), rows, cols)
	}
	buf.SetStream(stream)
	return &Matrix{rows: rows, cols: cols, buf: buf}, nil
}

// FromDense allocates a matrix on dev holding a deep copy of src.
func FromDense(dev *device.Device, src mat.Matrix) (*Matrix, error) {
	r, c := src.Dims()
	m, err := New(dev, r, c)
	if err != nil {
		return nil, err
	}
	if err := m.Assign(src); err != nil {
		m.Free()
		return nil, err
	}
	return m, nil
}

// Rows returns the number of rows.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the number of columns.
func (m *Matrix) Cols() int { return m.cols }

// Dims returns rows and columns.
func (m *Matrix) Dims() (int, int) { return m.rows, m.cols }

// Size returns the number of elements.
func (m *Matrix) Size() int { return m.rows * m.cols }

// Buffer returns the underlying device buffer.
func (m *Matrix) Buffer() *device.DeviceBuffer { return m.buf }

// Device returns the device holding the matrix.
func (m *Matrix) Device() *device.Device { return m.buf.Device() }

// Stream returns the compute stream the matrix is bound to.
func (m *Matrix) Stream() int { return m.buf.Stream() }

// SetStream rebinds the matrix, and every alias of it, to stream.
func (m *Matrix) SetStream(stream int) { m.buf.SetStream(stream) }

// Alias returns a second view of the same memory.
func (m *Matrix) Alias() *Matrix {
	return &Matrix{rows: m.rows, cols: m.cols, buf: m.buf}
}

// Free waits for the work pending on the matrix's stream and returns its
// memory to the device. Views created by FromBuffer do not own their memory
// and are left alone.
func (m *Matrix) Free() error {
	err := m.Device().Stream(m.Stream()).Synchronize()
	m.buf.Free()
	return err
}

// Assign deep-copies src into the matrix. It returns once the data landed.
func (m *Matrix) Assign(src mat.Matrix) error {
	r, c := src.Dims()
	if r != m.rows || c != m.cols {
		return newDimensionError("Assign", "src", r, c, m.rows, m.cols)
	}
	data := make([]float64, m.Size())
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			data[j*r+i] = src.At(i, j)
		}
	}
	return m.write(data)
}

// write uploads column-major data on the matrix's stream.
func (m *Matrix) write(data []float64) error {
	dev := m.Device()
	host, err := dev.CreateHostBuffer(len(data))
	if err != nil {
		return err
	}
	copy(host.Data(), data)
	host.SetStream(m.Stream())
	if err := m.buf.CopyFrom(host); err != nil {
		return err
	}
	m.buf.SynchronizeTransfer()
	return dev.Stream(m.Stream()).Err()
}

// read downloads the column-major contents once pending work finished.
func (m *Matrix) read() ([]float64, error) {
	host, err := m.Device().CreateHostBuffer(m.Size())
	if err != nil {
		return nil, err
	}
	if err := m.buf.CopyTo(host); err != nil {
		return nil, err
	}
	return host.Data(), nil
}

// Dense copies the matrix back to the host. gonum has no empty matrices, so
// a matrix without elements yields ErrEmpty.
func (m *Matrix) Dense() (*mat.Dense, error) {
	if m.Size() == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrEmpty, m.rows, m.cols)
	}
	data, err := m.read()
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(m.rows, m.cols, nil)
	for j := 0; j < m.cols; j++ {
		for i := 0; i < m.rows; i++ {
			out.Set(i, j, data[j*m.rows+i])
		}
	}
	return out, nil
}

// At reads element (i, j). It synchronizes with the matrix's stream and is
// meant for tests and diagnostics.
func (m *Matrix) At(i, j int) (float64, error) {
	if i < 0 || i >= m.rows || j < 0 || j >= m.cols {
		return 0, fmt.Errorf("tensor: index (%d, %d) out of range for %dx%d", i, j, m.rows, m.cols)
	}
	data, err := m.read()
	if err != nil {
		return 0, err
	}
	return data[j*m.rows+i], nil
}
