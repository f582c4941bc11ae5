package loader

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Source provides raw samples. Sample copies the input features of sample i
// into in and its target values into out; the slices have InputWidth and
// OutputWidth elements.
type Source interface {
	Len() int
	InputWidth() int
	OutputWidth() int
	Sample(i int, in, out []float64)
}

// MatrixSource serves samples from the rows of two host matrices.
type MatrixSource struct {
	x, y mat.Matrix
}

// NewMatrixSource pairs row i of x with row i of y.
func NewMatrixSource(x, y mat.Matrix) (*MatrixSource, error) {
	xr, _ := x.Dims()
	yr, _ := y.Dims()
	if xr != yr {
		return nil, fmt.Errorf("loader: %d input rows but %d output rows", xr, yr)
	}
	return &MatrixSource{x: x, y: y}, nil
}

func (s *MatrixSource) Len() int {
	r, _ := s.x.Dims()
	return r
}

func (s *MatrixSource) InputWidth() int {
	_, c := s.x.Dims()
	return c
}

func (s *MatrixSource) OutputWidth() int {
	_, c := s.y.Dims()
	return c
}

func (s *MatrixSource) Sample(i int, in, out []float64) {
	for j := range in {
		in[j] = s.x.At(i, j)
	}
	for j := range out {
		out[j] = s.y.At(i, j)
	}
}

// Range serves samples start through end-1 of another source.
type Range struct {
	src        Source
	start, end int
}

// NewRange returns the samples [start, end) of src.
func NewRange(src Source, start, end int) (*Range, error) {
	if start < 0 || end > src.Len() || start > end {
		return nil, fmt.Errorf("loader: range [%d, %d) outside %d samples", start, end, src.Len())
	}
	return &Range{src: src, start: start, end: end}, nil
}

// Split divides src into a leading training range and a trailing test
// range holding testFraction of the samples.
func Split(src Source, testFraction float64) (train, test *Range, err error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, fmt.Errorf("loader: test fraction %v outside (0, 1)", testFraction)
	}
	n := src.Len()
	cut := n - int(float64(n)*testFraction)
	if train, err = NewRange(src, 0, cut); err != nil {
		return nil, nil, err
	}
	if test, err = NewRange(src, cut, n); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

func (r *Range) Len() int         { return r.end - r.start }
func (r *Range) InputWidth() int  { return r.src.InputWidth() }
func (r *Range) OutputWidth() int { return r.src.OutputWidth() }

func (r *Range) Sample(i int, in, out []float64) { r.src.Sample(r.start+i, in, out) }
