package simd

import (
	"math"
	"testing"
)

func TestVecAddScaled(t *testing.T) {
	dst := []float64{1, 2, 3, 4, 5}
	src := []float64{10, 20, 30, 40, 50}
	scale := 0.5
	expected := []float64{6, 12, 18, 24, 30}

	VecAddScaled(dst, src, scale)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAddScaled(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecAddScalar(t *testing.T) {
	dst := []float64{1, 2, 3, 4, 5, 6}
	VecAddScalar(dst, -1)
	for i, v := range dst {
		if v != float64(i) {
			t.Errorf("VecAddScalar(%d) = %f, want %f", i, v, float64(i))
		}
	}
}

func TestVecMul(t *testing.T) {
	dst := []float64{1, 2, 3, 4, 5}
	src := []float64{2, 2, 2, 0.5, -1}
	expected := []float64{2, 4, 6, 2, -5}

	VecMul(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecMul(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestSum(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5, 6, 7}
	if got := Sum(a); got != 28 {
		t.Errorf("Sum = %f, want 28", got)
	}
	if got := Sum(nil); got != 0 {
		t.Errorf("Sum(nil) = %f, want 0", got)
	}
	if got := SumAbs([]float64{-1, 2, -3}); got != 6 {
		t.Errorf("SumAbs = %f, want 6", got)
	}
}

func TestDotProduct(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{2, 3, 4, 5, 6}
	// 2 + 6 + 12 + 20 + 30 = 70
	expected := 70.0

	result := DotProduct(a, b)

	if result != expected {
		t.Errorf("DotProduct = %f, want %f", result, expected)
	}
}

func TestSquaredDistance(t *testing.T) {
	a := []float64{1, 2, 3}
	b := []float64{1, 0, 6}
	if got := SquaredDistance(a, b); got != 13 {
		t.Errorf("SquaredDistance = %f, want 13", got)
	}
}

func TestApplyAndMap(t *testing.T) {
	a := []float64{1, 4, 9}
	Apply(a, math.Sqrt)
	for i, want := range []float64{1, 2, 3} {
		if a[i] != want {
			t.Errorf("Apply(%d) = %f, want %f", i, a[i], want)
		}
	}

	dst := make([]float64, 3)
	Map(dst, a, func(x float64) float64 { return -x })
	for i, want := range []float64{-1, -2, -3} {
		if dst[i] != want {
			t.Errorf("Map(%d) = %f, want %f", i, dst[i], want)
		}
	}

	Fill(dst, 7)
	for i, v := range dst {
		if v != 7 {
			t.Errorf("Fill(%d) = %f, want 7", i, v)
		}
	}
}
