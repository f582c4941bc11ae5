package simd

import "math"

// VecAddScaled performs dst += src * scale for float64 vectors
func VecAddScaled(dst, src []float64, scale float64) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecAddScalar performs dst += v
func VecAddScalar(dst []float64, v float64) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += v
		dst[i+1] += v
		dst[i+2] += v
		dst[i+3] += v
	}
	for ; i < len(dst); i++ {
		dst[i] += v
	}
}

// VecMul performs the element-wise product dst *= src
func VecMul(dst, src []float64) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] *= src[i]
		dst[i+1] *= src[i+1]
		dst[i+2] *= src[i+2]
		dst[i+3] *= src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] *= src[i]
	}
}

// Fill sets every element of dst to v
func Fill(dst []float64, v float64) {
	for i := range dst {
		dst[i] = v
	}
}

// Sum returns the sum of the elements of a
func Sum(a []float64) float64 {
	var s0, s1, s2, s3 float64
	i := 0
	for ; i <= len(a)-4; i += 4 {
		s0 += a[i]
		s1 += a[i+1]
		s2 += a[i+2]
		s3 += a[i+3]
	}
	for ; i < len(a); i++ {
		s0 += a[i]
	}
	return (s0 + s1) + (s2 + s3)
}

// SumAbs returns the sum of absolute values of a
func SumAbs(a []float64) float64 {
	var sum float64
	for _, v := range a {
		sum += math.Abs(v)
	}
	return sum
}

// DotProduct computes the dot product of two float64 vectors
func DotProduct(a, b []float64) float64 {
	var sum float64
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredDistance returns sum((a-b)^2)
func SquaredDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Apply replaces every element x of dst with f(x)
func Apply(dst []float64, f func(float64) float64) {
	for i, x := range dst {
		dst[i] = f(x)
	}
}

// Map writes f(src[i]) into dst[i]
func Map(dst, src []float64, f func(float64) float64) {
	for i, x := range src {
		dst[i] = f(x)
	}
}
