package tensor

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-trainer/internal/device"
)

func newDevice(t *testing.T) *device.Device {
	t.Helper()
	dev, err := device.New(device.Config{Streams: 3, Workers: 4, Seed: 7})
	require.NoError(t, err)
	t.Cleanup(dev.Close)
	return dev
}

func randomDense(rng *rand.Rand, r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(r, c, data)
}

func upload(t *testing.T, dev *device.Device, m mat.Matrix) *Matrix {
	t.Helper()
	out, err := FromDense(dev, m)
	require.NoError(t, err)
	return out
}

func download(t *testing.T, m *Matrix) *mat.Dense {
	t.Helper()
	d, err := m.Dense()
	require.NoError(t, err)
	return d
}

func assertDense(t *testing.T, want mat.Matrix, got *Matrix, tol float64) {
	t.Helper()
	g := download(t, got)
	r, c := want.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			assert.InDelta(t, want.At(i, j), g.At(i, j), tol, "element (%d, %d)", i, j)
		}
	}
}

func TestMatrix_HostRoundTrip(t *testing.T) {
	dev := newDevice(t)
	src := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	m := upload(t, dev, src)

	assert.Equal(t, 2, m.Rows())
	assert.Equal(t, 3, m.Cols())
	v, err := m.At(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 4.0, v)
	assert.True(t, mat.Equal(src, download(t, m)))

	alias := m.Alias()
	alias.SetStream(2)
	assert.Equal(t, 2, m.Stream(), "aliases share their stream")

	_, err = m.At(2, 0)
	assert.Error(t, err)
	assert.ErrorIs(t, m.Assign(mat.NewDense(3, 2, nil)), ErrDimensionMismatch)
}

func TestMatrix_FreeAndEmpty(t *testing.T) {
	dev := newDevice(t)
	before := dev.Allocated()

	m := upload(t, dev, mat.NewDense(4, 4, nil))
	assert.Equal(t, before+16*8, dev.Allocated())
	require.NoError(t, m.Free())
	assert.Equal(t, before, dev.Allocated())
	_, err := m.Dense()
	assert.ErrorIs(t, err, device.ErrBufferFreed)

	empty, err := New(dev, 0, 3)
	require.NoError(t, err)
	_, err = empty.Dense()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMultiply(t *testing.T) {
	dev := newDevice(t)
	rng := rand.New(rand.NewPCG(1, 1))

	a := randomDense(rng, 7, 5)
	b := randomDense(rng, 5, 4)
	bt := randomDense(rng, 4, 5)
	at := randomDense(rng, 5, 7)

	t.Run("Multiply", func(t *testing.T) {
		c, err := New(dev, 7, 4)
		require.NoError(t, err)
		require.NoError(t, Multiply(c, upload(t, dev, a), upload(t, dev, b)))
		var want mat.Dense
		want.Mul(a, b)
		assertDense(t, &want, c, 1e-12)
	})

	t.Run("TransposeMultiply", func(t *testing.T) {
		c, err := New(dev, 7, 4)
		require.NoError(t, err)
		require.NoError(t, TransposeMultiply(c, upload(t, dev, at), upload(t, dev, b)))
		var want mat.Dense
		want.Mul(at.T(), b)
		assertDense(t, &want, c, 1e-12)
	})

	t.Run("MultiplyTranspose", func(t *testing.T) {
		c, err := New(dev, 7, 4)
		require.NoError(t, err)
		require.NoError(t, MultiplyTranspose(c, upload(t, dev, a), upload(t, dev, bt)))
		var want mat.Dense
		want.Mul(a, bt.T())
		assertDense(t, &want, c, 1e-12)
	})

	t.Run("DimensionMismatch", func(t *testing.T) {
		c := upload(t, dev, mat.NewDense(7, 4, nil))
		err := Multiply(c, upload(t, dev, a), upload(t, dev, bt))
		require.ErrorIs(t, err, ErrDimensionMismatch)
		var dme *DimensionMismatchError
		require.ErrorAs(t, err, &dme)
		assert.Equal(t, "Multiply", dme.Op)

		err = Multiply(upload(t, dev, mat.NewDense(4, 4, nil)), upload(t, dev, a), upload(t, dev, b))
		assert.ErrorIs(t, err, ErrDimensionMismatch)
		assert.True(t, mat.Equal(mat.NewDense(7, 4, nil), download(t, c)), "nothing may be written on mismatch")
	})

	t.Run("CrossStreamOperands", func(t *testing.T) {
		am := upload(t, dev, a)
		bm := upload(t, dev, b)
		am.SetStream(1)
		bm.SetStream(2)
		c, err := New(dev, 7, 4)
		require.NoError(t, err)
		require.NoError(t, Multiply(c, am, bm))
		assert.Equal(t, 1, c.Stream(), "result follows the primary input stream")
		assert.Equal(t, 1, bm.Stream())
		var want mat.Dense
		want.Mul(a, b)
		assertDense(t, &want, c, 1e-12)
	})
}

func TestScaleAdd_RoundTrip(t *testing.T) {
	dev := newDevice(t)
	rng := rand.New(rand.NewPCG(2, 2))
	a := randomDense(rng, 33, 17)
	b := randomDense(rng, 33, 17)

	am, bm := upload(t, dev, a), upload(t, dev, b)
	require.NoError(t, ScaleAdd(bm, am, 1))
	require.NoError(t, ScaleAdd(bm, am, -1))
	assertDense(t, b, bm, 1e-12)

	require.NoError(t, ScaleAdd(bm, am, 0.5))
	var want mat.Dense
	want.Scale(0.5, a)
	want.Add(&want, b)
	assertDense(t, &want, bm, 1e-12)
}

func TestHadamard_ReciprocalRoundTrip(t *testing.T) {
	dev := newDevice(t)
	rng := rand.New(rand.NewPCG(3, 3))
	a := mat.NewDense(20, 9, nil)
	recip := mat.NewDense(20, 9, nil)
	for i := 0; i < 20; i++ {
		for j := 0; j < 9; j++ {
			v := 0.5 + rng.Float64()
			if rng.IntN(2) == 0 {
				v = -v
			}
			a.Set(i, j, v)
			recip.Set(i, j, 1/v)
		}
	}
	b := randomDense(rng, 20, 9)

	bm := upload(t, dev, b)
	require.NoError(t, Hadamard(bm, upload(t, dev, a)))
	require.NoError(t, Hadamard(bm, upload(t, dev, recip)))
	assertDense(t, b, bm, 1e-12)
}

func TestColumnOps(t *testing.T) {
	dev := newDevice(t)
	a := mat.NewDense(3, 2, []float64{
		1, 4,
		2, 5,
		3, 6,
	})

	t.Run("SumColumns", func(t *testing.T) {
		b, err := New(dev, 2, 1)
		require.NoError(t, err)
		require.NoError(t, SumColumns(b, upload(t, dev, a)))
		assertDense(t, mat.NewDense(2, 1, []float64{6, 15}), b, 0)

		small, err := New(dev, 1, 1)
		require.NoError(t, err)
		assert.ErrorIs(t, SumColumns(small, upload(t, dev, a)), ErrDimensionMismatch)
	})

	t.Run("AddRowWise", func(t *testing.T) {
		b := upload(t, dev, a)
		require.NoError(t, AddRowWise(b, upload(t, dev, mat.NewDense(2, 1, []float64{10, 100}))))
		assertDense(t, mat.NewDense(3, 2, []float64{11, 104, 12, 105, 13, 106}), b, 0)
	})

	t.Run("Copy", func(t *testing.T) {
		b, err := New(dev, 3, 2)
		require.NoError(t, err)
		require.NoError(t, Copy(b, upload(t, dev, a)))
		assertDense(t, a, b, 0)
	})
}

func TestActivations(t *testing.T) {
	dev := newDevice(t)
	xs := []float64{-3, -1.5, -0.25, 0, 0.25, 1, 2.5, 4}
	x := mat.NewDense(4, 2, xs)

	sig := func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }
	sign := func(v float64) float64 {
		if v < 0 {
			return -1
		}
		return 1
	}
	cases := []struct {
		f     ActivationFunction
		value func(float64) float64
		deriv func(float64) float64
	}{
		{Identity, func(v float64) float64 { return v }, func(float64) float64 { return 1 }},
		{ReLU, func(v float64) float64 { return math.Max(0, v) }, func(v float64) float64 {
			if v < 0 {
				return 0
			}
			return 1
		}},
		{Sigmoid, sig, func(v float64) float64 { return sig(v) * (1 - sig(v)) }},
		{Tanh, math.Tanh, func(v float64) float64 { return 1 - math.Tanh(v)*math.Tanh(v) }},
		{SymmetricReLU, math.Abs, sign},
		{SoftSign, func(v float64) float64 { return v / (1 + math.Abs(v)) }, func(v float64) float64 {
			return 1 / ((1 + math.Abs(v)) * (1 + math.Abs(v)))
		}},
		{Gauss, func(v float64) float64 { return math.Exp(-v * v) }, func(v float64) float64 {
			return -2 * v * math.Exp(-v*v)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.f.String(), func(t *testing.T) {
			wantValue := mat.NewDense(4, 2, nil)
			wantValue.Apply(func(_, _ int, v float64) float64 { return tc.value(v) }, x)
			wantDeriv := mat.NewDense(4, 2, nil)
			wantDeriv.Apply(func(_, _ int, v float64) float64 { return tc.deriv(v) }, x)

			a := upload(t, dev, x)
			d, err := New(dev, 4, 2)
			require.NoError(t, err)
			require.NoError(t, EvaluateDerivative(d, tc.f, a))
			require.NoError(t, Evaluate(a, tc.f))

			assertDense(t, wantValue, a, 1e-12)
			assertDense(t, wantDeriv, d, 1e-12)
		})
	}

	t.Run("Parse", func(t *testing.T) {
		f, err := ParseActivation("softsign")
		require.NoError(t, err)
		assert.Equal(t, SoftSign, f)
		_, err = ParseActivation("swish")
		assert.Error(t, err)
	})
}

func TestMeanSquaredError_MatchesHostReduction(t *testing.T) {
	dev := newDevice(t)
	rng := rand.New(rand.NewPCG(4, 4))
	y := randomDense(rng, 50, 3)
	out := randomDense(rng, 50, 3)

	var sum float64
	for i := 0; i < 50; i++ {
		for j := 0; j < 3; j++ {
			d := y.At(i, j) - out.At(i, j)
			sum += d * d
		}
	}
	want := sum / 150

	ym, om := upload(t, dev, y), upload(t, dev, out)
	got, err := MeanSquaredError(ym, om)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-10)

	viaDispatch, err := EvaluateLoss(MeanSquaredErrorLoss, ym, om)
	require.NoError(t, err)
	assert.InDelta(t, want, viaDispatch, 1e-10)

	dy, err := New(dev, 50, 3)
	require.NoError(t, err)
	require.NoError(t, EvaluateLossGradients(MeanSquaredErrorLoss, dy, ym, om))
	var grad mat.Dense
	grad.Sub(out, y)
	grad.Scale(2.0/150, &grad)
	assertDense(t, &grad, dy, 1e-12)
}

func TestCrossEntropy(t *testing.T) {
	dev := newDevice(t)
	y := mat.NewDense(3, 2, []float64{1, 0, 0, 1, 1, 1})
	out := mat.NewDense(3, 2, []float64{2, -1, 0.5, 3, -2, 0})

	sig := func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }
	var sum float64
	grad := mat.NewDense(3, 2, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 2; j++ {
			s := sig(out.At(i, j))
			yv := y.At(i, j)
			sum += -(yv*math.Log(s) + (1-yv)*math.Log(1-s))
			grad.Set(i, j, (s-yv)/6)
		}
	}

	ym, om := upload(t, dev, y), upload(t, dev, out)
	got, err := CrossEntropy(ym, om)
	require.NoError(t, err)
	assert.InDelta(t, sum/6, got, 1e-12)

	dy, err := New(dev, 3, 2)
	require.NoError(t, err)
	require.NoError(t, CrossEntropyGradients(dy, ym, om))
	assertDense(t, grad, dy, 1e-12)

	_, err = CrossEntropy(ym, upload(t, dev, mat.NewDense(2, 3, nil)))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestRegularization(t *testing.T) {
	dev := newDevice(t)
	w := mat.NewDense(2, 3, []float64{1, -2, 0, 3, -0.5, 4})
	wm := upload(t, dev, w)

	l1, err := Regularize(L1, wm)
	require.NoError(t, err)
	assert.InDelta(t, 10.5, l1, 1e-12)

	l2, err := Regularize(L2, wm)
	require.NoError(t, err)
	assert.InDelta(t, 1+4+0+9+0.25+16, l2, 1e-12)

	none, err := Regularize(NoRegularization, wm)
	require.NoError(t, err)
	assert.Zero(t, none)

	g := upload(t, dev, mat.NewDense(2, 3, []float64{1, 1, 1, 1, 1, 1}))
	require.NoError(t, AddRegularizationGradients(L1, g, wm, 0.1))
	assertDense(t, mat.NewDense(2, 3, []float64{1.1, 0.9, 1.1, 1.1, 0.9, 1.1}), g, 1e-12)

	g2, err := New(dev, 2, 3)
	require.NoError(t, err)
	require.NoError(t, AddRegularizationGradients(L2, g2, wm, 0.5))
	assertDense(t, w, g2, 1e-12)
}

func TestDropout(t *testing.T) {
	dev := newDevice(t)

	t.Run("KeepAll", func(t *testing.T) {
		x := mat.NewDense(3, 3, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9})
		m := upload(t, dev, x)
		require.NoError(t, Dropout(m, 1))
		assertDense(t, x, m, 0)
	})

	t.Run("Half", func(t *testing.T) {
		ones := mat.NewDense(100, 100, nil)
		ones.Apply(func(_, _ int, _ float64) float64 { return 1 }, ones)
		m := upload(t, dev, ones)
		require.NoError(t, Dropout(m, 0.5))
		got := download(t, m)
		kept := 0
		for _, v := range got.RawMatrix().Data {
			if v != 0 {
				require.Equal(t, 2.0, v)
				kept++
			}
		}
		assert.InDelta(t, 0.5, float64(kept)/10000, 0.05)
		assert.GreaterOrEqual(t, dev.Random(m.Stream()).Len(), 10000)
	})

	t.Run("InvalidProbability", func(t *testing.T) {
		m, err := New(dev, 1, 1)
		require.NoError(t, err)
		assert.Error(t, Dropout(m, 0))
	})
}

func TestInitialize(t *testing.T) {
	dev := newDevice(t)
	src := rand.NewPCG(5, 5)

	t.Run("Gauss", func(t *testing.T) {
		m, err := New(dev, 200, 50)
		require.NoError(t, err)
		require.NoError(t, Initialize(m, InitGauss, src))
		data := download(t, m).RawMatrix().Data
		assert.InDelta(t, 0, stat.Mean(data, nil), 0.02)
		assert.InDelta(t, math.Sqrt(2.0/50), stat.StdDev(data, nil), 0.01)
	})

	t.Run("Uniform", func(t *testing.T) {
		m, err := New(dev, 100, 8)
		require.NoError(t, err)
		require.NoError(t, Initialize(m, InitUniform, src))
		data := download(t, m).RawMatrix().Data
		r := math.Sqrt(2.0 / 8)
		assert.LessOrEqual(t, floats.Max(data), r)
		assert.GreaterOrEqual(t, floats.Min(data), -r)
	})

	t.Run("Identity", func(t *testing.T) {
		m, err := New(dev, 3, 2)
		require.NoError(t, err)
		require.NoError(t, Initialize(m, InitIdentity, nil))
		assertDense(t, mat.NewDense(3, 2, []float64{1, 0, 0, 1, 0, 0}), m, 0)
	})

	t.Run("Zero", func(t *testing.T) {
		m := upload(t, dev, mat.NewDense(2, 2, []float64{1, 2, 3, 4}))
		require.NoError(t, Initialize(m, InitZero, nil))
		assertDense(t, mat.NewDense(2, 2, nil), m, 0)
	})
}

func TestBackward(t *testing.T) {
	dev := newDevice(t)
	rng := rand.New(rand.NewPCG(6, 6))
	const batch, width, prev = 5, 3, 4

	df := randomDense(rng, batch, width)
	actGrad := randomDense(rng, batch, width)
	w := randomDense(rng, width, prev)
	actBack := randomDense(rng, batch, prev)

	var delta mat.Dense
	delta.MulElem(df, actGrad)
	var wantBack, wantW mat.Dense
	wantBack.Mul(&delta, w)
	wantW.Mul(delta.T(), actBack)
	wantB := mat.NewDense(width, 1, nil)
	for j := 0; j < width; j++ {
		wantB.Set(j, 0, floats.Sum(mat.Col(nil, j, &delta)))
	}

	t.Run("AllOutputs", func(t *testing.T) {
		gb, err := New(dev, batch, prev)
		require.NoError(t, err)
		gw, err := New(dev, width, prev)
		require.NoError(t, err)
		gbias, err := New(dev, width, 1)
		require.NoError(t, err)
		dfm := upload(t, dev, df)

		require.NoError(t, Backward(gb, gw, gbias, dfm, upload(t, dev, actGrad), upload(t, dev, w), upload(t, dev, actBack)))
		assertDense(t, &delta, dfm, 1e-12)
		assertDense(t, &wantBack, gb, 1e-12)
		assertDense(t, &wantW, gw, 1e-12)
		assertDense(t, wantB, gbias, 1e-12)
	})

	t.Run("SkipsEmptyOutputs", func(t *testing.T) {
		empty, err := New(dev, 0, 0)
		require.NoError(t, err)
		gw, err := New(dev, width, prev)
		require.NoError(t, err)
		require.NoError(t, Backward(empty, gw, empty, upload(t, dev, df), upload(t, dev, actGrad), upload(t, dev, w), upload(t, dev, actBack)))
		assertDense(t, &wantW, gw, 1e-12)
	})
}
