package device

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/23skdu/longbow-trainer/internal/simd"
)

// Host kernels operate on column-major storage: element (i, j) of an m-row
// matrix lives at j*m + i. Column kernels are launched with ColumnRange and
// handle column g.X; the remaining kernels run as a single work-group.
//
// Argument layouts:
//
//	Hadamard                     B, A, m
//	SumColumns                   B, A, m
//	SumVector                    result, A
//	AddRowWise                   B, a, m
//	Copy                         B, A, m
//	ScaleAdd                     B, A, m, alpha
//	Gemm                         C, A, B, m, n, k, transA, transB, alpha, beta
//	SquaredErrorColumns          tmp, Y, out, m
//	CrossEntropyColumns          tmp, Y, out, m
//	*Gradients (loss)            dY, Y, out, m, norm
//	IdentityDerivative           B, m
//	activation                   A, m
//	activation derivative        B, A, m
//	L1/L2RegularizationColumns   tmp, W, m
//	AddL1/L2RegularizationGrads  B, W, m, decay
//	Dropout                      A, m, p, states
type hostKernels map[string]KernelFunc

func (hostKernels) Name() string { return "host-float64" }

func (k hostKernels) Kernel(name string) (KernelFunc, bool) {
	fn, ok := k[name]
	return fn, ok
}

var hostProgram = hostKernels{
	"Hadamard":   binaryColumnKernel(simd.VecMul),
	"Copy":       binaryColumnKernel(func(dst, src []float64) { copy(dst, src) }),
	"SumColumns": sumColumns,
	"SumVector":  sumVector,
	"AddRowWise": addRowWise,
	"ScaleAdd":   scaleAdd,
	"Gemm":       gemm,

	"SquaredErrorColumns":       lossColumnKernel(simd.SquaredDistance),
	"CrossEntropyColumns":       lossColumnKernel(crossEntropy),
	"MeanSquaredErrorGradients": lossGradientKernel(func(y, o float64) float64 { return 2 * (o - y) }),
	"CrossEntropyGradients":     lossGradientKernel(func(y, o float64) float64 { return sigmoid(o) - y }),

	"IdentityDerivative":      identityDerivative,
	"Relu":                    activationKernel(relu),
	"ReluDerivative":          derivativeKernel(reluDerivative),
	"Sigmoid":                 activationKernel(sigmoid),
	"SigmoidDerivative":       derivativeKernel(sigmoidDerivative),
	"Tanh":                    activationKernel(math.Tanh),
	"TanhDerivative":          derivativeKernel(tanhDerivative),
	"SymmetricRelu":           activationKernel(math.Abs),
	"SymmetricReluDerivative": derivativeKernel(symmetricReluDerivative),
	"SoftSign":                activationKernel(softSign),
	"SoftSignDerivative":      derivativeKernel(softSignDerivative),
	"Gauss":                   activationKernel(gauss),
	"GaussDerivative":         derivativeKernel(gaussDerivative),

	"L1RegularizationColumns":      regularizationColumnKernel(simd.SumAbs),
	"L2RegularizationColumns":      regularizationColumnKernel(func(w []float64) float64 { return simd.DotProduct(w, w) }),
	"AddL1RegularizationGradients": regularizationGradientKernel(addL1Gradients),
	"AddL2RegularizationGradients": regularizationGradientKernel(func(dst, w []float64, decay float64) { simd.VecAddScaled(dst, w, 2*decay) }),

	"Dropout": dropout,
}

func relu(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}

func reluDerivative(x float64) float64 {
	if x < 0 {
		return 0
	}
	return 1
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func sigmoidDerivative(x float64) float64 {
	s := sigmoid(x)
	return s * (1 - s)
}

func tanhDerivative(x float64) float64 {
	t := math.Tanh(x)
	return 1 - t*t
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}

func symmetricReluDerivative(x float64) float64 { return sign(x) }

func softSign(x float64) float64 { return x / (1 + math.Abs(x)) }

func softSignDerivative(x float64) float64 {
	d := 1 + math.Abs(x)
	return 1 / (d * d)
}

func gauss(x float64) float64 { return math.Exp(-x * x) }

func gaussDerivative(x float64) float64 { return -2 * x * math.Exp(-x*x) }

// softplus computes log(1 + e^x) without overflow.
func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

// crossEntropy sums -(y log σ(o) + (1-y) log(1-σ(o))) over a column using
// log σ(o) = -softplus(-o) and log(1-σ(o)) = -softplus(o).
func crossEntropy(y, o []float64) float64 {
	var sum float64
	for i := range y {
		sum += y[i]*softplus(-o[i]) + (1-y[i])*softplus(o[i])
	}
	return sum
}

func addL1Gradients(dst, w []float64, decay float64) {
	for i := range dst {
		dst[i] += decay * sign(w[i])
	}
}

// column returns column j of an m-row matrix stored in buf, or nil when the
// work-group lies outside the matrix.
func column(buf []float64, j, m int) []float64 {
	end := (j + 1) * m
	if m <= 0 || end > len(buf) {
		return nil
	}
	return buf[j*m : end]
}

func binaryColumnKernel(op func(dst, src []float64)) KernelFunc {
	return func(g Group, args Args) error {
		b, a, m, err := bufferPairArgs(args)
		if err != nil {
			return err
		}
		dst, src := column(b, g.X, m), column(a, g.X, m)
		if dst == nil || src == nil {
			return nil
		}
		op(dst, src)
		return nil
	}
}

func bufferPairArgs(args Args) (b, a []float64, m int, err error) {
	if b, err = args.Buffer(0); err != nil {
		return
	}
	if a, err = args.Buffer(1); err != nil {
		return
	}
	m, err = args.Int(2)
	return
}

func sumColumns(g Group, args Args) error {
	b, a, m, err := bufferPairArgs(args)
	if err != nil {
		return err
	}
	src := column(a, g.X, m)
	if src == nil || g.X >= len(b) {
		return nil
	}
	b[g.X] = simd.Sum(src)
	return nil
}

func sumVector(_ Group, args Args) error {
	result, err := args.Buffer(0)
	if err != nil {
		return err
	}
	a, err := args.Buffer(1)
	if err != nil {
		return err
	}
	if len(result) == 0 {
		return newBackendError("SumVector", InvalidValue, fmt.Errorf("empty result buffer"))
	}
	result[0] = simd.Sum(a)
	return nil
}

func addRowWise(g Group, args Args) error {
	b, a, m, err := bufferPairArgs(args)
	if err != nil {
		return err
	}
	dst := column(b, g.X, m)
	if dst == nil || g.X >= len(a) {
		return nil
	}
	simd.VecAddScalar(dst, a[g.X])
	return nil
}

func scaleAdd(g Group, args Args) error {
	b, a, m, err := bufferPairArgs(args)
	if err != nil {
		return err
	}
	alpha, err := args.Float(3)
	if err != nil {
		return err
	}
	dst, src := column(b, g.X, m), column(a, g.X, m)
	if dst == nil || src == nil {
		return nil
	}
	blas64.Axpy(alpha, blas64.Vector{N: m, Inc: 1, Data: src}, blas64.Vector{N: m, Inc: 1, Data: dst})
	return nil
}

// rowMajor reinterprets a column-major rows x cols matrix as its row-major
// transpose, which is how gonum's BLAS sees it.
func rowMajor(data []float64, rows, cols int) blas64.General {
	return blas64.General{Rows: cols, Cols: rows, Stride: max(1, rows), Data: data}
}

// gemm computes C = alpha*op(A)*op(B) + beta*C for column-major operands by
// evaluating the row-major product Cᵀ = op(B)ᵀ op(A)ᵀ.
func gemm(_ Group, args Args) error {
	c, err := args.Buffer(0)
	if err != nil {
		return err
	}
	a, err := args.Buffer(1)
	if err != nil {
		return err
	}
	b, err := args.Buffer(2)
	if err != nil {
		return err
	}
	var dims [3]int
	for i := range dims {
		if dims[i], err = args.Int(3 + i); err != nil {
			return err
		}
	}
	m, n, k := dims[0], dims[1], dims[2]
	transA, err := args.Bool(6)
	if err != nil {
		return err
	}
	transB, err := args.Bool(7)
	if err != nil {
		return err
	}
	alpha, err := args.Float(8)
	if err != nil {
		return err
	}
	beta, err := args.Float(9)
	if err != nil {
		return err
	}
	if m == 0 || n == 0 {
		return nil
	}
	if k == 0 {
		for i := range c[:m*n] {
			c[i] *= beta
		}
		return nil
	}

	ta, ag := blas.NoTrans, rowMajor(a, m, k)
	if transA {
		ta, ag = blas.Trans, rowMajor(a, k, m)
	}
	tb, bg := blas.NoTrans, rowMajor(b, k, n)
	if transB {
		tb, bg = blas.Trans, rowMajor(b, n, k)
	}
	blas64.Gemm(tb, ta, alpha, bg, ag, beta, rowMajor(c, m, n))
	return nil
}

func lossColumnKernel(f func(y, o []float64) float64) KernelFunc {
	return func(g Group, args Args) error {
		tmp, err := args.Buffer(0)
		if err != nil {
			return err
		}
		y, err := args.Buffer(1)
		if err != nil {
			return err
		}
		out, err := args.Buffer(2)
		if err != nil {
			return err
		}
		m, err := args.Int(3)
		if err != nil {
			return err
		}
		yc, oc := column(y, g.X, m), column(out, g.X, m)
		if yc == nil || oc == nil || g.X >= len(tmp) {
			return nil
		}
		tmp[g.X] = f(yc, oc)
		return nil
	}
}

func lossGradientKernel(f func(y, o float64) float64) KernelFunc {
	return func(g Group, args Args) error {
		dy, err := args.Buffer(0)
		if err != nil {
			return err
		}
		y, err := args.Buffer(1)
		if err != nil {
			return err
		}
		out, err := args.Buffer(2)
		if err != nil {
			return err
		}
		m, err := args.Int(3)
		if err != nil {
			return err
		}
		norm, err := args.Float(4)
		if err != nil {
			return err
		}
		dc, yc, oc := column(dy, g.X, m), column(y, g.X, m), column(out, g.X, m)
		if dc == nil || yc == nil || oc == nil {
			return nil
		}
		for i := range dc {
			dc[i] = norm * f(yc[i], oc[i])
		}
		return nil
	}
}

func identityDerivative(g Group, args Args) error {
	b, err := args.Buffer(0)
	if err != nil {
		return err
	}
	m, err := args.Int(1)
	if err != nil {
		return err
	}
	if dst := column(b, g.X, m); dst != nil {
		simd.Fill(dst, 1)
	}
	return nil
}

func activationKernel(f func(float64) float64) KernelFunc {
	return func(g Group, args Args) error {
		a, err := args.Buffer(0)
		if err != nil {
			return err
		}
		m, err := args.Int(1)
		if err != nil {
			return err
		}
		if col := column(a, g.X, m); col != nil {
			simd.Apply(col, f)
		}
		return nil
	}
}

func derivativeKernel(f func(float64) float64) KernelFunc {
	return func(g Group, args Args) error {
		b, a, m, err := bufferPairArgs(args)
		if err != nil {
			return err
		}
		dst, src := column(b, g.X, m), column(a, g.X, m)
		if dst == nil || src == nil {
			return nil
		}
		simd.Map(dst, src, f)
		return nil
	}
}

func regularizationColumnKernel(f func([]float64) float64) KernelFunc {
	return func(g Group, args Args) error {
		tmp, w, m, err := bufferPairArgs(args)
		if err != nil {
			return err
		}
		col := column(w, g.X, m)
		if col == nil || g.X >= len(tmp) {
			return nil
		}
		tmp[g.X] = f(col)
		return nil
	}
}

func regularizationGradientKernel(f func(dst, w []float64, decay float64)) KernelFunc {
	return func(g Group, args Args) error {
		b, w, m, err := bufferPairArgs(args)
		if err != nil {
			return err
		}
		decay, err := args.Float(3)
		if err != nil {
			return err
		}
		dst, src := column(b, g.X, m), column(w, g.X, m)
		if dst == nil || src == nil {
			return nil
		}
		f(dst, src, decay)
		return nil
	}
}

func dropout(g Group, args Args) error {
	a, err := args.Buffer(0)
	if err != nil {
		return err
	}
	m, err := args.Int(1)
	if err != nil {
		return err
	}
	p, err := args.Float(2)
	if err != nil {
		return err
	}
	states, err := args.Random(3)
	if err != nil {
		return err
	}
	col := column(a, g.X, m)
	if col == nil {
		return nil
	}
	start := g.X * m
	if start+m > states.Len() {
		return newBackendError("Dropout", OutOfResources, fmt.Errorf("%d random states, need %d", states.Len(), start+m))
	}
	states.Uniform(start, m, func(i int, u float64) {
		if u < p {
			col[i-start] /= p
		} else {
			col[i-start] = 0
		}
	})
	return nil
}
