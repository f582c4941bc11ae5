package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-trainer/internal/loader"
)

// synthetic returns n samples of width standard normal features. The
// target is a fixed random linear form of the features, passed through
// sin for the "sine" task.
func synthetic(task string, n, width int, seed uint64) (*mat.Dense, *mat.Dense, error) {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	coef := make([]float64, width)
	for j := range coef {
		coef[j] = rng.NormFloat64() / math.Sqrt(float64(width))
	}

	var target func(float64) float64
	switch task {
	case "linear":
		target = func(v float64) float64 { return v + 0.5 }
	case "sine":
		target = math.Sin
	default:
		return nil, nil, fmt.Errorf("unknown task %q", task)
	}

	x := mat.NewDense(n, width, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		var v float64
		for j, c := range coef {
			xi := rng.NormFloat64()
			x.Set(i, j, xi)
			v += c * xi
		}
		y.Set(i, 0, target(v))
	}
	return x, y, nil
}

// readDataset loads an Arrow IPC stream with features and labels columns.
func readDataset(path string) (loader.Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, err := loader.ReadIPC(f, memory.NewGoAllocator(), loader.FeaturesColumn, loader.LabelsColumn)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("path", path).
		Int("samples", src.Len()).
		Int("input_width", src.InputWidth()).
		Int("output_width", src.OutputWidth()).
		Msg("Loaded dataset")
	return src, nil
}

// writeDataset stores x and y as an Arrow IPC stream.
func writeDataset(path string, x, y mat.Matrix) error {
	rec, err := loader.BuildRecordBatch(memory.NewGoAllocator(), x, y)
	if err != nil {
		return err
	}
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := loader.WriteIPC(f, rec); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
