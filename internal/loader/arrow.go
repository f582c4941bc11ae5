package loader

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"
)

// Default column names of Arrow datasets.
const (
	FeaturesColumn = "features"
	LabelsColumn   = "labels"
)

// ArrowSource serves samples decoded from Arrow record batches. Features and
// labels are fixed size lists of float64 or float32; a plain float column is
// read as a list of width one.
type ArrowSource struct {
	featureCol, labelCol string
	inWidth, outWidth    int
	inputs, outputs      []float64
	n                    int
}

// NewArrowSource returns an empty source reading the named columns.
func NewArrowSource(featureCol, labelCol string) *ArrowSource {
	return &ArrowSource{featureCol: featureCol, labelCol: labelCol}
}

// Append copies the samples of rec into the source.
func (s *ArrowSource) Append(rec arrow.RecordBatch) error {
	in, inWidth, err := floatColumn(rec, s.featureCol)
	if err != nil {
		return err
	}
	out, outWidth, err := floatColumn(rec, s.labelCol)
	if err != nil {
		return err
	}
	if s.n == 0 {
		s.inWidth, s.outWidth = inWidth, outWidth
	} else if inWidth != s.inWidth || outWidth != s.outWidth {
		return fmt.Errorf("loader: record widths %d/%d differ from %d/%d", inWidth, outWidth, s.inWidth, s.outWidth)
	}
	s.inputs = append(s.inputs, in...)
	s.outputs = append(s.outputs, out...)
	s.n += int(rec.NumRows())
	return nil
}

func (s *ArrowSource) Len() int         { return s.n }
func (s *ArrowSource) InputWidth() int  { return s.inWidth }
func (s *ArrowSource) OutputWidth() int { return s.outWidth }

func (s *ArrowSource) Sample(i int, in, out []float64) {
	copy(in, s.inputs[i*s.inWidth:(i+1)*s.inWidth])
	copy(out, s.outputs[i*s.outWidth:(i+1)*s.outWidth])
}

// floatColumn flattens a column into row-major float64 values.
func floatColumn(rec arrow.RecordBatch, name string) ([]float64, int, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, 0, fmt.Errorf("loader: column %q not found", name)
	}
	col := rec.Column(idx[0])
	rows := col.Len()

	switch arr := col.(type) {
	case *array.Float64:
		return append([]float64(nil), arr.Float64Values()...), 1, nil
	case *array.Float32:
		return widen(arr.Float32Values()), 1, nil
	case *array.FixedSizeList:
		width := int(arr.DataType().(*arrow.FixedSizeListType).Len())
		start := arr.Offset() * width
		end := start + rows*width
		switch values := arr.ListValues().(type) {
		case *array.Float64:
			return append([]float64(nil), values.Float64Values()[start:end]...), width, nil
		case *array.Float32:
			return widen(values.Float32Values()[start:end]), width, nil
		default:
			return nil, 0, fmt.Errorf("loader: column %q has unsupported element type %s", name, values.DataType())
		}
	}
	return nil, 0, fmt.Errorf("loader: column %q has unsupported type %s", name, col.DataType())
}

func widen(src []float32) []float64 {
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}

// BuildRecordBatch encodes the rows of x and y as a record batch with
// fixed size list columns "features" and "labels".
func BuildRecordBatch(mem memory.Allocator, x, y mat.Matrix) (arrow.RecordBatch, error) {
	rows, inWidth := x.Dims()
	yRows, outWidth := y.Dims()
	if rows != yRows {
		return nil, fmt.Errorf("loader: %d feature rows but %d label rows", rows, yRows)
	}

	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: FeaturesColumn, Type: arrow.FixedSizeListOf(int32(inWidth), arrow.PrimitiveTypes.Float64)},
			{Name: LabelsColumn, Type: arrow.FixedSizeListOf(int32(outWidth), arrow.PrimitiveTypes.Float64)},
		},
		nil,
	)

	features := array.NewFixedSizeListBuilder(mem, int32(inWidth), arrow.PrimitiveTypes.Float64)
	defer features.Release()
	labels := array.NewFixedSizeListBuilder(mem, int32(outWidth), arrow.PrimitiveTypes.Float64)
	defer labels.Release()
	fv := features.ValueBuilder().(*array.Float64Builder)
	lv := labels.ValueBuilder().(*array.Float64Builder)

	for i := 0; i < rows; i++ {
		features.Append(true)
		for j := 0; j < inWidth; j++ {
			fv.Append(x.At(i, j))
		}
		labels.Append(true)
		for j := 0; j < outWidth; j++ {
			lv.Append(y.At(i, j))
		}
	}

	fa := features.NewArray()
	defer fa.Release()
	la := labels.NewArray()
	defer la.Release()

	return array.NewRecordBatch(schema, []arrow.Array{fa, la}, int64(rows)), nil
}

// WriteIPC writes rec as an Arrow IPC stream.
func WriteIPC(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// ReadIPC decodes every record of an Arrow IPC stream into a source.
func ReadIPC(r io.Reader, mem memory.Allocator, featureCol, labelCol string) (*ArrowSource, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("loader: open arrow stream: %w", err)
	}
	defer rdr.Release()

	src := NewArrowSource(featureCol, labelCol)
	for rdr.Next() {
		if err := src.Append(rdr.Record()); err != nil {
			return nil, err
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("loader: read arrow stream: %w", err)
	}
	return src, nil
}
