package tensor

import (
	"fmt"
)

// Source is anything that can hand out contiguous row ranges along the
// leading axis. Both in-memory tensors and on-disk staged arrays implement it.
type Source interface {
	Shape() []int
	Len() int
	ReadRows(lo, hi int) (*Tensor, error)
}

// Tensor is a dense, row-major float32 array.
type Tensor struct {
	shape []int
	data  []float32
}

// New allocates a zero-filled tensor.
func New(shape ...int) *Tensor {
	return &Tensor{shape: append([]int(nil), shape...), data: make([]float32, numel(shape))}
}

// FromData wraps data without copying. len(data) must match the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if len(data) != numel(shape) {
		return nil, fmt.Errorf("tensor: %d values do not fit shape %v", len(data), shape)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: data}, nil
}

// MustFromData is FromData for literals in tests and constants.
func MustFromData(data []float32, shape ...int) *Tensor {
	t, err := FromData(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tensor) Shape() []int  { return append([]int(nil), t.shape...) }
func (t *Tensor) Data() []float32 { return t.data }
func (t *Tensor) Rank() int       { return len(t.shape) }

// Len is the size of the leading axis.
func (t *Tensor) Len() int {
	if len(t.shape) == 0 {
		return 0
	}
	return t.shape[0]
}

// SampleShape is the shape without the leading axis.
func (t *Tensor) SampleShape() []int {
	if len(t.shape) == 0 {
		return nil
	}
	return append([]int(nil), t.shape[1:]...)
}

// SampleSize is the number of values in one leading-axis row.
func (t *Tensor) SampleSize() int {
	if len(t.shape) == 0 {
		return 0
	}
	return numel(t.shape[1:])
}

// SampleBytes is the in-memory size of one leading-axis row of src.
func SampleBytes(src Source) int64 {
	shape := src.Shape()
	if len(shape) == 0 {
		return 0
	}
	return int64(numel(shape[1:])) * 4
}

// Row returns a view of row i.
func (t *Tensor) Row(i int) []float32 {
	n := t.SampleSize()
	return t.data[i*n : (i+1)*n]
}

// Slice returns a view of rows [lo, hi). The view shares storage.
func (t *Tensor) Slice(lo, hi int) *Tensor {
	if hi > t.Len() {
		hi = t.Len()
	}
	if lo > hi {
		lo = hi
	}
	n := t.SampleSize()
	shape := t.Shape()
	shape[0] = hi - lo
	return &Tensor{shape: shape, data: t.data[lo*n : hi*n]}
}

// ReadRows copies rows [lo, hi) so that callers may mutate the result.
func (t *Tensor) ReadRows(lo, hi int) (*Tensor, error) {
	if lo < 0 || hi > t.Len() || lo > hi {
		return nil, fmt.Errorf("tensor: rows [%d, %d) out of range for length %d", lo, hi, t.Len())
	}
	return t.Slice(lo, hi).Clone(), nil
}

// Gather copies the given rows, in order, into a new tensor. Indices may repeat.
func (t *Tensor) Gather(idx []int) *Tensor {
	n := t.SampleSize()
	shape := t.Shape()
	shape[0] = len(idx)
	out := &Tensor{shape: shape, data: make([]float32, len(idx)*n)}
	for i, j := range idx {
		copy(out.data[i*n:(i+1)*n], t.data[j*n:(j+1)*n])
	}
	return out
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.Shape(), data: append([]float32(nil), t.data...)}
}

// Reshape returns a view with a new shape. A single -1 is inferred.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = append([]int(nil), shape...)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				return nil, fmt.Errorf("tensor: more than one inferred dimension in %v", shape)
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			return nil, &ShapeMismatchError{Op: "reshape", Want: shape, Got: t.shape}
		}
		shape[infer] = len(t.data) / known
	}
	if numel(shape) != len(t.data) {
		return nil, &ShapeMismatchError{Op: "reshape", Want: shape, Got: t.shape}
	}
	return &Tensor{shape: shape, data: t.data}, nil
}

// Concat joins tensors along the leading axis.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("tensor: nothing to concatenate")
	}
	sample := ts[0].SampleShape()
	rows := 0
	for _, t := range ts {
		if !equalShape(t.SampleShape(), sample) {
			return nil, &ShapeMismatchError{Op: "concat", Want: sample, Got: t.SampleShape()}
		}
		rows += t.Len()
	}
	out := New(append([]int{rows}, sample...)...)
	off := 0
	for _, t := range ts {
		off += copy(out.data[off:], t.data)
	}
	return out, nil
}

// Tile repeats the whole tensor n times along the leading axis.
func Tile(t *Tensor, n int) *Tensor {
	shape := t.Shape()
	shape[0] *= n
	out := New(shape...)
	for i := 0; i < n; i++ {
		copy(out.data[i*len(t.data):], t.data)
	}
	return out
}

// Mean is the mean of all values.
func (t *Tensor) Mean() float64 {
	if len(t.data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range t.data {
		sum += float64(v)
	}
	return sum / float64(len(t.data))
}

// Aligned reports a ShapeMismatchError when the sources disagree on their
// leading dimension.
func Aligned(op string, a, b Source) error {
	if a.Len() != b.Len() {
		return &ShapeMismatchError{Op: op, Want: a.Shape()[:1], Got: b.Shape()[:1]}
	}
	return nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
