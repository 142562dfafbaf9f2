package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// copyBlockBytes bounds the memory used when copying between sources.
const copyBlockBytes = 64 << 20

// StagedArray is an out-of-core float32 array backed by a single .npy file.
// It is sized up front, filled by row ranges, then reopened read-only.
type StagedArray struct {
	path     string
	f        *os.File
	shape    []int
	offset   int64
	writable bool
}

// Create preallocates a staged array of the given shape at path, truncating
// anything already there.
func Create(path string, shape ...int) (*StagedArray, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("staged array %s: shape is required", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	header := encodeNpyHeader(shape)
	if _, err := f.Write(header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("staged array %s: write header: %w", path, err)
	}
	size := int64(len(header)) + int64(numel(shape))*4
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("staged array %s: preallocate: %w", path, err)
	}
	return &StagedArray{
		path:     path,
		f:        f,
		shape:    append([]int(nil), shape...),
		offset:   int64(len(header)),
		writable: true,
	}, nil
}

// Open opens an existing staged array read-only.
func Open(path string) (*StagedArray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	shape, offset, err := decodeNpyHeader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("staged array %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if want := offset + int64(numel(shape))*4; info.Size() < want {
		_ = f.Close()
		return nil, fmt.Errorf("staged array %s: truncated file (%d < %d bytes)", path, info.Size(), want)
	}
	return &StagedArray{path: path, f: f, shape: shape, offset: offset}, nil
}

func (a *StagedArray) Path() string { return a.path }
func (a *StagedArray) Shape() []int { return append([]int(nil), a.shape...) }
func (a *StagedArray) Len() int     { return a.shape[0] }

func (a *StagedArray) SampleShape() []int { return append([]int(nil), a.shape[1:]...) }
func (a *StagedArray) SampleSize() int    { return numel(a.shape[1:]) }

// WriteRows writes t into rows [start, start+t.Len()).
func (a *StagedArray) WriteRows(start int, t *Tensor) error {
	if !a.writable {
		return fmt.Errorf("staged array %s: opened read-only", a.path)
	}
	if !equalShape(t.SampleShape(), a.SampleShape()) {
		return &ShapeMismatchError{Op: "staged write", Want: a.SampleShape(), Got: t.SampleShape()}
	}
	if start < 0 || start+t.Len() > a.Len() {
		return fmt.Errorf("staged array %s: rows [%d, %d) out of range for length %d", a.path, start, start+t.Len(), a.Len())
	}
	buf := make([]byte, len(t.data)*4)
	for i, v := range t.data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	pos := a.offset + int64(start)*int64(a.SampleSize())*4
	if _, err := a.f.WriteAt(buf, pos); err != nil {
		return fmt.Errorf("staged array %s: write rows: %w", a.path, err)
	}
	return nil
}

// ReadRows reads rows [lo, hi) into memory.
func (a *StagedArray) ReadRows(lo, hi int) (*Tensor, error) {
	if lo < 0 || hi > a.Len() || lo > hi {
		return nil, fmt.Errorf("staged array %s: rows [%d, %d) out of range for length %d", a.path, lo, hi, a.Len())
	}
	n := a.SampleSize()
	buf := make([]byte, (hi-lo)*n*4)
	pos := a.offset + int64(lo)*int64(n)*4
	if _, err := a.f.ReadAt(buf, pos); err != nil {
		return nil, fmt.Errorf("staged array %s: read rows: %w", a.path, err)
	}
	shape := a.Shape()
	shape[0] = hi - lo
	out := New(shape...)
	for i := range out.data {
		out.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

// ReadAll loads the whole array. Only use it when the array fits in memory.
func (a *StagedArray) ReadAll() (*Tensor, error) { return a.ReadRows(0, a.Len()) }

func (a *StagedArray) Sync() error {
	if !a.writable {
		return nil
	}
	return a.f.Sync()
}

func (a *StagedArray) Close() error {
	if a == nil || a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// Save writes any source to path as a staged array, copying in bounded blocks.
func Save(path string, src Source) error {
	dst, err := Create(path, src.Shape()...)
	if err != nil {
		return err
	}
	if err := CopyRows(dst, 0, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// Load reads a whole staged array from path into memory.
func Load(path string) (*Tensor, error) {
	a, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	return a.ReadAll()
}

// CopyRows copies every row of src into dst starting at row start.
func CopyRows(dst *StagedArray, start int, src Source) error {
	block := 1
	if per := SampleBytes(dst); per > 0 && per < copyBlockBytes {
		block = int(copyBlockBytes / per)
	}
	for lo := 0; lo < src.Len(); lo += block {
		hi := min(lo+block, src.Len())
		rows, err := src.ReadRows(lo, hi)
		if err != nil {
			return err
		}
		if err := dst.WriteRows(start+lo, rows); err != nil {
			return err
		}
	}
	return nil
}
