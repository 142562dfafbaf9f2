package runner

import (
	"encoding/json"
	"fmt"
	"os"

	"threatscan/internal/cache/disk"
	"threatscan/internal/tensor"
)

type ResultKind string

const (
	ArrayResult ResultKind = "arrays"
	BlobResult  ResultKind = "blob"
	ModelResult ResultKind = "model"
)

// Codec persists the result of a stage inside its working directory and loads
// it back on a hit. Save returns the value handed to the caller, which lets
// array results come back as read-only handles on the committed files.
type Codec[R any] interface {
	Kind() ResultKind
	Save(wd *disk.WorkDir, r R) (R, error)
	Load(wd *disk.WorkDir) (R, error)
}

const (
	arrayXFile  = "x.npy"
	arrayYFile  = "y.npy"
	arrayIDFile = "ids.json"
	blobFile    = "result.json"
	modelFile   = "model.json"
)

// ArrayPair is an array result: inputs, optional targets and optional ids.
type ArrayPair struct {
	X   tensor.Source
	Y   tensor.Source
	IDs []string
}

// Close releases file handles held by staged arrays.
func (p ArrayPair) Close() error {
	var first error
	for _, s := range []tensor.Source{p.X, p.Y} {
		if sa, ok := s.(*tensor.StagedArray); ok {
			if err := sa.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

type arrayPairCodec struct{}

func ArrayPairCodec() Codec[ArrayPair] { return arrayPairCodec{} }

func (arrayPairCodec) Kind() ResultKind { return ArrayResult }

func (arrayPairCodec) Save(wd *disk.WorkDir, p ArrayPair) (ArrayPair, error) {
	if p.X == nil {
		return ArrayPair{}, fmt.Errorf("array result has no inputs")
	}
	if p.Y != nil && p.Y.Len() != p.X.Len() {
		return ArrayPair{}, &tensor.ShapeMismatchError{Op: "array result", Want: []int{p.X.Len()}, Got: []int{p.Y.Len()}}
	}
	if p.IDs != nil && len(p.IDs) != p.X.Len() {
		return ArrayPair{}, &tensor.ShapeMismatchError{Op: "array result ids", Want: []int{p.X.Len()}, Got: []int{len(p.IDs)}}
	}
	var out ArrayPair
	x, err := persistArray(wd, arrayXFile, p.X)
	if err != nil {
		return ArrayPair{}, err
	}
	out.X = x
	if p.Y != nil {
		y, err := persistArray(wd, arrayYFile, p.Y)
		if err != nil {
			_ = x.Close()
			return ArrayPair{}, err
		}
		out.Y = y
	}
	if p.IDs != nil {
		raw, err := json.Marshal(p.IDs)
		if err != nil {
			_ = out.Close()
			return ArrayPair{}, err
		}
		if err := wd.WriteFile(arrayIDFile, raw); err != nil {
			_ = out.Close()
			return ArrayPair{}, err
		}
		out.IDs = append([]string(nil), p.IDs...)
	}
	return out, nil
}

func (arrayPairCodec) Load(wd *disk.WorkDir) (ArrayPair, error) {
	var out ArrayPair
	x, err := tensor.Open(wd.Join(arrayXFile))
	if err != nil {
		return ArrayPair{}, fmt.Errorf("loading inputs: %w", err)
	}
	out.X = x
	if wd.Exists(arrayYFile) {
		y, err := tensor.Open(wd.Join(arrayYFile))
		if err != nil {
			_ = x.Close()
			return ArrayPair{}, fmt.Errorf("loading targets: %w", err)
		}
		out.Y = y
	}
	if wd.Exists(arrayIDFile) {
		raw, err := wd.ReadFile(arrayIDFile)
		if err == nil {
			err = json.Unmarshal(raw, &out.IDs)
		}
		if err != nil {
			_ = out.Close()
			return ArrayPair{}, fmt.Errorf("loading ids: %w", err)
		}
	}
	return out, nil
}

// persistArray commits src under name and reopens it read-only. A staged array
// already written in place at that path is only flushed.
func persistArray(wd *disk.WorkDir, name string, src tensor.Source) (*tensor.StagedArray, error) {
	path := wd.Join(name)
	if sa, ok := src.(*tensor.StagedArray); ok && sa.Path() == path {
		if err := sa.Sync(); err != nil {
			return nil, err
		}
		if err := sa.Close(); err != nil {
			return nil, err
		}
	} else if err := tensor.Save(path, src); err != nil {
		return nil, fmt.Errorf("saving %s: %w", name, err)
	}
	return tensor.Open(path)
}

type blobCodec[T any] struct{}

// BlobCodec stores any JSON-serializable value as result.json.
func BlobCodec[T any]() Codec[T] { return blobCodec[T]{} }

func (blobCodec[T]) Kind() ResultKind { return BlobResult }

func (blobCodec[T]) Save(wd *disk.WorkDir, v T) (T, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return v, fmt.Errorf("marshaling result: %w", err)
	}
	return v, wd.WriteFile(blobFile, raw)
}

func (blobCodec[T]) Load(wd *disk.WorkDir) (T, error) {
	var v T
	raw, err := wd.ReadFile(blobFile)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("parsing result: %w", err)
	}
	return v, nil
}

// Persistable is a model that can write itself to a file.
type Persistable interface {
	Save(path string) error
}

type modelCodec[M Persistable] struct {
	load func(path string) (M, error)
}

// ModelCodec stores a model as model.json and rebuilds it with load.
func ModelCodec[M Persistable](load func(path string) (M, error)) Codec[M] {
	return modelCodec[M]{load: load}
}

func (modelCodec[M]) Kind() ResultKind { return ModelResult }

func (c modelCodec[M]) Save(wd *disk.WorkDir, m M) (M, error) {
	if err := m.Save(wd.Join(modelFile)); err != nil {
		return m, fmt.Errorf("saving model: %w", err)
	}
	return m, nil
}

func (c modelCodec[M]) Load(wd *disk.WorkDir) (M, error) {
	path := wd.Join(modelFile)
	if _, err := os.Stat(path); err != nil {
		var zero M
		return zero, err
	}
	return c.load(path)
}
