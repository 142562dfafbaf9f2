package dataio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"threatscan/internal/tensor"
)

// Partitioner supplies the partitioned scan arrays. Global images carry the
// scan intensity in channel 0 (channels 0 and 1 for the symmetric variant)
// followed by one mask channel per zone.
type Partitioner interface {
	// BodyParts returns (N, H, W) zone crops and their (N) binary labels.
	BodyParts(mode Mode) (x, y tensor.Source, err error)
	// BodyPartsTest returns (M, 17, H, W) crops per scan and the scan ids.
	BodyPartsTest(mode Mode) (x tensor.Source, ids []string, err error)
	// GlobalImages returns (N, V, S, S, C) views and (N, 17) labels.
	GlobalImages(mode Mode, size int, symmetric bool) (x, y tensor.Source, err error)
	GlobalImagesTest(mode Mode, size int) (x tensor.Source, ids []string, err error)
}

// NpyPartitioner reads arrays laid out under Root/<mode>/.
type NpyPartitioner struct {
	Root string
}

func NewNpyPartitioner(root string) *NpyPartitioner { return &NpyPartitioner{Root: root} }

func (p *NpyPartitioner) path(mode Mode, name string) string {
	return filepath.Join(p.Root, string(mode), name)
}

func globalName(size int, symmetric bool) string {
	name := fmt.Sprintf("global_%d", size)
	if symmetric {
		name += "_sym"
	}
	return name
}

func (p *NpyPartitioner) BodyParts(mode Mode) (tensor.Source, tensor.Source, error) {
	if mode.IsTest() {
		return nil, nil, fmt.Errorf("body parts: mode %q is a test split", mode)
	}
	return p.openPair(p.path(mode, "body_parts_x.npy"), p.path(mode, "body_parts_y.npy"))
}

func (p *NpyPartitioner) BodyPartsTest(mode Mode) (tensor.Source, []string, error) {
	if !mode.IsTest() {
		return nil, nil, fmt.Errorf("body parts test: mode %q is not a test split", mode)
	}
	return p.openWithIDs(p.path(mode, "body_parts_test_x.npy"), p.path(mode, "ids.json"))
}

func (p *NpyPartitioner) GlobalImages(mode Mode, size int, symmetric bool) (tensor.Source, tensor.Source, error) {
	if mode.IsTest() {
		return nil, nil, fmt.Errorf("global images: mode %q is a test split", mode)
	}
	name := globalName(size, symmetric)
	return p.openPair(p.path(mode, name+"_x.npy"), p.path(mode, name+"_y.npy"))
}

func (p *NpyPartitioner) GlobalImagesTest(mode Mode, size int) (tensor.Source, []string, error) {
	if !mode.IsTest() {
		return nil, nil, fmt.Errorf("global images test: mode %q is not a test split", mode)
	}
	name := fmt.Sprintf("global_test_%d", size)
	return p.openWithIDs(p.path(mode, name+"_x.npy"), p.path(mode, name+"_ids.json"))
}

func (p *NpyPartitioner) openPair(xPath, yPath string) (tensor.Source, tensor.Source, error) {
	x, err := tensor.Open(xPath)
	if err != nil {
		return nil, nil, err
	}
	y, err := tensor.Open(yPath)
	if err != nil {
		_ = x.Close()
		return nil, nil, err
	}
	if err := tensor.Aligned(filepath.Base(xPath), x, y); err != nil {
		_ = x.Close()
		_ = y.Close()
		return nil, nil, err
	}
	return x, y, nil
}

func (p *NpyPartitioner) openWithIDs(xPath, idPath string) (tensor.Source, []string, error) {
	x, err := tensor.Open(xPath)
	if err != nil {
		return nil, nil, err
	}
	ids, err := readIDs(idPath)
	if err != nil {
		_ = x.Close()
		return nil, nil, err
	}
	if len(ids) != x.Len() {
		_ = x.Close()
		return nil, nil, &tensor.ShapeMismatchError{Op: filepath.Base(idPath), Want: []int{x.Len()}, Got: []int{len(ids)}}
	}
	return x, ids, nil
}

func readIDs(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return ids, nil
}

func writeIDs(path string, ids []string) error {
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
