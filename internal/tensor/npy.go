package tensor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// Arrays are stored as NumPy .npy files (little-endian float32, C order) so
// cache artifacts stay readable from notebooks.

var npyMagic = []byte("\x93NUMPY")

var (
	descrRe   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	fortranRe = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

func encodeNpyHeader(shape []int) []byte {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	shapeStr := "(" + strings.Join(dims, ", ") + ")"
	if len(shape) == 1 {
		shapeStr = "(" + dims[0] + ",)"
	}
	dict := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': %s, }", shapeStr)

	// magic + version + uint16 length + dict + trailing newline, padded to 64.
	total := len(npyMagic) + 2 + 2 + len(dict) + 1
	pad := (64 - total%64) % 64
	header := dict + strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	return buf.Bytes()
}

// decodeNpyHeader reads the header and returns the shape and the byte offset of
// the data section.
func decodeNpyHeader(r io.Reader) ([]int, int64, error) {
	pre := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, pre); err != nil {
		return nil, 0, fmt.Errorf("npy: read preamble: %w", err)
	}
	if !bytes.Equal(pre[:len(npyMagic)], npyMagic) {
		return nil, 0, fmt.Errorf("npy: bad magic")
	}
	major := pre[len(npyMagic)]
	var hlen int
	offset := int64(len(pre))
	switch major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, 0, fmt.Errorf("npy: read header length: %w", err)
		}
		hlen = int(n)
		offset += 2
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, 0, fmt.Errorf("npy: read header length: %w", err)
		}
		hlen = int(n)
		offset += 4
	default:
		return nil, 0, fmt.Errorf("npy: unsupported format version %d", major)
	}
	header := make([]byte, hlen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, fmt.Errorf("npy: read header: %w", err)
	}
	offset += int64(hlen)

	h := string(header)
	if m := descrRe.FindStringSubmatch(h); m == nil || m[1] != "<f4" {
		return nil, 0, fmt.Errorf("npy: only little-endian float32 is supported")
	}
	if m := fortranRe.FindStringSubmatch(h); m != nil && m[1] == "True" {
		return nil, 0, fmt.Errorf("npy: fortran order is not supported")
	}
	m := shapeRe.FindStringSubmatch(h)
	if m == nil {
		return nil, 0, fmt.Errorf("npy: header has no shape")
	}
	var shape []int
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return nil, 0, fmt.Errorf("npy: bad dimension %q", part)
		}
		shape = append(shape, d)
	}
	return shape, offset, nil
}
