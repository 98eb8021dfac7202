// Package safetensors reads and writes the safetensors archive format:
// an 8-byte little-endian header length, a JSON header mapping tensor names
// to dtype/shape/offsets, and a flat data section. It is the on-disk format
// for every array strata persists (embedding tables, scale matrices,
// steering and probe vectors, full weight sets).
package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
)

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

type File struct {
	Path    string
	Tensors map[string]TensorInfo

	dataStart int64
	data      []byte
	unmap     func() error
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open loads an archive, preferring a read-only memory map where the
// platform supports it and falling back to reading the file into memory.
// The returned file must be closed to release any mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size < 8 {
		return nil, fmt.Errorf("%s: truncated archive", path)
	}

	data, unmap, err := mapFile(f, int(size))
	if err != nil {
		data, err = io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		unmap = nil
	}

	file, err := parse(path, data)
	if err != nil {
		if unmap != nil {
			_ = unmap()
		}
		return nil, err
	}
	file.unmap = unmap
	return file, nil
}

func parse(path string, data []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%s: header length %d exceeds file size", path, headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("%s: parse header: %w", path, err)
	}
	delete(raw, "__metadata__")

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%s: parse tensor %s: %w", path, name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] {
			return nil, fmt.Errorf("%s: tensor %s: invalid data_offsets", path, name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{
		Path:      path,
		Tensors:   tensors,
		dataStart: int64(8 + headerLen),
		data:      data,
	}, nil
}

// Close releases the underlying mapping, if any.
func (f *File) Close() error {
	f.data = nil
	if f.unmap != nil {
		unmap := f.unmap
		f.unmap = nil
		return unmap()
	}
	return nil
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tensor looks up metadata for a named tensor.
func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensorF64 decodes a named tensor to float64 values. F64 payloads are
// decoded losslessly; F32 payloads are widened.
func (f *File) ReadTensorF64(name string) ([]float64, TensorInfo, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%s: tensor not found: %s", f.Path, name)
	}
	start := f.dataStart + info.Start
	end := f.dataStart + info.End
	if start < f.dataStart || end > int64(len(f.data)) {
		return nil, TensorInfo{}, fmt.Errorf("%s: tensor %s: offsets out of range", f.Path, name)
	}
	raw := f.data[start:end]
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("%s: tensor %s: %w", f.Path, name, err)
	}
	switch info.DType {
	case "F64":
		if len(raw) != n*8 {
			return nil, TensorInfo{}, fmt.Errorf("%s: tensor %s: invalid f64 data size", f.Path, name)
		}
		out := make([]float64, n)
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		return out, info, nil
	case "F32":
		if len(raw) != n*4 {
			return nil, TensorInfo{}, fmt.Errorf("%s: tensor %s: invalid f32 data size", f.Path, name)
		}
		out := make([]float64, n)
		for i := 0; i < n; i++ {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
		return out, info, nil
	default:
		return nil, TensorInfo{}, fmt.Errorf("%s: tensor %s: unsupported dtype %s", f.Path, name, info.DType)
	}
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}
