package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
)

// Entry is one named array to persist. Data length must equal the product
// of Shape.
type Entry struct {
	Name  string
	Shape []int
	Data  []float64
}

// Write persists the entries as an F64 safetensors archive. F64 keeps the
// round trip through ReadTensorF64 lossless. Entries are laid out in name
// order so output is deterministic.
func Write(path string, entries []Entry) error {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]tensorHeader, len(sorted))
	var offset int64
	for _, e := range sorted {
		n, err := numElements(e.Shape)
		if err != nil {
			return fmt.Errorf("%s: tensor %s: %w", path, e.Name, err)
		}
		if len(e.Data) != n {
			return fmt.Errorf("%s: tensor %s: data length %d does not match shape %v",
				path, e.Name, len(e.Data), e.Shape)
		}
		if _, dup := header[e.Name]; dup {
			return fmt.Errorf("%s: duplicate tensor name %s", path, e.Name)
		}
		size := int64(n * 8)
		header[e.Name] = tensorHeader{
			DType:       "F64",
			Shape:       e.Shape,
			DataOffsets: []int64{offset, offset + size},
		}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("%s: encode header: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		_ = f.Close()
		return err
	}
	var valBuf [8]byte
	for _, e := range sorted {
		for _, v := range e.Data {
			binary.LittleEndian.PutUint64(valBuf[:], math.Float64bits(v))
			if _, err := w.Write(valBuf[:]); err != nil {
				_ = f.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
