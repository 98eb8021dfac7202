package safetensors

import (
	"math"
	"path/filepath"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.safetensors")
	entries := []Entry{
		{Name: "wte", Shape: []int{3, 2}, Data: []float64{0.1, -0.2, math.Pi, 1e-300, -1e300, 42}},
		{Name: "scale_up", Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}},
	}
	if err := Write(path, entries); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()

	names := f.Names()
	if len(names) != 2 || names[0] != "scale_up" || names[1] != "wte" {
		t.Fatalf("unexpected names: %v", names)
	}

	for _, e := range entries {
		data, info, err := f.ReadTensorF64(e.Name)
		if err != nil {
			t.Fatalf("read %s: %v", e.Name, err)
		}
		if info.DType != "F64" {
			t.Fatalf("%s: dtype %s", e.Name, info.DType)
		}
		if len(info.Shape) != len(e.Shape) {
			t.Fatalf("%s: shape %v", e.Name, info.Shape)
		}
		for i, v := range e.Data {
			if data[i] != v {
				t.Fatalf("%s[%d]: got %v, want %v (round trip must be lossless)", e.Name, i, data[i], v)
			}
		}
	}
}

func TestWriteRejectsBadShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	err := Write(path, []Entry{{Name: "w", Shape: []int{2, 2}, Data: []float64{1}}})
	if err == nil {
		t.Fatal("expected error for mismatched data length")
	}
}

func TestOpenMissingTensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one.safetensors")
	if err := Write(path, []Entry{{Name: "a", Shape: []int{1}, Data: []float64{1}}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()
	if _, _, err := f.ReadTensorF64("missing"); err == nil {
		t.Fatal("expected error for missing tensor")
	}
}
