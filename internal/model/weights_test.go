package model

import (
	"path/filepath"
	"testing"

	"github.com/samcharles93/strata/internal/safetensors"
	"github.com/samcharles93/strata/internal/tensor"
)

func TestWteRoundTripRetiesHead(t *testing.T) {
	src, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "wte.safetensors")
	if err := src.ExportWte(path); err != nil {
		t.Fatalf("ExportWte returned error: %v", err)
	}

	cfg := testConfig()
	cfg.Seed = 99 // different init, import must overwrite it
	dst, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := dst.ImportWte(path, false); err != nil {
		t.Fatalf("ImportWte returned error: %v", err)
	}

	for i := range src.wtes[0].Data {
		if dst.wtes[0].Data[i] != src.wtes[0].Data[i] {
			t.Fatalf("imported value %d differs: %v vs %v", i, dst.wtes[0].Data[i], src.wtes[0].Data[i])
		}
	}
	if dst.lmHeads[0] != dst.wtes[0] {
		t.Fatalf("output head not re-tied to the imported table")
	}
	if !dst.wtes[0].Trainable {
		t.Fatalf("unfrozen import should stay trainable")
	}
}

func TestImportWteFreeze(t *testing.T) {
	src, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "wte.safetensors")
	if err := src.ExportWte(path); err != nil {
		t.Fatalf("ExportWte returned error: %v", err)
	}
	if err := src.ImportWte(path, true); err != nil {
		t.Fatalf("ImportWte returned error: %v", err)
	}
	if src.wtes[0].Trainable {
		t.Fatalf("frozen import should not be trainable")
	}
}

func TestImportWteShapeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wte.safetensors")
	err := safetensors.Write(path, []safetensors.Entry{
		{Name: "wte", Shape: []int{5, 8}, Data: make([]float64, 40)},
	})
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	m, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := m.ImportWte(path, false); err == nil {
		t.Fatalf("expected shape mismatch error")
	}
}

func TestImportMissingFileFatalAtConstruction(t *testing.T) {
	cfg := testConfig()
	cfg.ImportWtePath = filepath.Join(t.TempDir(), "absent.safetensors")
	if _, err := New(cfg, nil); err == nil {
		t.Fatalf("expected construction to fail on missing import file")
	}
}

func TestScaleMatricesRoundTrip(t *testing.T) {
	for _, tied := range []bool{false, true} {
		name := "untied"
		if tied {
			name = "tied"
		}
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.NEmbdWte = 4
			cfg.ScaleMatricesTying = tied
			src, err := New(cfg, nil)
			if err != nil {
				t.Fatalf("New returned error: %v", err)
			}
			path := filepath.Join(t.TempDir(), "scale.safetensors")
			if err := src.ExportScaleMatrices(path); err != nil {
				t.Fatalf("ExportScaleMatrices returned error: %v", err)
			}

			cfg2 := testConfig()
			cfg2.NEmbdWte = 4
			cfg2.ScaleMatricesTying = tied
			cfg2.Seed = 7
			dst, err := New(cfg2, nil)
			if err != nil {
				t.Fatalf("New returned error: %v", err)
			}
			if err := dst.ImportScaleMatrices(path, false); err != nil {
				t.Fatalf("ImportScaleMatrices returned error: %v", err)
			}
			for i := range src.scaleUp.Data {
				if dst.scaleUp.Data[i] != src.scaleUp.Data[i] {
					t.Fatalf("scale_up value %d differs", i)
				}
			}
			if tied {
				if dst.scaleDown != nil {
					t.Fatalf("tied configuration should not hold a separate scale_down")
				}
			} else {
				for i := range src.scaleDown.Data {
					if dst.scaleDown.Data[i] != src.scaleDown.Data[i] {
						t.Fatalf("scale_down value %d differs", i)
					}
				}
			}
		})
	}
}

func TestSaveLoadWeights(t *testing.T) {
	m, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := m.SaveWeights(path); err != nil {
		t.Fatalf("SaveWeights returned error: %v", err)
	}

	cfg := testConfig()
	cfg.Seed = 1234
	fresh, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := fresh.LoadWeights(path); err != nil {
		t.Fatalf("LoadWeights returned error: %v", err)
	}

	idx, _ := testBatch()
	g1 := tensor.NewGraph(false)
	a, _, err := m.Forward(g1, idx, nil)
	if err != nil {
		t.Fatalf("Forward returned error: %v", err)
	}
	g2 := tensor.NewGraph(false)
	b, _, err := fresh.Forward(g2, idx, nil)
	if err != nil {
		t.Fatalf("Forward returned error: %v", err)
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("loaded model diverges at logit %d", i)
		}
	}
}
