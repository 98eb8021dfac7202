package model

import (
	"path/filepath"
	"testing"

	"github.com/samcharles93/strata/internal/safetensors"
	"github.com/samcharles93/strata/internal/tensor"
)

func TestLoadConfigBytes(t *testing.T) {
	raw := []byte(`{
		"vocab_size": 50,
		"n_embd": 16,
		"n_head": 4,
		"n_layer": 3,
		"block_size": 32,
		"mlp_variant": "swiglu",
		"final_logit_softcapping": 30.0,
		"lpe_n_layer": 1
	}`)
	cfg, err := LoadConfigBytes(raw)
	if err != nil {
		t.Fatalf("LoadConfigBytes returned error: %v", err)
	}
	if cfg.MLPVariant != "swiglu" || cfg.NLayer != 3 {
		t.Fatalf("explicit fields not applied: %+v", cfg)
	}
	if cfg.AttentionVariant != "causal" || cfg.MLPExpansionFactor != 4 {
		t.Fatalf("defaults not preserved: %+v", cfg)
	}
	if cfg.FinalLogitSoftcapping == nil || *cfg.FinalLogitSoftcapping != 30 {
		t.Fatalf("softcap pointer field not parsed")
	}
	if cfg.LpeNLayer == nil || *cfg.LpeNLayer != 1 {
		t.Fatalf("lpe override not parsed")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing vocab", func(c *Config) { c.VocabSize = 0 }},
		{"missing block size", func(c *Config) { c.BlockSize = 0 }},
		{"head mismatch", func(c *Config) { c.NEmbd = 10; c.NHead = 4 }},
		{"factorized too wide", func(c *Config) { c.NEmbdWte = 8 }},
		{"dropout out of range", func(c *Config) { c.Dropout = 1 }},
		{"moe without experts", func(c *Config) { c.MLPVariant = "moe" }},
		{"moe topk too large", func(c *Config) { c.MLPVariant = "moe"; c.NExpert = 2; c.MoETopK = 3 }},
		{"windowed without window", func(c *Config) { c.AttentionVariant = "windowed" }},
		{"quant bits low", func(c *Config) { c.QuantizeWteMethod = "symmetric"; c.QuantizeWteBits = 1 }},
		{"quant bits high", func(c *Config) { c.QuantizeWpeMethod = "affine"; c.QuantizeWpeBits = 17 }},
		{"lsv without datasets", func(c *Config) { c.UseLSV = true }},
		{"multicontext without vocabs", func(c *Config) { c.MultiContext = true }},
		{"negative softcap", func(c *Config) { v := -1.0; c.FinalLogitSoftcapping = &v }},
		{"apply vector without file", func(c *Config) { c.ApplyVectorAtLayerIdx = 1 }},
		{"obtain vector without file", func(c *Config) { c.ObtainVectorAtLayerIdx = 1 }},
		{"zero shared size", func(c *Config) { c.SharedMLPSize = 0 }},
		{"qk groups not dividing heads", func(c *Config) { c.NHead = 4; c.NQKGroups = 3 }},
		{"lpe collect depth past stack", func(c *Config) { c.NLPE = 1; c.TargetLayerInLPE = 99 }},
		{"lpe inject depth past stack", func(c *Config) { c.NLPE = 1; c.TargetLayerOutLPE = 99 }},
		{"lpe inject depth negative", func(c *Config) { c.NLPE = 1; c.TargetLayerOutLPE = -1 }},
		{"lsv depth past stack", func(c *Config) {
			c.UseLSV = true
			c.NLSVDatasets = 2
			c.ApplyLSVAtLayerIdx = 50
		}},
		{"apply vector depth past stack", func(c *Config) {
			c.ApplyVectorAtLayerIdx = 9
			c.ApplyVectorFile = "vec.safetensors"
		}},
		{"obtain vector depth past stack", func(c *Config) {
			c.ObtainVectorAtLayerIdx = 9
			c.ObtainVectorFile = "vec.safetensors"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLpeConfigOverrides(t *testing.T) {
	cfg := testConfig()
	nl, nh, dr := 1, 4, 0.5
	post := true
	variant := "swiglu"
	cfg.LpeNLayer = &nl
	cfg.LpeNHead = &nh
	cfg.LpeDropout = &dr
	cfg.LpeUsePostLN = &post
	cfg.LpeMLPVariant = &variant

	lc := cfg.lpeConfig()
	if lc.NLayer != 1 || lc.NHead != 4 || lc.Dropout != 0.5 || !lc.UsePostLN || lc.MLPVariant != "swiglu" {
		t.Fatalf("overrides not applied: %+v", lc)
	}
	if cfg.NLayer != 2 || cfg.MLPVariant != "mlp" {
		t.Fatalf("base configuration mutated")
	}
}

func TestApplyVectorInjection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "steer.safetensors")
	vec := make([]float64, 8)
	for i := range vec {
		vec[i] = float64(i) * 0.1
	}
	if err := safetensors.Write(path, []safetensors.Entry{{Name: "vector", Shape: []int{8}, Data: vec}}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	plain, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	cfg := testConfig()
	cfg.ApplyVectorAtLayerIdx = 1
	cfg.ApplyVectorFile = path
	cfg.ApplyVectorScalingFactor = 3
	steered, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	idx, _ := testBatch()
	g1 := tensor.NewGraph(false)
	a, _, err := plain.Forward(g1, idx, nil)
	if err != nil {
		t.Fatalf("Forward returned error: %v", err)
	}
	g2 := tensor.NewGraph(false)
	b, _, err := steered.Forward(g2, idx, nil)
	if err != nil {
		t.Fatalf("Forward returned error: %v", err)
	}
	same := true
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("injected vector had no effect on the logits")
	}
}

func TestApplyVectorMissingFileFatal(t *testing.T) {
	cfg := testConfig()
	cfg.ApplyVectorAtLayerIdx = 0
	cfg.ApplyVectorFile = filepath.Join(t.TempDir(), "missing.safetensors")
	if _, err := New(cfg, nil); err == nil {
		t.Fatalf("expected construction to fail on missing vector file")
	}
}

func TestObtainVectorWritesSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "probe.safetensors")
	cfg := testConfig()
	cfg.ObtainVectorAtLayerIdx = 1
	cfg.ObtainVectorFile = path
	m, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	idx, _ := testBatch()
	g := tensor.NewGraph(false)
	if _, _, err := m.Forward(g, idx, nil); err != nil {
		t.Fatalf("Forward returned error: %v", err)
	}

	f, err := safetensors.Open(path)
	if err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	defer f.Close()
	data, info, err := f.ReadTensorF64("vector")
	if err != nil {
		t.Fatalf("ReadTensorF64 returned error: %v", err)
	}
	if len(data) != 8 || len(info.Shape) != 1 {
		t.Fatalf("snapshot shape %v, want [8]", info.Shape)
	}
}
