package model

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

// Config describes every architectural choice the assembler understands.
// It is read once at construction; the model keeps its own copy, so a Config
// value can be reused to build several models.
//
// Zero values are not silently patched up: Validate rejects configurations
// missing required fields. DefaultConfig supplies the documented defaults.
type Config struct {
	// Structural sizes.
	VocabSize  int   `json:"vocab_size"`
	VocabSizes []int `json:"vocab_sizes,omitempty"` // multi-context per-stream vocabularies
	NEmbd      int   `json:"n_embd"`
	NEmbdWte   int   `json:"n_embd_wte"` // factorized embedding width, 0 disables
	BlockSize  int   `json:"block_size"`
	NLayer     int   `json:"n_layer"`
	NHead      int   `json:"n_head"`
	NQKGroups  int   `json:"n_qk_groups"` // key/value head groups, 0 = one per query head

	MLPExpansionFactor int     `json:"mlp_expansion_factor"`
	NExpert            int     `json:"n_expert"`
	MoETopK            int     `json:"moe_top_k"`
	WindowSize         int     `json:"window_size"`  // sliding-window attention span
	RopeLength         int     `json:"rope_length"`  // rotated dims per head, 0 = all
	RopeTheta          float64 `json:"rope_theta"`

	// Variant selectors, one per capability axis.
	AttentionVariant     string `json:"attention_variant"`
	MLPVariant           string `json:"mlp_variant"`
	NormVariantAttn      string `json:"norm_variant_attn"`
	NormVariantOutput    string `json:"norm_variant_output"`
	SoftmaxVariantOutput string `json:"softmax_variant_output"` // "" = plain softmax at sampling time
	ActivationVariant    string `json:"activation_variant"`
	LinearVariant        string `json:"linear_variant"`
	RouterVariant        string `json:"router_variant"`
	PosEncVariant        string `json:"position_encoding_variant"`
	InitVariant          string `json:"init_variant"`
	QuantizeWteMethod    string `json:"quantize_wte_method"` // "" disables
	QuantizeWteBits      int    `json:"quantize_wte_bits"`
	QuantizeWpeMethod    string `json:"quantize_wpe_method"`
	QuantizeWpeBits      int    `json:"quantize_wpe_bits"`

	// Feature flags.
	Bias                     bool `json:"bias"`
	UseAbsPosEmbeddings      bool `json:"use_abs_pos_embeddings"`
	UsePostLN                bool `json:"use_post_ln"`
	UseParallelMLP           bool `json:"use_parallel_mlp"`
	UseEmbeddingScale        bool `json:"use_embedding_scale"` // multiply embeddings by sqrt(n_embd)
	UseLearnedEmbeddingScale bool `json:"use_learned_embedding_scale"`
	WteWeightTying           bool `json:"wte_weight_tying"`
	ScaleMatricesTying       bool `json:"scale_matrices_tying"`
	UseGradientCheckpointing bool `json:"use_gradient_checkpointing"`
	MultiContext             bool `json:"multicontext"`
	UseLSV                   bool `json:"use_lsv"`

	// Steering.
	LSVVariant         string  `json:"lsv_variant"`
	NLSVDatasets       int     `json:"n_lsv_datasets"`
	ApplyLSVAtLayerIdx int     `json:"apply_lsv_at_layer_idx"`
	LSVScalingFactor   float64 `json:"lsv_scaling_factor"`

	// External vector injection and extraction.
	ApplyVectorAtLayerIdx    int     `json:"apply_vector_at_layer_idx"` // -1 disables
	ApplyVectorFile          string  `json:"apply_vector_file"`
	ApplyVectorScalingFactor float64 `json:"apply_vector_scaling_factor"`
	ObtainVectorAtLayerIdx   int     `json:"obtain_vector_at_layer_idx"` // -1 disables
	ObtainVectorFile         string  `json:"obtain_vector_file"`

	// Learned position residual stacks.
	NLPE              int `json:"n_lpe"`
	TargetLayerInLPE  int `json:"target_layer_in_lpe"`
	TargetLayerOutLPE int `json:"target_layer_out_lpe"`

	// lpe_* fields override the matching base field for the auxiliary stacks.
	LpeNLayer              *int     `json:"lpe_n_layer,omitempty"`
	LpeNHead               *int     `json:"lpe_n_head,omitempty"`
	LpeDropout             *float64 `json:"lpe_dropout,omitempty"`
	LpeUseAbsPosEmbeddings *bool    `json:"lpe_use_abs_pos_embeddings,omitempty"`
	LpeMLPVariant          *string  `json:"lpe_mlp_variant,omitempty"`
	LpeAttentionVariant    *string  `json:"lpe_attention_variant,omitempty"`
	LpeUseParallelMLP      *bool    `json:"lpe_use_parallel_mlp,omitempty"`
	LpeUsePostLN           *bool    `json:"lpe_use_post_ln,omitempty"`

	// Numeric hyperparameters.
	Dropout               float64  `json:"dropout"`
	FinalLogitSoftcapping *float64 `json:"final_logit_softcapping,omitempty"` // nil disables
	InitMean              float64  `json:"init_mean"`
	InitStd               float64  `json:"init_std"`
	EmbeddingMeanInit     float64  `json:"embedding_mean_init"`
	EmbeddingStdInit      float64  `json:"embedding_std_init"`

	// Layer sharing: size groups that many consecutive layers onto one
	// instance; sym mirrors the stack so layer i shares with n_layer-1-i.
	SharedMLPSize  int  `json:"shared_mlp_size"`
	SharedMLPSym   bool `json:"shared_mlp_sym"`
	SharedAttnSize int  `json:"shared_attn_size"`
	SharedAttnSym  bool `json:"shared_attn_sym"`

	// Optional weight imports and exports.
	ImportWtePath             string `json:"import_wte_path"`
	ImportWteFreeze           bool   `json:"import_wte_freeze"`
	ExportWtePath             string `json:"export_wte_path"`
	ImportScaleMatricesPath   string `json:"import_scale_matrices_path"`
	ImportScaleMatricesFreeze bool   `json:"import_scale_matrices_freeze"`
	ExportScaleMatricesPath   string `json:"export_scale_matrices_path"`

	Seed uint64 `json:"seed"`
}

// DefaultConfig returns a configuration with the documented defaults filled
// in. Structural sizes are deliberately left zero; Validate requires them.
func DefaultConfig() *Config {
	return &Config{
		MLPExpansionFactor: 4,
		RopeTheta:          10000,

		AttentionVariant:  "causal",
		MLPVariant:        "mlp",
		NormVariantAttn:   "layernorm",
		NormVariantOutput: "layernorm",
		ActivationVariant: "gelu",
		LinearVariant:     "linear",
		RouterVariant:     "topk",
		PosEncVariant:     "none",
		InitVariant:       "gaussian",

		UseAbsPosEmbeddings: true,
		WteWeightTying:      true,

		LSVVariant:       "one_hot",
		LSVScalingFactor: 1,

		ApplyVectorAtLayerIdx:    -1,
		ApplyVectorScalingFactor: 1,
		ObtainVectorAtLayerIdx:   -1,

		InitStd:          0.02,
		EmbeddingStdInit: 0.02,

		SharedMLPSize:  1,
		SharedAttnSize: 1,
	}
}

// LoadConfig reads a JSON configuration file, layers it over the defaults
// and validates the result.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return LoadConfigBytes(raw)
}

// LoadConfigBytes parses a JSON configuration document over the defaults.
func LoadConfigBytes(raw []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants assembly relies on. Construction refuses
// invalid configurations instead of defaulting around them.
func (c *Config) Validate() error {
	if c.MultiContext {
		if len(c.VocabSizes) == 0 {
			return fmt.Errorf("config: multicontext requires vocab_sizes")
		}
		for i, v := range c.VocabSizes {
			if v <= 0 {
				return fmt.Errorf("config: vocab_sizes[%d] = %d, must be positive", i, v)
			}
		}
	} else if c.VocabSize <= 0 {
		return fmt.Errorf("config: vocab_size must be set")
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("config: block_size must be set")
	}
	if c.NLayer <= 0 || c.NHead <= 0 || c.NEmbd <= 0 {
		return fmt.Errorf("config: n_layer, n_head and n_embd must be positive")
	}
	if c.NEmbd%c.NHead != 0 {
		return fmt.Errorf("config: n_embd %d not divisible by n_head %d", c.NEmbd, c.NHead)
	}
	if c.NQKGroups < 0 || c.NQKGroups > c.NHead || (c.NQKGroups > 0 && c.NHead%c.NQKGroups != 0) {
		return fmt.Errorf("config: n_qk_groups %d must evenly divide n_head %d", c.NQKGroups, c.NHead)
	}
	if c.NEmbdWte < 0 {
		return fmt.Errorf("config: n_embd_wte must be >= 0")
	}
	if c.NEmbdWte > 0 && c.NEmbdWte >= c.NEmbd {
		return fmt.Errorf("config: factorized width n_embd_wte %d must be smaller than n_embd %d", c.NEmbdWte, c.NEmbd)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("config: dropout %v outside [0, 1)", c.Dropout)
	}
	if c.MLPVariant == "moe" {
		if c.NExpert <= 0 {
			return fmt.Errorf("config: moe requires n_expert > 0")
		}
		if c.MoETopK <= 0 || c.MoETopK > c.NExpert {
			return fmt.Errorf("config: moe_top_k %d outside [1, %d]", c.MoETopK, c.NExpert)
		}
	}
	if c.AttentionVariant == "windowed" && c.WindowSize <= 0 {
		return fmt.Errorf("config: windowed attention requires window_size > 0")
	}
	if c.QuantizeWteMethod != "" && (c.QuantizeWteBits < 2 || c.QuantizeWteBits > 16) {
		return fmt.Errorf("config: quantize_wte_bits %d outside [2, 16]", c.QuantizeWteBits)
	}
	if c.QuantizeWpeMethod != "" && (c.QuantizeWpeBits < 2 || c.QuantizeWpeBits > 16) {
		return fmt.Errorf("config: quantize_wpe_bits %d outside [2, 16]", c.QuantizeWpeBits)
	}
	if c.UseLSV && c.NLSVDatasets <= 0 {
		return fmt.Errorf("config: use_lsv requires n_lsv_datasets > 0")
	}
	if c.SharedMLPSize < 1 || c.SharedAttnSize < 1 {
		return fmt.Errorf("config: shared group sizes must be >= 1")
	}
	if c.FinalLogitSoftcapping != nil && *c.FinalLogitSoftcapping <= 0 {
		return fmt.Errorf("config: final_logit_softcapping must be positive when set")
	}
	if c.ApplyVectorAtLayerIdx >= 0 && c.ApplyVectorFile == "" {
		return fmt.Errorf("config: apply_vector_at_layer_idx set without apply_vector_file")
	}
	if c.ObtainVectorAtLayerIdx >= 0 && c.ObtainVectorFile == "" {
		return fmt.Errorf("config: obtain_vector_at_layer_idx set without obtain_vector_file")
	}
	// Injection depths address the gaps around the block stack, so the valid
	// range is [0, n_layer] inclusive. A depth outside it would build the
	// associated parameters and then never fire.
	if c.NLPE > 0 {
		if c.TargetLayerInLPE < 0 || c.TargetLayerInLPE > c.NLayer {
			return fmt.Errorf("config: target_layer_in_lpe %d outside [0, %d]", c.TargetLayerInLPE, c.NLayer)
		}
		if c.TargetLayerOutLPE < 0 || c.TargetLayerOutLPE > c.NLayer {
			return fmt.Errorf("config: target_layer_out_lpe %d outside [0, %d]", c.TargetLayerOutLPE, c.NLayer)
		}
	}
	if c.UseLSV && (c.ApplyLSVAtLayerIdx < 0 || c.ApplyLSVAtLayerIdx > c.NLayer) {
		return fmt.Errorf("config: apply_lsv_at_layer_idx %d outside [0, %d]", c.ApplyLSVAtLayerIdx, c.NLayer)
	}
	if c.ApplyVectorAtLayerIdx > c.NLayer {
		return fmt.Errorf("config: apply_vector_at_layer_idx %d outside [0, %d]", c.ApplyVectorAtLayerIdx, c.NLayer)
	}
	if c.ObtainVectorAtLayerIdx > c.NLayer {
		return fmt.Errorf("config: obtain_vector_at_layer_idx %d outside [0, %d]", c.ObtainVectorAtLayerIdx, c.NLayer)
	}
	return nil
}

// vocabList normalizes the single and multi-context cases to one slice.
func (c *Config) vocabList() []int {
	if c.MultiContext {
		return c.VocabSizes
	}
	return []int{c.VocabSize}
}

// wteWidth is the embedding-table column count: the factorized width when
// factorization is enabled, n_embd otherwise.
func (c *Config) wteWidth() int {
	if c.NEmbdWte > 0 {
		return c.NEmbdWte
	}
	return c.NEmbd
}

// lpeConfig copies the configuration with lpe_* overrides applied, producing
// the private configuration an auxiliary position-residual stack is built
// from.
func (c *Config) lpeConfig() *Config {
	lc := *c
	if c.LpeNLayer != nil {
		lc.NLayer = *c.LpeNLayer
	}
	if c.LpeNHead != nil {
		lc.NHead = *c.LpeNHead
	}
	if c.LpeDropout != nil {
		lc.Dropout = *c.LpeDropout
	}
	if c.LpeUseAbsPosEmbeddings != nil {
		lc.UseAbsPosEmbeddings = *c.LpeUseAbsPosEmbeddings
	}
	if c.LpeMLPVariant != nil {
		lc.MLPVariant = *c.LpeMLPVariant
	}
	if c.LpeAttentionVariant != nil {
		lc.AttentionVariant = *c.LpeAttentionVariant
	}
	if c.LpeUseParallelMLP != nil {
		lc.UseParallelMLP = *c.LpeUseParallelMLP
	}
	if c.LpeUsePostLN != nil {
		lc.UsePostLN = *c.LpeUsePostLN
	}
	return &lc
}
