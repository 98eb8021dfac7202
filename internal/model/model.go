package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/safetensors"
	"github.com/samcharles93/strata/internal/tensor"
)

// injectionKind is one mid-forward action. The plan is computed once at
// assembly from the configuration and iterated uniformly per depth, instead
// of re-evaluating flag combinations inside the layer loop.
type injectionKind int

const (
	injectLPECollect injectionKind = iota
	injectLPEInject
	injectSteering
	injectApplyVector
	injectObtainVector
)

// NamedParam pairs a parameter tensor with its hierarchical name.
type NamedParam struct {
	Name   string
	Tensor *tensor.Tensor
}

// Model is an assembled transformer. Construction either returns a fully
// wired model or an error; no partially built state escapes New.
type Model struct {
	cfg Config
	log logger.Logger
	rng *rand.Rand

	wtes      []*tensor.Tensor // one table per context
	lmHeads   []*tensor.Tensor // aliases of wtes when weight tying is on
	wpe       *tensor.Tensor
	embScale  *tensor.Tensor // learned scalar, optional
	scaleUp   *tensor.Tensor // (n_embd, n_embd_wte)
	scaleDown *tensor.Tensor // (n_embd_wte, n_embd); aliases scaleUp when tied
	scaleTied bool

	blocks []*Block
	lnF    Norm

	lpes     []*learnedPosResidual
	steering *steeringVector
	applyVec *tensor.Tensor

	wteQuant Quantizer
	wpeQuant Quantizer
	outProbs ProbsFunc
	initFn   Initializer

	plan   [][]injectionKind // indexed by depth 0..n_layer
	params []NamedParam
}

// New assembles a model from the configuration. The log may be nil.
func New(cfg *Config, log logger.Logger) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	m := &Model{
		cfg: *cfg,
		log: log,
		rng: rand.New(rand.NewPCG(cfg.Seed, 0x51a7a)),
	}
	c := &m.cfg

	var err error
	if m.initFn, err = initRegistry.Resolve(c.InitVariant); err != nil {
		return nil, err
	}
	newNorm, err := normRegistry.Resolve(c.NormVariantOutput)
	if err != nil {
		return nil, err
	}
	m.lnF = newNorm(c.NEmbd, c.Bias)
	if c.SoftmaxVariantOutput != "" {
		if m.outProbs, err = softmaxRegistry.Resolve(c.SoftmaxVariantOutput); err != nil {
			return nil, err
		}
	}
	if c.QuantizeWteMethod != "" {
		if m.wteQuant, err = quantizerRegistry.Resolve(c.QuantizeWteMethod); err != nil {
			return nil, err
		}
	}
	if c.QuantizeWpeMethod != "" {
		if m.wpeQuant, err = quantizerRegistry.Resolve(c.QuantizeWpeMethod); err != nil {
			return nil, err
		}
	}

	buildAttn, err := attentionRegistry.Resolve(c.AttentionVariant)
	if err != nil {
		return nil, err
	}
	buildFFN, err := mlpRegistry.Resolve(c.MLPVariant)
	if err != nil {
		return nil, err
	}
	attns, err := sharedAttentions(c, buildAttn)
	if err != nil {
		return nil, err
	}
	ffns, err := sharedFeedForwards(c, buildFFN)
	if err != nil {
		return nil, err
	}
	for i := 0; i < c.NLayer; i++ {
		blk, err := newBlock(c, attns[i], ffns[i])
		if err != nil {
			return nil, fmt.Errorf("model: layer %d: %w", i, err)
		}
		m.blocks = append(m.blocks, blk)
	}

	// Embedding stage.
	width := c.wteWidth()
	for _, v := range c.vocabList() {
		m.wtes = append(m.wtes, tensor.Param(v, width))
	}
	if c.NEmbdWte > 0 {
		m.scaleUp = tensor.Param(c.NEmbd, c.NEmbdWte)
		if c.ScaleMatricesTying {
			m.scaleTied = true
		} else {
			m.scaleDown = tensor.Param(c.NEmbdWte, c.NEmbd)
		}
	}
	if c.UseAbsPosEmbeddings {
		m.wpe = tensor.Param(c.BlockSize, c.NEmbd)
	}
	if c.UseLearnedEmbeddingScale {
		m.embScale = tensor.Param(1)
		m.embScale.Data[0] = 1
	}

	// Output heads: tying makes the head the embedding table itself.
	for i, v := range c.vocabList() {
		if c.WteWeightTying {
			m.lmHeads = append(m.lmHeads, m.wtes[i])
		} else {
			m.lmHeads = append(m.lmHeads, tensor.Param(v, width))
		}
	}

	for i := 0; i < c.NLPE; i++ {
		l, err := newLearnedPosResidual(c)
		if err != nil {
			return nil, fmt.Errorf("model: lpe %d: %w", i, err)
		}
		m.lpes = append(m.lpes, l)
	}
	if c.UseLSV {
		if m.steering, err = newSteeringVector(c); err != nil {
			return nil, err
		}
	}
	if c.ApplyVectorAtLayerIdx >= 0 {
		if m.applyVec, err = loadVector(c.ApplyVectorFile, c.NEmbd); err != nil {
			return nil, err
		}
	}

	m.buildPlan()
	m.collectParams()
	m.initParams()

	if c.ImportWtePath != "" {
		if err := m.ImportWte(c.ImportWtePath, c.ImportWteFreeze); err != nil {
			return nil, err
		}
	}
	if c.ImportScaleMatricesPath != "" {
		if err := m.ImportScaleMatrices(c.ImportScaleMatricesPath, c.ImportScaleMatricesFreeze); err != nil {
			return nil, err
		}
	}

	m.log.Info("model assembled",
		"n_layer", c.NLayer, "n_head", c.NHead, "n_embd", c.NEmbd,
		"params", m.NumParams(false))
	return m, nil
}

// Config returns a copy of the model's configuration.
func (m *Model) Config() Config { return m.cfg }

// Steering returns the mutable steering state, or nil when steering is off.
func (m *Model) Steering() *SteeringState {
	if m.steering == nil {
		return nil
	}
	return m.steering.state
}

// SetLSVIndex selects the steering dataset row used by the one_hot variant.
func (m *Model) SetLSVIndex(i int) {
	if m.steering != nil {
		m.steering.state.Index = i
	}
}

// SetLSVScalingFactor adjusts the steering strength.
func (m *Model) SetLSVScalingFactor(f float64) {
	if m.steering != nil {
		m.steering.state.ScalingFactor = f
	}
}

// SetLSVMixture overrides the mixture weights used by the mixture variant.
func (m *Model) SetLSVMixture(w []float64) {
	if m.steering != nil {
		m.steering.state.Mixture = append([]float64(nil), w...)
	}
}

// OutputProbs returns the configured output-softmax converter, or nil when
// the plain normalized exponential should be used.
func (m *Model) OutputProbs() ProbsFunc { return m.outProbs }

func (m *Model) buildPlan() {
	c := &m.cfg
	m.plan = make([][]injectionKind, c.NLayer+1)
	for d := 0; d <= c.NLayer; d++ {
		if c.NLPE > 0 && d == c.TargetLayerInLPE {
			m.plan[d] = append(m.plan[d], injectLPECollect)
		}
		if c.NLPE > 0 && d == c.TargetLayerOutLPE {
			m.plan[d] = append(m.plan[d], injectLPEInject)
		}
		if c.UseLSV && d == c.ApplyLSVAtLayerIdx {
			m.plan[d] = append(m.plan[d], injectSteering)
		}
		if d == c.ApplyVectorAtLayerIdx && m.applyVec != nil {
			m.plan[d] = append(m.plan[d], injectApplyVector)
		}
		if d == c.ObtainVectorAtLayerIdx {
			m.plan[d] = append(m.plan[d], injectObtainVector)
		}
	}
}

// EmbedTokens maps token ids to the model's working width: table lookup,
// optional fake quantization, factorized up-projection and embedding
// scaling. Position embeddings and dropout are applied by ForwardEmbedded.
func (m *Model) EmbedTokens(g *tensor.Graph, idx [][]int) (*tensor.Tensor, error) {
	return m.embedContext(g, idx, 0)
}

func (m *Model) embedContext(g *tensor.Graph, idx [][]int, ctx int) (*tensor.Tensor, error) {
	if len(idx) == 0 || len(idx[0]) == 0 {
		return nil, fmt.Errorf("model: empty token batch")
	}
	if t := len(idx[0]); t > m.cfg.BlockSize {
		return nil, fmt.Errorf("model: sequence length %d exceeds block size %d", t, m.cfg.BlockSize)
	}
	table := m.wtes[ctx]
	if m.wteQuant != nil {
		table = m.wteQuant(g, table, m.cfg.QuantizeWteBits)
	}
	x := g.EmbeddingLookup(table, idx)
	if m.scaleUp != nil {
		x = g.Linear(x, m.scaleUp, nil)
	}
	if m.cfg.UseEmbeddingScale {
		x = g.Scale(x, math.Sqrt(float64(m.cfg.NEmbd)))
	}
	if m.embScale != nil {
		x = g.MulScalarParam(x, m.embScale)
	}
	return x, nil
}

// addPositions applies absolute position embeddings and embedding dropout.
func (m *Model) addPositions(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	if m.wpe != nil {
		wpe := m.wpe
		if m.wpeQuant != nil {
			wpe = m.wpeQuant(g, wpe, m.cfg.QuantizeWpeBits)
		}
		x = g.AddRows(x, g.PositionRows(wpe, x.Dim(-2)))
	}
	return g.Dropout(x, m.cfg.Dropout)
}

// runTrunk walks the injection plan and the block stack.
func (m *Model) runTrunk(g *tensor.Graph, x *tensor.Tensor) (*tensor.Tensor, error) {
	var lpeSum *tensor.Tensor
	var carry *tensor.Tensor
	for d := 0; d <= len(m.blocks); d++ {
		for _, k := range m.plan[d] {
			switch k {
			case injectLPECollect:
				for _, l := range m.lpes {
					r := l.Forward(g, x)
					if lpeSum == nil {
						lpeSum = r
					} else {
						lpeSum = g.Add(lpeSum, r)
					}
				}
			case injectLPEInject:
				if lpeSum != nil {
					x = g.Add(x, lpeSum)
				}
			case injectSteering:
				x = m.steering.apply(g, x)
			case injectApplyVector:
				x = g.AddVec(x, g.Scale(m.applyVec, m.cfg.ApplyVectorScalingFactor))
			case injectObtainVector:
				if err := m.writeObtainedVector(x); err != nil {
					return nil, err
				}
			}
		}
		if d < len(m.blocks) {
			x, carry = m.blocks[d].Forward(g, x, carry)
		}
	}
	return x, nil
}

// head runs the output stage for one context: final norm, factorized
// down-projection, projection to the vocabulary and uniform soft-capping.
// Without targets only the last position is projected.
func (m *Model) head(g *tensor.Graph, x *tensor.Tensor, targets [][]int, ctx int) (*tensor.Tensor, *tensor.Tensor) {
	h := m.lnF.Forward(g, x)
	if m.scaleUp != nil {
		h = g.Linear(h, m.downWeight(g), nil)
	}
	if targets == nil {
		h = g.LastTimeStep(h)
	}
	logitsT := g.Linear(h, m.lmHeads[ctx], nil)
	logitsT = m.softcap(g, logitsT)
	if targets == nil {
		return logitsT, nil
	}
	return logitsT, g.CrossEntropy(logitsT, targets, -1)
}

func (m *Model) downWeight(g *tensor.Graph) *tensor.Tensor {
	if m.scaleTied {
		return g.TransposeLast2(m.scaleUp)
	}
	return m.scaleDown
}

// softcap bounds logits to [-c, c] via c*tanh(x/c). Applied to every
// returned logits tensor, training and inference alike.
func (m *Model) softcap(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	threshold := m.cfg.FinalLogitSoftcapping
	if threshold == nil {
		return x
	}
	c := *threshold
	return g.Scale(g.Tanh(g.Scale(x, 1/c)), c)
}

// Forward runs a single-context pass. With targets it returns full-sequence
// logits of shape (batch, time, vocab) and a scalar cross-entropy loss;
// without targets it returns last-position logits (batch, 1, vocab) and a
// nil loss.
func (m *Model) Forward(g *tensor.Graph, idx, targets [][]int) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(m.wtes) > 1 {
		return nil, nil, fmt.Errorf("model: multicontext model requires ForwardMulti")
	}
	x, err := m.EmbedTokens(g, idx)
	if err != nil {
		return nil, nil, err
	}
	return m.ForwardEmbedded(g, x, targets)
}

// ForwardEmbedded continues a pass from already-embedded activations,
// enabling latent chaining where one model's hidden state feeds another.
func (m *Model) ForwardEmbedded(g *tensor.Graph, x *tensor.Tensor, targets [][]int) (*tensor.Tensor, *tensor.Tensor, error) {
	x = m.addPositions(g, x)
	x, err := m.runTrunk(g, x)
	if err != nil {
		return nil, nil, err
	}
	logitsT, loss := m.head(g, x, targets, 0)
	return logitsT, loss, nil
}

// ForwardMulti runs the multi-context pass: per-context embeddings are
// summed into one activation, the shared trunk runs once, and each context's
// head produces its own logits and loss. Losses are returned per context,
// never summed here.
func (m *Model) ForwardMulti(g *tensor.Graph, idxByCtx, targetsByCtx [][][]int) ([]*tensor.Tensor, []*tensor.Tensor, error) {
	if len(idxByCtx) != len(m.wtes) {
		return nil, nil, fmt.Errorf("model: got %d contexts, model has %d", len(idxByCtx), len(m.wtes))
	}
	var x *tensor.Tensor
	for ctx, idx := range idxByCtx {
		e, err := m.embedContext(g, idx, ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("model: context %d: %w", ctx, err)
		}
		if x == nil {
			x = e
		} else {
			x = g.Add(x, e)
		}
	}
	x = m.addPositions(g, x)
	x, err := m.runTrunk(g, x)
	if err != nil {
		return nil, nil, err
	}
	logitsByCtx := make([]*tensor.Tensor, len(m.wtes))
	lossByCtx := make([]*tensor.Tensor, len(m.wtes))
	for ctx := range m.wtes {
		var targets [][]int
		if targetsByCtx != nil {
			targets = targetsByCtx[ctx]
		}
		logitsByCtx[ctx], lossByCtx[ctx] = m.head(g, x, targets, ctx)
	}
	return logitsByCtx, lossByCtx, nil
}

func (m *Model) writeObtainedVector(x *tensor.Tensor) error {
	snap := tensor.MeanTime(x)
	b, e := snap.Dim(0), snap.Dim(2)
	vec := make([]float64, e)
	for bi := 0; bi < b; bi++ {
		for ei := 0; ei < e; ei++ {
			vec[ei] += snap.Data[bi*e+ei]
		}
	}
	for ei := range vec {
		vec[ei] /= float64(b)
	}
	err := safetensors.Write(m.cfg.ObtainVectorFile, []safetensors.Entry{
		{Name: "vector", Shape: []int{e}, Data: vec},
	})
	if err != nil {
		return fmt.Errorf("model: obtain vector: %w", err)
	}
	return nil
}

func loadVector(path string, width int) (*tensor.Tensor, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("model: apply vector: %w", err)
	}
	defer f.Close()
	names := f.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("model: apply vector: %s contains no tensors", path)
	}
	name := names[0]
	for _, n := range names {
		if n == "vector" {
			name = n
		}
	}
	data, info, err := f.ReadTensorF64(name)
	if err != nil {
		return nil, fmt.Errorf("model: apply vector: %w", err)
	}
	if len(data) != width {
		return nil, fmt.Errorf("model: apply vector %q shape %v does not match width %d", name, info.Shape, width)
	}
	return tensor.FromSlice(data, width), nil
}

// collectParams rebuilds the named-parameter registry, deduplicating shared
// and tied tensors by pointer so each storage appears once.
func (m *Model) collectParams() {
	m.params = m.params[:0]
	seen := make(map[*tensor.Tensor]bool)
	visit := func(name string, p *tensor.Tensor) {
		if p == nil || seen[p] {
			return
		}
		seen[p] = true
		m.params = append(m.params, NamedParam{Name: name, Tensor: p})
	}
	for i, w := range m.wtes {
		if len(m.wtes) == 1 {
			visit("transformer.wte.weight", w)
		} else {
			visit(fmt.Sprintf("transformer.wte.%d.weight", i), w)
		}
	}
	if m.wpe != nil {
		visit("transformer.wpe.weight", m.wpe)
	}
	if m.embScale != nil {
		visit("transformer.embedding_scale", m.embScale)
	}
	if m.scaleUp != nil {
		visit("transformer.scale_up.weight", m.scaleUp)
	}
	if m.scaleDown != nil {
		visit("transformer.scale_down.weight", m.scaleDown)
	}
	for i, b := range m.blocks {
		b.params(fmt.Sprintf("transformer.h.%d", i), visit)
	}
	m.lnF.Params("transformer.ln_f", visit)
	for i, l := range m.lpes {
		l.params(fmt.Sprintf("lpe.%d", i), visit)
	}
	if m.steering != nil {
		m.steering.params("lsv", visit)
	}
	for i, h := range m.lmHeads {
		if len(m.lmHeads) == 1 {
			visit("lm_head.weight", h)
		} else {
			visit(fmt.Sprintf("lm_head.%d.weight", i), h)
		}
	}
}

// initParams fills weight matrices and embeddings with the configured
// initializer. Norm gains keep their construction-time ones; biases stay
// zero. Projections that feed a residual stream get a reduced deviation so
// residual variance stays level as depth grows.
func (m *Model) initParams() {
	c := &m.cfg
	projStd := c.InitStd / math.Sqrt(2*float64(c.NLayer))
	for _, np := range m.params {
		switch {
		case strings.Contains(np.Name, "wte") || strings.Contains(np.Name, "wpe") ||
			strings.HasPrefix(np.Name, "lm_head") || strings.HasPrefix(np.Name, "lsv"):
			m.initFn(m.rng, np.Tensor, c.EmbeddingMeanInit, c.EmbeddingStdInit)
		case strings.HasSuffix(np.Name, ".c_proj.weight"):
			m.initFn(m.rng, np.Tensor, c.InitMean, projStd)
		case strings.HasSuffix(np.Name, ".weight"):
			m.initFn(m.rng, np.Tensor, c.InitMean, c.InitStd)
		}
	}
	if m.steering != nil && m.steering.mixture != nil {
		// Mixture weights start uniform, not random.
		for i := range m.steering.mixture.Data {
			m.steering.mixture.Data[i] = 1 / float64(len(m.steering.mixture.Data))
		}
	}
}

// Params lists every unique named parameter.
func (m *Model) Params() []NamedParam {
	out := make([]NamedParam, len(m.params))
	copy(out, m.params)
	return out
}

// NumParams counts parameter elements. With nonEmbedding set, absolute
// position embeddings are excluded, the usual reporting convention when the
// output head is tied to the token embedding.
func (m *Model) NumParams(nonEmbedding bool) int {
	total := 0
	for _, np := range m.params {
		total += np.Tensor.Numel()
	}
	if nonEmbedding && m.wpe != nil {
		total -= m.wpe.Numel()
	}
	return total
}

// FreezeNonSteeringParams marks everything except the steering parameters
// untrainable, for steering-only fine-tuning.
func (m *Model) FreezeNonSteeringParams() {
	for _, np := range m.params {
		np.Tensor.Trainable = strings.HasPrefix(np.Name, "lsv")
	}
}

// ZeroGrad clears accumulated gradients on every parameter.
func (m *Model) ZeroGrad() {
	for _, np := range m.params {
		np.Tensor.ZeroGrad()
	}
}

// CropBlockSize shrinks the supported context length, truncating the
// position table. Generation on contexts shorter than the new size is
// unaffected.
func (m *Model) CropBlockSize(n int) error {
	if n <= 0 || n > m.cfg.BlockSize {
		return fmt.Errorf("model: crop block size %d outside (0, %d]", n, m.cfg.BlockSize)
	}
	if m.wpe != nil {
		cropped := tensor.Param(n, m.cfg.NEmbd)
		copy(cropped.Data, m.wpe.Data[:n*m.cfg.NEmbd])
		cropped.Trainable = m.wpe.Trainable
		m.wpe = cropped
	}
	m.cfg.BlockSize = n
	m.collectParams()
	return nil
}

// UpdateRopeLength changes the rotated span of every adjustable position
// encoder in the block stack. Shared attention instances receive the call
// once per holding layer, which is idempotent. n must be even and fit
// within the head dimension.
func (m *Model) UpdateRopeLength(n int) error {
	headDim := m.cfg.NEmbd / m.cfg.NHead
	if n <= 0 || n > headDim || n%2 != 0 {
		return fmt.Errorf("model: rope length %d invalid for head dimension %d", n, headDim)
	}
	for _, b := range m.blocks {
		if s, ok := b.attn.(RopeLengthSetter); ok {
			s.SetRopeLength(n)
		}
	}
	m.cfg.RopeLength = n
	return nil
}

// UpdateBlockSize grows the supported context length, initializing the new
// position rows with the configured initializer.
func (m *Model) UpdateBlockSize(n int) error {
	if n <= m.cfg.BlockSize {
		return fmt.Errorf("model: update block size %d must exceed current %d", n, m.cfg.BlockSize)
	}
	if m.wpe != nil {
		grown := tensor.Param(n, m.cfg.NEmbd)
		m.initFn(m.rng, grown, m.cfg.EmbeddingMeanInit, m.cfg.EmbeddingStdInit)
		copy(grown.Data, m.wpe.Data)
		grown.Trainable = m.wpe.Trainable
		m.wpe = grown
	}
	m.cfg.BlockSize = n
	m.collectParams()
	return nil
}
