package tensor

import (
	"fmt"
	"math"
)

// Add returns a + b. Shapes must match exactly.
func (g *Graph) Add(a, b *Tensor) *Tensor {
	if !ShapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: Add shape mismatch %v vs %v", a.shape, b.shape))
	}
	out := New(a.shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	g.record(func() {
		for i := range out.Grad {
			a.Grad[i] += out.Grad[i]
			b.Grad[i] += out.Grad[i]
		}
	})
	return out
}

// AddRows adds a (..., T, E) tensor and a (T, E) tensor, broadcasting the
// latter over leading dimensions. Used for absolute position embeddings.
func (g *Graph) AddRows(x, rows *Tensor) *Tensor {
	if rows.Rank() != 2 || x.Rank() < 2 ||
		x.Dim(-2) != rows.Dim(0) || x.Dim(-1) != rows.Dim(1) {
		panic(fmt.Sprintf("tensor: AddRows shape mismatch %v vs %v", x.shape, rows.shape))
	}
	n := rows.Numel()
	out := New(x.shape...)
	for i := range out.Data {
		out.Data[i] = x.Data[i] + rows.Data[i%n]
	}
	g.record(func() {
		for i := range out.Grad {
			x.Grad[i] += out.Grad[i]
			rows.Grad[i%n] += out.Grad[i]
		}
	})
	return out
}

// AddVec adds a (E,) vector to every row of a (..., E) tensor.
func (g *Graph) AddVec(x, v *Tensor) *Tensor {
	if v.Rank() != 1 || x.Dim(-1) != v.Dim(0) {
		panic(fmt.Sprintf("tensor: AddVec shape mismatch %v vs %v", x.shape, v.shape))
	}
	n := v.Numel()
	out := New(x.shape...)
	for i := range out.Data {
		out.Data[i] = x.Data[i] + v.Data[i%n]
	}
	g.record(func() {
		for i := range out.Grad {
			x.Grad[i] += out.Grad[i]
			v.Grad[i%n] += out.Grad[i]
		}
	})
	return out
}

// Mul returns the elementwise product.
func (g *Graph) Mul(a, b *Tensor) *Tensor {
	if !ShapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: Mul shape mismatch %v vs %v", a.shape, b.shape))
	}
	out := New(a.shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	g.record(func() {
		for i := range out.Grad {
			a.Grad[i] += b.Data[i] * out.Grad[i]
			b.Grad[i] += a.Data[i] * out.Grad[i]
		}
	})
	return out
}

// Scale multiplies by a constant.
func (g *Graph) Scale(x *Tensor, s float64) *Tensor {
	out := New(x.shape...)
	for i := range out.Data {
		out.Data[i] = x.Data[i] * s
	}
	g.record(func() {
		for i := range out.Grad {
			x.Grad[i] += s * out.Grad[i]
		}
	})
	return out
}

// MulScalarParam multiplies x by a learned single-element parameter.
func (g *Graph) MulScalarParam(x, s *Tensor) *Tensor {
	if s.Numel() != 1 {
		panic(fmt.Sprintf("tensor: MulScalarParam requires a scalar parameter, got shape %v", s.shape))
	}
	sv := s.Data[0]
	out := New(x.shape...)
	for i := range out.Data {
		out.Data[i] = x.Data[i] * sv
	}
	g.record(func() {
		acc := 0.0
		for i := range out.Grad {
			x.Grad[i] += sv * out.Grad[i]
			acc += x.Data[i] * out.Grad[i]
		}
		s.Grad[0] += acc
	})
	return out
}

func (g *Graph) applyUnary(x *Tensor, fn func(float64) float64, dfn func(x, y float64) float64) *Tensor {
	out := New(x.shape...)
	for i := range out.Data {
		out.Data[i] = fn(x.Data[i])
	}
	g.record(func() {
		for i := range out.Grad {
			x.Grad[i] += dfn(x.Data[i], out.Data[i]) * out.Grad[i]
		}
	})
	return out
}

// Tanh applies the hyperbolic tangent elementwise.
func (g *Graph) Tanh(x *Tensor) *Tensor {
	return g.applyUnary(x, math.Tanh, func(_, y float64) float64 {
		return 1 - y*y
	})
}

const (
	invSqrt2   = 0.7071067811865476
	invSqrt2Pi = 0.3989422804014327
)

// GELU applies the exact (erf-based) Gaussian error linear unit.
func (g *Graph) GELU(x *Tensor) *Tensor {
	fn := func(v float64) float64 {
		return 0.5 * v * (1 + math.Erf(v*invSqrt2))
	}
	dfn := func(v, y float64) float64 {
		pdf := invSqrt2Pi * math.Exp(-0.5*v*v)
		var cdf float64
		if math.Abs(v) < 1e-9 {
			cdf = 0.5
		} else {
			cdf = y / v
		}
		return cdf + v*pdf
	}
	return g.applyUnary(x, fn, dfn)
}

// ReLU applies max(0, x) elementwise.
func (g *Graph) ReLU(x *Tensor) *Tensor {
	return g.applyUnary(x,
		func(v float64) float64 { return math.Max(0, v) },
		func(v, _ float64) float64 {
			if v > 0 {
				return 1
			}
			return 0
		})
}

// SiLU applies x*sigmoid(x) elementwise.
func (g *Graph) SiLU(x *Tensor) *Tensor {
	fn := func(v float64) float64 { return v / (1 + math.Exp(-v)) }
	dfn := func(v, y float64) float64 {
		sig := 1 / (1 + math.Exp(-v))
		return sig + y*(1-sig)
	}
	return g.applyUnary(x, fn, dfn)
}

// SquaredReLU applies relu(x)^2 elementwise.
func (g *Graph) SquaredReLU(x *Tensor) *Tensor {
	fn := func(v float64) float64 {
		if v <= 0 {
			return 0
		}
		return v * v
	}
	dfn := func(v, _ float64) float64 {
		if v <= 0 {
			return 0
		}
		return 2 * v
	}
	return g.applyUnary(x, fn, dfn)
}

// Sigmoid applies the logistic function elementwise.
func (g *Graph) Sigmoid(x *Tensor) *Tensor {
	fn := func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }
	dfn := func(_, y float64) float64 { return y * (1 - y) }
	return g.applyUnary(x, fn, dfn)
}

// Softmax normalizes the last dimension into a probability distribution.
func (g *Graph) Softmax(x *Tensor) *Tensor {
	n := x.Dim(-1)
	out := New(x.shape...)
	rows := x.Numel() / n
	for r := 0; r < rows; r++ {
		row := x.Data[r*n : (r+1)*n]
		dst := out.Data[r*n : (r+1)*n]
		maxv := math.Inf(-1)
		for _, v := range row {
			if v > maxv {
				maxv = v
			}
		}
		sum := 0.0
		for i, v := range row {
			e := math.Exp(v - maxv)
			dst[i] = e
			sum += e
		}
		for i := range dst {
			dst[i] /= sum
		}
	}
	g.record(func() {
		for r := 0; r < rows; r++ {
			y := out.Data[r*n : (r+1)*n]
			gy := out.Grad[r*n : (r+1)*n]
			gx := x.Grad[r*n : (r+1)*n]
			dot := 0.0
			for i := range y {
				dot += gy[i] * y[i]
			}
			for i := range y {
				gx[i] += y[i] * (gy[i] - dot)
			}
		}
	})
	return out
}

// LayerNorm normalizes the last dimension to zero mean and unit variance,
// then applies gain and optional bias.
func (g *Graph) LayerNorm(x, gain, bias *Tensor, eps float64) *Tensor {
	n := x.Dim(-1)
	if gain.Numel() != n || (bias != nil && bias.Numel() != n) {
		panic(fmt.Sprintf("tensor: LayerNorm parameter size mismatch for width %d", n))
	}
	out := New(x.shape...)
	rows := x.Numel() / n
	fn := float64(n)
	for r := 0; r < rows; r++ {
		row := x.Data[r*n : (r+1)*n]
		dst := out.Data[r*n : (r+1)*n]
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= fn
		variance := 0.0
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= fn
		inv := 1 / math.Sqrt(variance+eps)
		for i, v := range row {
			dst[i] = (v - mean) * inv * gain.Data[i]
			if bias != nil {
				dst[i] += bias.Data[i]
			}
		}
	}
	g.record(func() {
		for r := 0; r < rows; r++ {
			row := x.Data[r*n : (r+1)*n]
			gy := out.Grad[r*n : (r+1)*n]
			gx := x.Grad[r*n : (r+1)*n]
			mean := 0.0
			for _, v := range row {
				mean += v
			}
			mean /= fn
			variance := 0.0
			for _, v := range row {
				d := v - mean
				variance += d * d
			}
			variance /= fn
			inv := 1 / math.Sqrt(variance+eps)

			sumG, sumGX := 0.0, 0.0
			for i := range row {
				xn := (row[i] - mean) * inv
				gg := gy[i] * gain.Data[i]
				sumG += gg
				sumGX += gg * xn
				gain.Grad[i] += gy[i] * xn
				if bias != nil {
					bias.Grad[i] += gy[i]
				}
			}
			for i := range row {
				xn := (row[i] - mean) * inv
				gg := gy[i] * gain.Data[i]
				gx[i] += (fn*gg - sumG - xn*sumGX) * inv / fn
			}
		}
	})
	return out
}

// RMSNorm normalizes the last dimension by its root mean square and applies
// gain.
func (g *Graph) RMSNorm(x, gain *Tensor, eps float64) *Tensor {
	n := x.Dim(-1)
	if gain.Numel() != n {
		panic(fmt.Sprintf("tensor: RMSNorm parameter size mismatch for width %d", n))
	}
	out := New(x.shape...)
	rows := x.Numel() / n
	fn := float64(n)
	for r := 0; r < rows; r++ {
		row := x.Data[r*n : (r+1)*n]
		dst := out.Data[r*n : (r+1)*n]
		ms := 0.0
		for _, v := range row {
			ms += v * v
		}
		inv := 1 / math.Sqrt(ms/fn+eps)
		for i, v := range row {
			dst[i] = v * inv * gain.Data[i]
		}
	}
	g.record(func() {
		for r := 0; r < rows; r++ {
			row := x.Data[r*n : (r+1)*n]
			gy := out.Grad[r*n : (r+1)*n]
			gx := x.Grad[r*n : (r+1)*n]
			ms := 0.0
			for _, v := range row {
				ms += v * v
			}
			rms := math.Sqrt(ms/fn + eps)
			inv := 1 / rms
			dot := 0.0
			for i := range row {
				dot += gy[i] * gain.Data[i] * row[i]
				gain.Grad[i] += gy[i] * row[i] * inv
			}
			c := dot / (fn * rms * rms * rms)
			for i := range row {
				gx[i] += gy[i]*gain.Data[i]*inv - row[i]*c
			}
		}
	})
	return out
}

// Dropout zeroes elements with probability p and rescales the survivors by
// 1/(1-p). It is the identity outside training mode.
func (g *Graph) Dropout(x *Tensor, p float64) *Tensor {
	if !g.training || p <= 0 {
		return x
	}
	if p >= 1 {
		panic(fmt.Sprintf("tensor: dropout probability %v out of range", p))
	}
	keep := 1 - p
	scale := 1 / keep
	mask := make([]bool, x.Numel())
	out := New(x.shape...)
	for i := range out.Data {
		if g.rng.Float64() < keep {
			mask[i] = true
			out.Data[i] = x.Data[i] * scale
		}
	}
	g.record(func() {
		for i := range out.Grad {
			if mask[i] {
				x.Grad[i] += out.Grad[i] * scale
			}
		}
	})
	return out
}

// CausalMask copies a (..., T, T) score tensor, replacing entries above the
// diagonal with -Inf. A positive window additionally masks entries more than
// window-1 positions in the past (sliding-window attention).
func (g *Graph) CausalMask(x *Tensor, window int) *Tensor {
	if x.Rank() < 2 || x.Dim(-1) != x.Dim(-2) {
		panic(fmt.Sprintf("tensor: CausalMask requires square trailing dims, got %v", x.shape))
	}
	t := x.Dim(-1)
	mats := x.Numel() / (t * t)
	out := New(x.shape...)
	neg := math.Inf(-1)
	for m := 0; m < mats; m++ {
		base := m * t * t
		for i := 0; i < t; i++ {
			for j := 0; j < t; j++ {
				idx := base + i*t + j
				if j > i || (window > 0 && j <= i-window) {
					out.Data[idx] = neg
				} else {
					out.Data[idx] = x.Data[idx]
				}
			}
		}
	}
	g.record(func() {
		for m := 0; m < mats; m++ {
			base := m * t * t
			for i := 0; i < t; i++ {
				for j := 0; j < t; j++ {
					if j > i || (window > 0 && j <= i-window) {
						continue
					}
					idx := base + i*t + j
					x.Grad[idx] += out.Grad[idx]
				}
			}
		}
	})
	return out
}

// FakeQuantSym fake-quantizes to a symmetric bit-width grid. Gradients use
// the straight-through estimator.
func (g *Graph) FakeQuantSym(x *Tensor, bits int) *Tensor {
	if bits < 2 || bits > 16 {
		panic(fmt.Sprintf("tensor: unsupported symmetric quantization bit width %d", bits))
	}
	qmax := float64(int(1)<<(bits-1)) - 1
	maxAbs := 0.0
	for _, v := range x.Data {
		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}
	scale := maxAbs / qmax
	out := New(x.shape...)
	if scale == 0 {
		copy(out.Data, x.Data)
	} else {
		for i, v := range x.Data {
			q := math.Round(v / scale)
			out.Data[i] = math.Max(-qmax, math.Min(qmax, q)) * scale
		}
	}
	g.record(func() {
		for i := range out.Grad {
			x.Grad[i] += out.Grad[i]
		}
	})
	return out
}

// FakeQuantAffine fake-quantizes to an affine (zero-pointed) grid spanning
// the tensor's min/max. Gradients use the straight-through estimator.
func (g *Graph) FakeQuantAffine(x *Tensor, bits int) *Tensor {
	if bits < 2 || bits > 16 {
		panic(fmt.Sprintf("tensor: unsupported affine quantization bit width %d", bits))
	}
	levels := float64(int(1)<<bits) - 1
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range x.Data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	out := New(x.shape...)
	if hi == lo {
		copy(out.Data, x.Data)
	} else {
		scale := (hi - lo) / levels
		for i, v := range x.Data {
			q := math.Round((v - lo) / scale)
			out.Data[i] = q*scale + lo
		}
	}
	g.record(func() {
		for i := range out.Grad {
			x.Grad[i] += out.Grad[i]
		}
	})
	return out
}

// TernaryQuant maps values to {-1, 0, +1} scaled by the mean magnitude, the
// 1.58-bit scheme used by bit-linear layers. Gradients are straight-through.
func (g *Graph) TernaryQuant(x *Tensor) *Tensor {
	mean := 0.0
	for _, v := range x.Data {
		mean += math.Abs(v)
	}
	mean /= float64(len(x.Data))
	out := New(x.shape...)
	if mean == 0 {
		copy(out.Data, x.Data)
	} else {
		for i, v := range x.Data {
			q := math.Round(v / mean)
			out.Data[i] = math.Max(-1, math.Min(1, q)) * mean
		}
	}
	g.record(func() {
		for i := range out.Grad {
			x.Grad[i] += out.Grad[i]
		}
	})
	return out
}

// SliceLast selects index i of the last dimension, producing a (..., 1)
// tensor. Used to pull one expert's routing weight out of a router output.
func (g *Graph) SliceLast(x *Tensor, i int) *Tensor {
	n := x.Dim(-1)
	if i < 0 || i >= n {
		panic(fmt.Sprintf("tensor: SliceLast index %d out of range for shape %v", i, x.shape))
	}
	shape := x.Shape()
	shape[len(shape)-1] = 1
	rows := x.Numel() / n
	out := New(shape...)
	for r := 0; r < rows; r++ {
		out.Data[r] = x.Data[r*n+i]
	}
	g.record(func() {
		for r := 0; r < rows; r++ {
			x.Grad[r*n+i] += out.Grad[r]
		}
	})
	return out
}

// MulBroadcast multiplies a (..., E) tensor by a (..., 1) tensor whose
// leading dimensions match, scaling each row by its own factor.
func (g *Graph) MulBroadcast(x, w *Tensor) *Tensor {
	if w.Dim(-1) != 1 || w.Numel() != x.Numel()/x.Dim(-1) {
		panic(fmt.Sprintf("tensor: MulBroadcast shape mismatch %v vs %v", x.shape, w.shape))
	}
	e := x.Dim(-1)
	out := New(x.shape...)
	for i := range out.Data {
		out.Data[i] = x.Data[i] * w.Data[i/e]
	}
	g.record(func() {
		for i := range out.Grad {
			x.Grad[i] += w.Data[i/e] * out.Grad[i]
			w.Grad[i/e] += x.Data[i] * out.Grad[i]
		}
	})
	return out
}

// TopKMaskLast keeps the k largest entries of each row of the last dimension
// and replaces the rest with -Inf. Gradients flow only through kept entries.
func (g *Graph) TopKMaskLast(x *Tensor, k int) *Tensor {
	n := x.Dim(-1)
	if k <= 0 || k > n {
		panic(fmt.Sprintf("tensor: TopKMaskLast k=%d invalid for last dim %d", k, n))
	}
	rows := x.Numel() / n
	out := New(x.shape...)
	kept := make([]bool, x.Numel())
	row := make([]float64, n)
	for r := 0; r < rows; r++ {
		copy(row, x.Data[r*n:(r+1)*n])
		thr := kthLargest(row, k)
		taken := 0
		for j := 0; j < n; j++ {
			idx := r*n + j
			if x.Data[idx] >= thr && taken < k {
				out.Data[idx] = x.Data[idx]
				kept[idx] = true
				taken++
			} else {
				out.Data[idx] = math.Inf(-1)
			}
		}
	}
	g.record(func() {
		for i, keep := range kept {
			if keep {
				x.Grad[i] += out.Grad[i]
			}
		}
	})
	return out
}

// RepeatHeads expands a (B, H, T, D) tensor to (B, H*repeat, T, D) by
// duplicating each head repeat times consecutively, so output head h reads
// input head h/repeat. Gradients from all copies accumulate into the source
// head. Used to share key/value heads across query-head groups.
func (g *Graph) RepeatHeads(x *Tensor, repeat int) *Tensor {
	if x.Rank() != 4 {
		panic(fmt.Sprintf("tensor: RepeatHeads requires rank 4, got %v", x.shape))
	}
	if repeat < 1 {
		panic(fmt.Sprintf("tensor: RepeatHeads repeat %d must be positive", repeat))
	}
	if repeat == 1 {
		return x
	}
	b, h, t, d := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	out := New(b, h*repeat, t, d)
	headLen := t * d
	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			src := x.Data[(bi*h+hi)*headLen : (bi*h+hi+1)*headLen]
			for r := 0; r < repeat; r++ {
				dst := ((bi*h+hi)*repeat + r) * headLen
				copy(out.Data[dst:dst+headLen], src)
			}
		}
	}
	g.record(func() {
		for bi := 0; bi < b; bi++ {
			for hi := 0; hi < h; hi++ {
				dst := x.Grad[(bi*h+hi)*headLen : (bi*h+hi+1)*headLen]
				for r := 0; r < repeat; r++ {
					src := out.Grad[((bi*h+hi)*repeat+r)*headLen:]
					for i := range dst {
						dst[i] += src[i]
					}
				}
			}
		}
	})
	return out
}

// kthLargest returns the k-th largest value of row (1-based), mutating row.
func kthLargest(row []float64, k int) float64 {
	for i := 0; i < k; i++ {
		maxIdx := i
		for j := i + 1; j < len(row); j++ {
			if row[j] > row[maxIdx] {
				maxIdx = j
			}
		}
		row[i], row[maxIdx] = row[maxIdx], row[i]
	}
	return row[k-1]
}
