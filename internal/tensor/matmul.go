package tensor

import (
	"fmt"
	"math"
)

// MatMul multiplies (..., M, K) by (..., K, N). The right operand is either
// a 2-D matrix broadcast over the left operand's leading dimensions, or a
// tensor with identical leading dimensions (batched multiply).
func (g *Graph) MatMul(a, b *Tensor) *Tensor {
	if a.Rank() < 2 || b.Rank() < 2 {
		panic(fmt.Sprintf("tensor: MatMul requires rank >= 2, got %v x %v", a.shape, b.shape))
	}
	m, k := a.Dim(-2), a.Dim(-1)
	if b.Dim(-2) != k {
		panic(fmt.Sprintf("tensor: MatMul inner dims misaligned: %v x %v", a.shape, b.shape))
	}
	n := b.Dim(-1)
	batch := a.Numel() / (m * k)
	broadcast := b.Rank() == 2
	if !broadcast {
		if b.Numel()/(k*n) != batch || !ShapeEqual(a.shape[:a.Rank()-2], b.shape[:b.Rank()-2]) {
			panic(fmt.Sprintf("tensor: MatMul leading dims mismatch: %v x %v", a.shape, b.shape))
		}
	}

	outShape := append(append([]int(nil), a.shape[:a.Rank()-2]...), m, n)
	out := New(outShape...)

	bOff := func(idx int) int {
		if broadcast {
			return 0
		}
		return idx * k * n
	}
	for bi := 0; bi < batch; bi++ {
		av := a.Data[bi*m*k:]
		bv := b.Data[bOff(bi):]
		ov := out.Data[bi*m*n:]
		for i := 0; i < m; i++ {
			for l := 0; l < k; l++ {
				av0 := av[i*k+l]
				if av0 == 0 {
					continue
				}
				brow := bv[l*n : l*n+n]
				orow := ov[i*n : i*n+n]
				for j := 0; j < n; j++ {
					orow[j] += av0 * brow[j]
				}
			}
		}
	}
	g.record(func() {
		for bi := 0; bi < batch; bi++ {
			av := a.Data[bi*m*k:]
			agv := a.Grad[bi*m*k:]
			bv := b.Data[bOff(bi):]
			bgv := b.Grad[bOff(bi):]
			ogv := out.Grad[bi*m*n:]
			for i := 0; i < m; i++ {
				for j := 0; j < n; j++ {
					og := ogv[i*n+j]
					if og == 0 {
						continue
					}
					for l := 0; l < k; l++ {
						agv[i*k+l] += bv[l*n+j] * og
						bgv[l*n+j] += av[i*k+l] * og
					}
				}
			}
		}
	})
	return out
}

// TransposeLast2 swaps the trailing two dimensions into a new tensor.
func (g *Graph) TransposeLast2(x *Tensor) *Tensor {
	if x.Rank() < 2 {
		panic(fmt.Sprintf("tensor: TransposeLast2 requires rank >= 2, got %v", x.shape))
	}
	m, n := x.Dim(-2), x.Dim(-1)
	outShape := append(append([]int(nil), x.shape[:x.Rank()-2]...), n, m)
	out := New(outShape...)
	batch := x.Numel() / (m * n)
	for bi := 0; bi < batch; bi++ {
		xv := x.Data[bi*m*n:]
		ov := out.Data[bi*m*n:]
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				ov[j*m+i] = xv[i*n+j]
			}
		}
	}
	g.record(func() {
		for bi := 0; bi < batch; bi++ {
			xg := x.Grad[bi*m*n:]
			og := out.Grad[bi*m*n:]
			for i := 0; i < m; i++ {
				for j := 0; j < n; j++ {
					xg[i*n+j] += og[j*m+i]
				}
			}
		}
	})
	return out
}

// Linear applies x·wᵀ + b where w is (out, in) and b is (out,) or nil.
// x may have any leading dimensions; the last must equal in.
func (g *Graph) Linear(x, w, b *Tensor) *Tensor {
	if w.Rank() != 2 {
		panic(fmt.Sprintf("tensor: Linear weight must be rank 2, got %v", w.shape))
	}
	outDim, inDim := w.Dim(0), w.Dim(1)
	if x.Dim(-1) != inDim {
		panic(fmt.Sprintf("tensor: Linear input width %d does not match weight %v", x.Dim(-1), w.shape))
	}
	if b != nil && b.Numel() != outDim {
		panic(fmt.Sprintf("tensor: Linear bias size %d does not match weight %v", b.Numel(), w.shape))
	}
	rows := x.Numel() / inDim
	outShape := append(append([]int(nil), x.shape[:x.Rank()-1]...), outDim)
	out := New(outShape...)
	for r := 0; r < rows; r++ {
		xv := x.Data[r*inDim : (r+1)*inDim]
		ov := out.Data[r*outDim : (r+1)*outDim]
		for o := 0; o < outDim; o++ {
			wv := w.Data[o*inDim : (o+1)*inDim]
			sum := 0.0
			for i, xi := range xv {
				sum += xi * wv[i]
			}
			if b != nil {
				sum += b.Data[o]
			}
			ov[o] = sum
		}
	}
	g.record(func() {
		for r := 0; r < rows; r++ {
			xv := x.Data[r*inDim : (r+1)*inDim]
			xg := x.Grad[r*inDim : (r+1)*inDim]
			og := out.Grad[r*outDim : (r+1)*outDim]
			for o := 0; o < outDim; o++ {
				grad := og[o]
				if grad == 0 {
					continue
				}
				wv := w.Data[o*inDim : (o+1)*inDim]
				wg := w.Grad[o*inDim : (o+1)*inDim]
				for i := range xv {
					xg[i] += wv[i] * grad
					wg[i] += xv[i] * grad
				}
				if b != nil {
					b.Grad[o] += grad
				}
			}
		}
	})
	return out
}

// SplitHeads reshapes (B, T, E) into (B, H, T, E/H).
func (g *Graph) SplitHeads(x *Tensor, heads int) *Tensor {
	if x.Rank() != 3 || x.Dim(2)%heads != 0 {
		panic(fmt.Sprintf("tensor: SplitHeads cannot split shape %v into %d heads", x.shape, heads))
	}
	b, t, e := x.Dim(0), x.Dim(1), x.Dim(2)
	hd := e / heads
	out := New(b, heads, t, hd)
	for bi := 0; bi < b; bi++ {
		for ti := 0; ti < t; ti++ {
			for h := 0; h < heads; h++ {
				src := ((bi*t+ti)*e + h*hd)
				dst := (((bi*heads+h)*t + ti) * hd)
				copy(out.Data[dst:dst+hd], x.Data[src:src+hd])
			}
		}
	}
	g.record(func() {
		for bi := 0; bi < b; bi++ {
			for ti := 0; ti < t; ti++ {
				for h := 0; h < heads; h++ {
					src := ((bi*t+ti)*e + h*hd)
					dst := (((bi*heads+h)*t + ti) * hd)
					for i := 0; i < hd; i++ {
						x.Grad[src+i] += out.Grad[dst+i]
					}
				}
			}
		}
	})
	return out
}

// MergeHeads reshapes (B, H, T, D) back into (B, T, H*D).
func (g *Graph) MergeHeads(x *Tensor) *Tensor {
	if x.Rank() != 4 {
		panic(fmt.Sprintf("tensor: MergeHeads requires rank 4, got %v", x.shape))
	}
	b, heads, t, hd := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	e := heads * hd
	out := New(b, t, e)
	for bi := 0; bi < b; bi++ {
		for h := 0; h < heads; h++ {
			for ti := 0; ti < t; ti++ {
				src := (((bi*heads+h)*t + ti) * hd)
				dst := ((bi*t+ti)*e + h*hd)
				copy(out.Data[dst:dst+hd], x.Data[src:src+hd])
			}
		}
	}
	g.record(func() {
		for bi := 0; bi < b; bi++ {
			for h := 0; h < heads; h++ {
				for ti := 0; ti < t; ti++ {
					src := (((bi*heads+h)*t + ti) * hd)
					dst := ((bi*t+ti)*e + h*hd)
					for i := 0; i < hd; i++ {
						x.Grad[src+i] += out.Grad[dst+i]
					}
				}
			}
		}
	})
	return out
}

// Rotary applies rotary position embeddings to a (B, H, T, D) tensor. The
// first ropeLen dimensions of each head are rotated pairwise by position-
// dependent angles derived from theta; ropeLen must be even and <= D.
// The backward pass rotates gradients by the inverse angles.
func (g *Graph) Rotary(x *Tensor, theta float64, ropeLen int) *Tensor {
	if x.Rank() != 4 {
		panic(fmt.Sprintf("tensor: Rotary requires rank 4, got %v", x.shape))
	}
	hd := x.Dim(3)
	if ropeLen <= 0 || ropeLen > hd || ropeLen%2 != 0 {
		panic(fmt.Sprintf("tensor: invalid rotary length %d for head dim %d", ropeLen, hd))
	}
	b, heads, t := x.Dim(0), x.Dim(1), x.Dim(2)

	cosTab := make([]float64, t*ropeLen/2)
	sinTab := make([]float64, t*ropeLen/2)
	for pos := 0; pos < t; pos++ {
		for i := 0; i < ropeLen/2; i++ {
			freq := math.Pow(theta, -2*float64(i)/float64(ropeLen))
			angle := float64(pos) * freq
			cosTab[pos*ropeLen/2+i] = math.Cos(angle)
			sinTab[pos*ropeLen/2+i] = math.Sin(angle)
		}
	}

	out := New(x.shape...)
	copy(out.Data, x.Data)
	for bi := 0; bi < b; bi++ {
		for h := 0; h < heads; h++ {
			for pos := 0; pos < t; pos++ {
				base := (((bi*heads+h)*t + pos) * hd)
				for i := 0; i < ropeLen/2; i++ {
					c := cosTab[pos*ropeLen/2+i]
					s := sinTab[pos*ropeLen/2+i]
					x0 := x.Data[base+2*i]
					x1 := x.Data[base+2*i+1]
					out.Data[base+2*i] = x0*c - x1*s
					out.Data[base+2*i+1] = x0*s + x1*c
				}
			}
		}
	}
	g.record(func() {
		for bi := 0; bi < b; bi++ {
			for h := 0; h < heads; h++ {
				for pos := 0; pos < t; pos++ {
					base := (((bi*heads+h)*t + pos) * hd)
					for i := 0; i < ropeLen/2; i++ {
						c := cosTab[pos*ropeLen/2+i]
						s := sinTab[pos*ropeLen/2+i]
						g0 := out.Grad[base+2*i]
						g1 := out.Grad[base+2*i+1]
						x.Grad[base+2*i] += g0*c + g1*s
						x.Grad[base+2*i+1] += -g0*s + g1*c
					}
					for i := ropeLen; i < hd; i++ {
						x.Grad[base+i] += out.Grad[base+i]
					}
				}
			}
		}
	})
	return out
}
