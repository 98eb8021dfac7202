package tensor

import "fmt"

// EmbeddingLookup gathers rows of a (V, E) table for a (B, T) id batch,
// producing (B, T, E). The backward pass scatter-adds into the table.
func (g *Graph) EmbeddingLookup(table *Tensor, ids [][]int) *Tensor {
	if table.Rank() != 2 {
		panic(fmt.Sprintf("tensor: embedding table must be rank 2, got %v", table.shape))
	}
	v, e := table.Dim(0), table.Dim(1)
	b := len(ids)
	if b == 0 {
		panic("tensor: EmbeddingLookup on empty batch")
	}
	t := len(ids[0])
	out := New(b, t, e)
	for bi, row := range ids {
		if len(row) != t {
			panic("tensor: EmbeddingLookup ragged batch")
		}
		for ti, id := range row {
			if id < 0 || id >= v {
				panic(fmt.Sprintf("tensor: token id %d out of range for vocab %d", id, v))
			}
			copy(out.Data[(bi*t+ti)*e:(bi*t+ti+1)*e], table.Data[id*e:(id+1)*e])
		}
	}
	g.record(func() {
		for bi, row := range ids {
			for ti, id := range row {
				src := out.Grad[(bi*t+ti)*e : (bi*t+ti+1)*e]
				dst := table.Grad[id*e : (id+1)*e]
				for i := range src {
					dst[i] += src[i]
				}
			}
		}
	})
	return out
}

// PositionRows gathers the first t rows of a (P, E) table into (t, E).
func (g *Graph) PositionRows(table *Tensor, t int) *Tensor {
	if table.Rank() != 2 {
		panic(fmt.Sprintf("tensor: position table must be rank 2, got %v", table.shape))
	}
	p, e := table.Dim(0), table.Dim(1)
	if t > p {
		panic(fmt.Sprintf("tensor: requested %d positions from a table of %d", t, p))
	}
	out := New(t, e)
	copy(out.Data, table.Data[:t*e])
	g.record(func() {
		for i := 0; i < t*e; i++ {
			table.Grad[i] += out.Grad[i]
		}
	})
	return out
}

// SelectRow extracts row idx of a (R, E) matrix as an (E,) vector.
func (g *Graph) SelectRow(m *Tensor, idx int) *Tensor {
	if m.Rank() != 2 {
		panic(fmt.Sprintf("tensor: SelectRow requires rank 2, got %v", m.shape))
	}
	r, e := m.Dim(0), m.Dim(1)
	if idx < 0 || idx >= r {
		panic(fmt.Sprintf("tensor: row %d out of range for %d rows", idx, r))
	}
	out := New(e)
	copy(out.Data, m.Data[idx*e:(idx+1)*e])
	g.record(func() {
		dst := m.Grad[idx*e : (idx+1)*e]
		for i := range out.Grad {
			dst[i] += out.Grad[i]
		}
	})
	return out
}

// LastTimeStep slices a (B, T, E) tensor down to its final position,
// preserving the time dimension: (B, 1, E).
func (g *Graph) LastTimeStep(x *Tensor) *Tensor {
	if x.Rank() != 3 {
		panic(fmt.Sprintf("tensor: LastTimeStep requires rank 3, got %v", x.shape))
	}
	b, t, e := x.Dim(0), x.Dim(1), x.Dim(2)
	out := New(b, 1, e)
	for bi := 0; bi < b; bi++ {
		copy(out.Data[bi*e:(bi+1)*e], x.Data[(bi*t+t-1)*e:(bi*t+t)*e])
	}
	g.record(func() {
		for bi := 0; bi < b; bi++ {
			src := out.Grad[bi*e : (bi+1)*e]
			dst := x.Grad[(bi*t+t-1)*e : (bi*t+t)*e]
			for i := range src {
				dst[i] += src[i]
			}
		}
	})
	return out
}
