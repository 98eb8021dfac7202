package tensor

import (
	"fmt"
	"math"
)

// CrossEntropy computes the mean negative log-likelihood of targets under
// softmax(logits). Logits are (B, T, V) and targets (B, T); target entries
// equal to ignoreIndex contribute neither loss nor gradient. Returns a
// scalar tensor.
func (g *Graph) CrossEntropy(logits *Tensor, targets [][]int, ignoreIndex int) *Tensor {
	if logits.Rank() != 3 {
		panic(fmt.Sprintf("tensor: CrossEntropy requires (B, T, V) logits, got %v", logits.shape))
	}
	b, t, v := logits.Dim(0), logits.Dim(1), logits.Dim(2)
	if len(targets) != b {
		panic(fmt.Sprintf("tensor: CrossEntropy batch mismatch: %d logits rows, %d target rows", b, len(targets)))
	}

	total := 0.0
	count := 0
	// Per-row softmax probabilities, retained for the backward pass.
	probs := make([]float64, logits.Numel())
	for bi := 0; bi < b; bi++ {
		if len(targets[bi]) != t {
			panic("tensor: CrossEntropy ragged targets")
		}
		for ti := 0; ti < t; ti++ {
			tgt := targets[bi][ti]
			row := logits.Data[(bi*t+ti)*v : (bi*t+ti+1)*v]
			prow := probs[(bi*t+ti)*v : (bi*t+ti+1)*v]
			maxv := math.Inf(-1)
			for _, x := range row {
				if x > maxv {
					maxv = x
				}
			}
			sum := 0.0
			for i, x := range row {
				e := math.Exp(x - maxv)
				prow[i] = e
				sum += e
			}
			for i := range prow {
				prow[i] /= sum
			}
			if tgt == ignoreIndex {
				continue
			}
			if tgt < 0 || tgt >= v {
				panic(fmt.Sprintf("tensor: target id %d out of range for vocab %d", tgt, v))
			}
			total += -math.Log(prow[tgt] + 1e-30)
			count++
		}
	}
	loss := New(1)
	if count > 0 {
		loss.Data[0] = total / float64(count)
	}
	g.record(func() {
		if count == 0 {
			return
		}
		seed := loss.Grad[0] / float64(count)
		for bi := 0; bi < b; bi++ {
			for ti := 0; ti < t; ti++ {
				tgt := targets[bi][ti]
				if tgt == ignoreIndex {
					continue
				}
				prow := probs[(bi*t+ti)*v : (bi*t+ti+1)*v]
				grow := logits.Grad[(bi*t+ti)*v : (bi*t+ti+1)*v]
				for i := range prow {
					grow[i] += prow[i] * seed
				}
				grow[tgt] -= seed
			}
		}
	})
	return loss
}
