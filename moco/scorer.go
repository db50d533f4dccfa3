package moco

import (
	"fmt"
	"math"

	"github.com/b0tShaman/moco-go/ml"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// PositiveIndex is the logits column holding the query/key score.
const PositiveIndex = 0

// Scorer turns normalized queries, their keys and a pool of negatives into
// temperature-scaled logits for a (1 + negatives)-way classification.
type Scorer struct {
	Temperature float64
}

// Logits builds one row per query: [q·k, q·n_1, ..., q·n_C] / T. Only the
// first valid negatives take part; later columns are -Inf so they carry no
// probability mass. Every label is PositiveIndex.
func (s Scorer) Logits(q, k, negatives *ml.Matrix, valid int) (*ml.Matrix, []int, error) {
	if s.Temperature <= 0 {
		return nil, nil, fmt.Errorf("%w: temperature must be > 0, got %g", ErrConfig, s.Temperature)
	}
	if !q.SameShape(k) {
		return nil, nil, fmt.Errorf("%w: queries [%d, %d], keys [%d, %d]",
			ErrShape, q.Rows(), q.Cols(), k.Rows(), k.Cols())
	}
	if negatives.Cols() != q.Cols() {
		return nil, nil, fmt.Errorf("%w: negatives have dim %d, queries %d", ErrShape, negatives.Cols(), q.Cols())
	}

	b, c := q.Rows(), negatives.Rows()
	valid = max(0, min(valid, c))
	logits := ml.NewMatrix(b, 1+c)

	// Negative block: q * negatives^T written straight into columns 1..C
	neg := logits.Dense().Slice(0, b, 1, 1+c).(*mat.Dense)
	neg.Mul(q.Dense(), negatives.Dense().T())

	invT := 1 / s.Temperature
	negInf := math.Inf(-1)
	for i := 0; i < b; i++ {
		row := logits.Row(i)
		row[PositiveIndex] = floats.Dot(q.Row(i), k.Row(i))
		floats.Scale(invT, row)
		for j := 1 + valid; j <= c; j++ {
			row[j] = negInf
		}
	}
	return logits, make([]int, b), nil
}

// QueryGradient maps the gradient w.r.t. the logits back to the normalized
// queries: dq_i = (dl_i0 k_i + sum_j dl_ij n_j) / T. Masked columns have zero
// gradient and drop out.
func (s Scorer) QueryGradient(dLogits, k, negatives *ml.Matrix) *ml.Matrix {
	b, c := dLogits.Rows(), negatives.Rows()
	dq := ml.NewMatrix(b, k.Cols())

	dNeg := dLogits.Dense().Slice(0, b, 1, 1+c)
	dq.Dense().Mul(dNeg, negatives.Dense())

	for i := 0; i < b; i++ {
		floats.AddScaled(dq.Row(i), dLogits.At(i, PositiveIndex), k.Row(i))
	}
	floats.Scale(1/s.Temperature, dq.Data())
	return dq
}

// CrossEntropy returns the mean softmax cross-entropy over rows and its
// gradient w.r.t. the logits.
func CrossEntropy(logits *ml.Matrix, labels []int) (float64, *ml.Matrix) {
	b, cols := logits.Rows(), logits.Cols()
	if len(labels) != b {
		panic(fmt.Sprintf("CrossEntropy: %d labels for %d rows", len(labels), b))
	}

	grad := ml.NewMatrix(b, cols)
	scale := 1.0 / float64(b)
	total := 0.0
	for i := 0; i < b; i++ {
		row, g := logits.Row(i), grad.Row(i)
		lse := floats.LogSumExp(row)
		total += lse - row[labels[i]]

		for j, v := range row {
			g[j] = math.Exp(v-lse) * scale
		}
		g[labels[i]] -= scale
	}
	return total * scale, grad
}

// Accuracy returns top-k accuracy in percent for each k.
func Accuracy(logits *ml.Matrix, labels []int, ks ...int) []float64 {
	out := make([]float64, len(ks))
	b := logits.Rows()
	if b == 0 {
		return out
	}
	for i := 0; i < b; i++ {
		row := logits.Row(i)
		target := row[labels[i]]
		// rank = number of classes scoring strictly higher than the target
		rank := 0
		for _, v := range row {
			if v > target {
				rank++
			}
		}
		for n, k := range ks {
			if rank < k {
				out[n]++
			}
		}
	}
	floats.Scale(100/float64(b), out)
	return out
}
