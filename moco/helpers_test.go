package moco

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/b0tShaman/moco-go/ml"

	"gonum.org/v1/gonum/floats"
)

func testConfig() Config {
	return Config{
		InputDim:    6,
		HiddenDim:   8,
		Dim:         4,
		Capacity:    16,
		Momentum:    0.99,
		Temperature: 0.2,
		MaskWarmup:  true,
		Seed:        7,
	}
}

func randomMatrix(src *rand.Rand, rows, cols int) *ml.Matrix {
	m := ml.NewMatrix(rows, cols)
	for i := range m.Data() {
		m.Data()[i] = src.NormFloat64()
	}
	return m
}

// noisyViews returns x plus two independent small perturbations of it.
func noisyViews(src *rand.Rand, rows, cols int) (*ml.Matrix, *ml.Matrix) {
	x := randomMatrix(src, rows, cols)
	a, b := x.Clone(), x.Clone()
	for i := range x.Data() {
		a.Data()[i] += 0.05 * src.NormFloat64()
		b.Data()[i] += 0.05 * src.NormFloat64()
	}
	return a, b
}

func assertUnitRows(t *testing.T, name string, m *ml.Matrix) {
	t.Helper()
	for i := 0; i < m.Rows(); i++ {
		if n := floats.Norm(m.Row(i), 2); math.Abs(n-1) > 1e-9 {
			t.Fatalf("%s row %d has norm %v", name, i, n)
		}
	}
}

func rowsFrom(vals ...[]float64) *ml.Matrix {
	return ml.NewMatrixFromRows(vals)
}
