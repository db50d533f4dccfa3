package ml

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// normEps is the smallest norm a row is divided by during L2 normalization.
const normEps = 1e-12

// Matrix represents a dense matrix with a flat data slice for performance.
type Matrix struct {
	rows, cols int
	data       []float64
	dense      *mat.Dense
}

// -------- CONSTRUCTORS ------- //
func NewMatrix(rows, cols int) *Matrix {
	data := make([]float64, rows*cols)
	m := &Matrix{
		rows: rows,
		cols: cols,
		data: data,
	}
	// gonum rejects zero-length dense matrices
	if rows > 0 && cols > 0 {
		m.dense = mat.NewDense(rows, cols, data)
	}
	return m
}

func NewMatrixFromSlice(rows, cols int, data []float64) *Matrix {
	if len(data) != rows*cols {
		panic("Slice length mismatch")
	}
	if rows == 0 || cols == 0 {
		return NewMatrix(rows, cols)
	}

	return &Matrix{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

// NewMatrixFromRows builds a matrix from equally sized rows.
func NewMatrixFromRows(rows [][]float64) *Matrix {
	if len(rows) == 0 {
		return NewMatrix(0, 0)
	}
	return NewMatrixFromSlice(len(rows), len(rows[0]), Flatten(rows))
}

// ------- ACCESSORS ------ //
func (m *Matrix) Rows() int         { return m.rows }
func (m *Matrix) Cols() int         { return m.cols }
func (m *Matrix) Data() []float64   { return m.data }
func (m *Matrix) Dense() *mat.Dense { return m.dense }

// Row returns a view of row i.
func (m *Matrix) Row(i int) []float64 {
	return m.data[i*m.cols : (i+1)*m.cols]
}

func (m *Matrix) At(i, j int) float64 {
	return m.data[i*m.cols+j]
}

func (m *Matrix) Set(i, j int, v float64) {
	m.data[i*m.cols+j] = v
}

func (m *Matrix) SameShape(b *Matrix) bool {
	return m.rows == b.rows && m.cols == b.cols
}

// ------- MATRIX METHODS ------ //
func (m *Matrix) GobEncode() ([]byte, error) {
	w := new(bytes.Buffer)
	encoder := gob.NewEncoder(w)
	if err := encoder.Encode(m.rows); err != nil {
		return nil, err
	}
	if err := encoder.Encode(m.cols); err != nil {
		return nil, err
	}
	if err := encoder.Encode(m.data); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (m *Matrix) GobDecode(buf []byte) error {
	r := bytes.NewBuffer(buf)
	decoder := gob.NewDecoder(r)
	if err := decoder.Decode(&m.rows); err != nil {
		return err
	}
	if err := decoder.Decode(&m.cols); err != nil {
		return err
	}
	if err := decoder.Decode(&m.data); err != nil {
		return err
	}
	// gob drops empty slices
	if m.data == nil {
		m.data = make([]float64, m.rows*m.cols)
	}

	// Re-create the wrapper after loading data
	if m.rows > 0 && m.cols > 0 {
		m.dense = mat.NewDense(m.rows, m.cols, m.data)
	}

	return nil
}

// Randomize fills the matrix with He-initialized values using src.
func (m *Matrix) Randomize(src *rand.Rand) {
	scale := math.Sqrt(2.0 / float64(m.rows))
	for i := range m.data {
		m.data[i] = src.NormFloat64() * scale
	}
}

func (m *Matrix) RandomizeXavier(src *rand.Rand) {
	// limit = sqrt(6 / (fan_in + fan_out))
	limit := math.Sqrt(6.0 / float64(m.rows+m.cols))
	for i := range m.data {
		m.data[i] = (src.Float64()*2 - 1) * limit
	}
}

func (m *Matrix) Fill(v float64) {
	for i := range m.data {
		m.data[i] = v
	}
}

func (m *Matrix) Reset() {
	m.Fill(0)
}

// CopyFrom overwrites m with the contents of b. Shapes must match.
func (m *Matrix) CopyFrom(b *Matrix) {
	if !m.SameShape(b) {
		panic(fmt.Sprintf("Shape mismatch: [%d, %d] <- [%d, %d]", m.rows, m.cols, b.rows, b.cols))
	}
	copy(m.data, b.data)
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	c := NewMatrix(m.rows, m.cols)
	copy(c.data, m.data)
	return c
}

func (m *Matrix) Add(b *Matrix) {
	m.dense.Add(m.dense, b.dense)
}

func (m *Matrix) AddVector(v *Matrix) {
	for i := 0; i < m.rows; i++ {
		floats.Add(m.data[i*m.cols:(i+1)*m.cols], v.data)
	}
}

func (m *Matrix) ApplyRelu() {
	for i, v := range m.data {
		if v < 0 {
			m.data[i] = 0
		}
	}
}

// SelectRows returns a new matrix holding rows idx[0], idx[1], ... of m.
func (m *Matrix) SelectRows(idx []int) *Matrix {
	out := NewMatrix(len(idx), m.cols)
	for dst, src := range idx {
		if src < 0 || src >= m.rows {
			panic(fmt.Sprintf("Row %d out of bounds (rows: %d)", src, m.rows))
		}
		copy(out.Row(dst), m.Row(src))
	}
	return out
}

// ------ UTILITY FUNCTIONS ------
func MatMul(a, b mat.Matrix, out *Matrix) {
	out.dense.Mul(a, b)
}

// NormalizeRows scales every row to unit L2 norm in place and returns the
// pre-normalization norms (clamped at normEps).
func NormalizeRows(m *Matrix) []float64 {
	norms := make([]float64, m.rows)
	for i := 0; i < m.rows; i++ {
		row := m.Row(i)
		n := floats.Norm(row, 2)
		if n < normEps {
			n = normEps
		}
		floats.Scale(1/n, row)
		norms[i] = n
	}
	return norms
}

// NormalizeRowsBackward maps the gradient w.r.t. normalized rows y = x/|x|
// back to the gradient w.r.t. x: dx = (dy - y (y·dy)) / |x|.
func NormalizeRowsBackward(y, dy *Matrix, norms []float64) *Matrix {
	dx := NewMatrix(y.rows, y.cols)
	for i := 0; i < y.rows; i++ {
		yr, dyr, dxr := y.Row(i), dy.Row(i), dx.Row(i)
		proj := floats.Dot(yr, dyr)
		copy(dxr, dyr)
		floats.AddScaled(dxr, -proj, yr)
		floats.Scale(1/norms[i], dxr)
	}
	return dx
}

func Flatten(input [][]float64) []float64 {
	if len(input) == 0 {
		return nil
	}
	rows, cols := len(input), len(input[0])
	flat := make([]float64, rows*cols)
	for i, row := range input {
		if len(row) != cols {
			panic(fmt.Sprintf("Ragged input: row %d has %d cols, want %d", i, len(row), cols))
		}
		copy(flat[i*cols:], row)
	}
	return flat
}
