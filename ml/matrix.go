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

// Matrix represents a dense matrix with a flat data slice for performance.
// Activations use one row per sequence position; a batch of B sequences of
// length T is stored as B*T rows grouped by sequence.
type Matrix struct {
	rows, cols int
	data       []float64
	dense      *mat.Dense
}

// -------- CONSTRUCTORS ------- //
func NewMatrix(rows, cols int) *Matrix {
	data := make([]float64, rows*cols)
	return &Matrix{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

func NewMatrixFromSlice(rows, cols int, data []float64) *Matrix {
	if len(data) != rows*cols {
		panic("Slice length mismatch")
	}

	return &Matrix{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

// NewMatrixFromRows copies a row-major [][]float64 into a new Matrix.
func NewMatrixFromRows(rows [][]float64) *Matrix {
	if len(rows) == 0 {
		panic("NewMatrixFromRows: no rows")
	}
	m := NewMatrix(len(rows), len(rows[0]))
	for i, r := range rows {
		if len(r) != m.cols {
			panic(fmt.Sprintf("NewMatrixFromRows: row %d has %d cols, want %d", i, len(r), m.cols))
		}
		copy(m.Row(i), r)
	}
	return m
}

// ------- ACCESSORS ------ //
func (m *Matrix) Rows() int           { return m.rows }
func (m *Matrix) Cols() int           { return m.cols }
func (m *Matrix) Dims() (int, int)    { return m.rows, m.cols }
func (m *Matrix) Data() []float64     { return m.data }
func (m *Matrix) Dense() *mat.Dense   { return m.dense }
func (m *Matrix) At(i, j int) float64 { return m.data[i*m.cols+j] }

func (m *Matrix) Set(i, j int, v float64) { m.data[i*m.cols+j] = v }

// Row returns row i as a slice aliasing the matrix storage.
func (m *Matrix) Row(i int) []float64 {
	return m.data[i*m.cols : (i+1)*m.cols]
}

// ToRows copies the matrix into a freshly allocated [][]float64.
func (m *Matrix) ToRows() [][]float64 {
	out := make([][]float64, m.rows)
	for i := range out {
		out[i] = append([]float64(nil), m.Row(i)...)
	}
	return out
}

// view returns a *mat.Dense sharing storage with rows [r0,r1) and cols [c0,c1).
func (m *Matrix) view(r0, r1, c0, c1 int) *mat.Dense {
	return m.dense.Slice(r0, r1, c0, c1).(*mat.Dense)
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
	if len(m.data) != m.rows*m.cols {
		return fmt.Errorf("gob matrix: %d values for %dx%d", len(m.data), m.rows, m.cols)
	}

	// Re-create the wrapper after loading data
	m.dense = mat.NewDense(m.rows, m.cols, m.data)

	return nil
}

// RandomizeXavier fills the matrix from U(-limit, limit) with
// limit = sqrt(6 / (fan_in + fan_out)).
func (m *Matrix) RandomizeXavier(rng *rand.Rand) {
	limit := math.Sqrt(6.0 / float64(m.rows+m.cols))
	for i := range m.data {
		m.data[i] = (rng.Float64()*2 - 1) * limit
	}
}

// RandomizeTruncatedNormal draws every value from N(0, std^2), rejecting
// draws outside two standard deviations.
func (m *Matrix) RandomizeTruncatedNormal(rng *rand.Rand, std float64) {
	for i := range m.data {
		v := rng.NormFloat64()
		for v < -2 || v > 2 {
			v = rng.NormFloat64()
		}
		m.data[i] = v * std
	}
}

func (m *Matrix) Reset() {
	for i := range m.data {
		m.data[i] = 0.0
	}
}

func (m *Matrix) Clone() *Matrix {
	return NewMatrixFromSlice(m.rows, m.cols, append([]float64(nil), m.data...))
}

func (m *Matrix) SameShape(b *Matrix) bool {
	return m.rows == b.rows && m.cols == b.cols
}

// Add adds b element-wise into m.
func (m *Matrix) Add(b *Matrix) {
	if !m.SameShape(b) {
		panic(fmt.Sprintf("Shape mismatch: add %dx%d to %dx%d", b.rows, b.cols, m.rows, m.cols))
	}
	floats.Add(m.data, b.data)
}

// AddVector adds a 1 x cols vector to every row of m.
func (m *Matrix) AddVector(v *Matrix) {
	for i := 0; i < m.rows; i++ {
		floats.Add(m.Row(i), v.data)
	}
}

// ------ UTILITY FUNCTIONS ------
func MatMul(a, b mat.Matrix, out *Matrix) {
	out.dense.Mul(a, b)
}

// Sum returns a+b as a new matrix.
func Sum(a, b *Matrix) *Matrix {
	out := a.Clone()
	out.Add(b)
	return out
}

// IsFinite reports whether every value of m is neither NaN nor infinite.
func (m *Matrix) IsFinite() bool {
	for _, v := range m.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
