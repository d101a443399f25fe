package ml

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Gelu is the tanh-form GELU used by the feed-forward block:
// 0.5·x·(1 + tanh(x/√2)).
func Gelu(x float64) float64 {
	return 0.5 * x * (1 + math.Tanh(x/math.Sqrt2))
}

// GeluDerivative is the exact derivative of Gelu.
func GeluDerivative(x float64) float64 {
	t := math.Tanh(x / math.Sqrt2)
	return 0.5*(1+t) + 0.5*x*(1-t*t)/math.Sqrt2
}

// Softmax writes the softmax of src into dst, subtracting the row maximum
// first. dst and src may alias.
func Softmax(dst, src []float64) {
	maxVal := floats.Max(src)
	sum := 0.0
	for j, v := range src {
		e := math.Exp(v - maxVal)
		dst[j] = e
		sum += e
	}
	floats.Scale(1/sum, dst)
}

// SoftmaxRow applies softmax to each row of the matrix.
func SoftmaxRow(m *Matrix) {
	for i := 0; i < m.rows; i++ {
		row := m.Row(i)
		Softmax(row, row)
	}
}

// SoftmaxBackward overwrites g with the gradient through a softmax whose
// output was s: g_i ← s_i·(g_i − Σ_j s_j·g_j).
func SoftmaxBackward(s, g []float64) {
	dot := floats.Dot(s, g)
	for i := range g {
		g[i] = s[i] * (g[i] - dot)
	}
}
