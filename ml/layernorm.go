package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const layerNormEps = 1e-5

// LayerNorm normalises every row to zero mean and unit (biased) variance,
// then applies the learned scale Gamma and shift Beta.
type LayerNorm struct {
	Dim   int
	Gamma *Param // 1 x Dim, initialised to ones
	Beta  *Param // 1 x Dim, initialised to zeros

	input *Matrix
	guard passGuard
}

func NewLayerNorm(name string, dim int) *LayerNorm {
	ln := &LayerNorm{
		Dim:   dim,
		Gamma: newParam(name+".gamma", 1, dim),
		Beta:  newParam(name+".beta", 1, dim),
		guard: newGuard(name),
	}
	for i := range ln.Gamma.Value.data {
		ln.Gamma.Value.data[i] = 1
	}
	return ln
}

func (ln *LayerNorm) Forward(x *Matrix) (*Matrix, error) {
	if x.cols != ln.Dim {
		panic(fmt.Sprintf("%s: input width %d, want %d", ln.guard.name, x.cols, ln.Dim))
	}
	if err := ln.guard.begin(); err != nil {
		return nil, err
	}
	gamma, beta := ln.Gamma.Value.data, ln.Beta.Value.data
	out := NewMatrix(x.rows, x.cols)
	for r := 0; r < x.rows; r++ {
		row, dst := x.Row(r), out.Row(r)
		mean, variance := stat.PopMeanVariance(row, nil)
		inv := 1 / math.Sqrt(variance+layerNormEps)
		for j, v := range row {
			dst[j] = (v-mean)*inv*gamma[j] + beta[j]
		}
	}
	ln.input = x
	return out, nil
}

// Backward propagates dy through the normalisation using the cached input.
func (ln *LayerNorm) Backward(dy *Matrix) (*Matrix, error) {
	return ln.BackwardFrom(dy, ln.input)
}

// BackwardFrom recomputes each row's mean and variance from x, accumulates
// the Gamma/Beta gradients and returns the gradient with respect to x.
func (ln *LayerNorm) BackwardFrom(dy, x *Matrix) (*Matrix, error) {
	if err := ln.guard.end(); err != nil {
		return nil, err
	}
	if !dy.SameShape(x) {
		panic(fmt.Sprintf("%s: grad %dx%d, input %dx%d", ln.guard.name, dy.rows, dy.cols, x.rows, x.cols))
	}
	n := float64(ln.Dim)
	gamma := ln.Gamma.Value.data
	dGamma, dBeta := ln.Gamma.Grad.data, ln.Beta.Grad.data

	dx := NewMatrix(x.rows, x.cols)
	xhat := make([]float64, ln.Dim)
	dxhat := make([]float64, ln.Dim)
	for r := 0; r < x.rows; r++ {
		row, g := x.Row(r), dy.Row(r)
		mean, variance := stat.PopMeanVariance(row, nil)
		inv := 1 / math.Sqrt(variance+layerNormEps)

		for j, v := range row {
			xhat[j] = (v - mean) * inv
			dxhat[j] = g[j] * gamma[j]
			dGamma[j] += g[j] * xhat[j]
		}
		floats.Add(dBeta, g)

		meanD := floats.Sum(dxhat) / n
		meanDX := floats.Dot(dxhat, xhat) / n
		dst := dx.Row(r)
		for j := range dst {
			dst[j] = inv * (dxhat[j] - meanD - xhat[j]*meanDX)
		}
	}
	return dx, nil
}

func (ln *LayerNorm) Params() []*Param { return []*Param{ln.Gamma, ln.Beta} }

func (ln *LayerNorm) SetTraining(training bool) { ln.guard.setTraining(training) }
