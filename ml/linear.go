package ml

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Linear is a dense affine transform y = x·W + b applied to every row.
type Linear struct {
	In, Out int
	W       *Param // In x Out
	B       *Param // 1 x Out

	input, output *Matrix
	guard         passGuard
}

func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		In:    in,
		Out:   out,
		W:     newParam(name+".weight", in, out),
		B:     newParam(name+".bias", 1, out),
		guard: newGuard(name),
	}
	l.W.Value.RandomizeXavier(rng)
	return l
}

// Forward caches the input and output for Backward.
func (l *Linear) Forward(x *Matrix) (*Matrix, error) {
	if x.cols != l.In {
		panic(fmt.Sprintf("%s: input width %d, want %d", l.guard.name, x.cols, l.In))
	}
	if err := l.guard.begin(); err != nil {
		return nil, err
	}
	out := NewMatrix(x.rows, l.Out)
	MatMul(x.dense, l.W.Value.dense, out)
	out.AddVector(l.B.Value)

	l.input, l.output = x, out
	return out, nil
}

// Backward accumulates dW += xᵀ·dy and db += colsum(dy) and returns dy·Wᵀ.
func (l *Linear) Backward(dy *Matrix) (*Matrix, error) {
	if err := l.guard.end(); err != nil {
		return nil, err
	}
	if dy.rows != l.input.rows || dy.cols != l.Out {
		panic(fmt.Sprintf("%s: grad %dx%d, want %dx%d", l.guard.name, dy.rows, dy.cols, l.input.rows, l.Out))
	}

	var dW mat.Dense
	dW.Mul(l.input.dense.T(), dy.dense)
	l.W.Grad.dense.Add(l.W.Grad.dense, &dW)

	db := l.B.Grad.data
	for r := 0; r < dy.rows; r++ {
		row := dy.Row(r)
		for c, v := range row {
			db[c] += v
		}
	}

	dx := NewMatrix(dy.rows, l.In)
	MatMul(dy.dense, l.W.Value.dense.T(), dx)
	return dx, nil
}

// Output returns the output of the most recent Forward.
func (l *Linear) Output() *Matrix { return l.output }

func (l *Linear) Params() []*Param { return []*Param{l.W, l.B} }

func (l *Linear) SetTraining(training bool) { l.guard.setTraining(training) }
