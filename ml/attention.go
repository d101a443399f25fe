package ml

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// HeadDim is the width of one attention head.
const HeadDim = 64

// NumHeads derives the head count from the embedding width. Widths below
// HeadDim run as a single head spanning the whole embedding.
func NumHeads(embedDim int) int {
	if embedDim < HeadDim {
		return 1
	}
	return embedDim / HeadDim
}

// Attention is multi-head scaled dot-product self-attention.
type Attention struct {
	Dim, Heads, HeadWidth int
	Causal                bool
	Workers               int

	Query, Key, Value, Output *Linear
	Dropout                   *Dropout

	scale float64

	// Activation cache for Backward.
	seqLen  int
	q, k, v *Matrix
	weights *Matrix // softmax output, (batch*heads*seqLen) x seqLen
	dropped *Matrix // weights after dropout
	guard   passGuard
}

func NewAttention(name string, cfg *Config, rng *rand.Rand) *Attention {
	dim := cfg.EmbeddingDim
	heads := NumHeads(dim)
	if dim%heads != 0 {
		panic(fmt.Sprintf("%s: embedding_dim %d not divisible into %d heads", name, dim, heads))
	}
	width := dim / heads
	return &Attention{
		Dim:       dim,
		Heads:     heads,
		HeadWidth: width,
		Causal:    !cfg.Bidirectional,
		Workers:   cfg.workers(),
		Query:     NewLinear(name+".query", dim, dim, rng),
		Key:       NewLinear(name+".key", dim, dim, rng),
		Value:     NewLinear(name+".value", dim, dim, rng),
		Output:    NewLinear(name+".output", dim, dim, rng),
		Dropout:   NewDropout(name+".dropout", cfg.DropoutRate, rng),
		scale:     1 / math.Sqrt(float64(width)),
		guard:     newGuard(name),
	}
}

// headBlock returns the row and column offsets of block bh = b*Heads + h
// inside a (batch*seqLen) x Dim activation.
func (a *Attention) headBlock(bh, seqLen int) (r0, c0 int) {
	b, h := bh/a.Heads, bh%a.Heads
	return b * seqLen, h * a.HeadWidth
}

// Forward attends within each consecutive group of seqLen rows of x.
func (a *Attention) Forward(x *Matrix, seqLen int) (*Matrix, error) {
	if x.cols != a.Dim {
		panic(fmt.Sprintf("%s: input width %d, want %d", a.guard.name, x.cols, a.Dim))
	}
	if seqLen <= 0 || x.rows%seqLen != 0 {
		panic(fmt.Sprintf("%s: %d rows not divisible by sequence length %d", a.guard.name, x.rows, seqLen))
	}
	if err := a.guard.begin(); err != nil {
		return nil, err
	}

	q, err := a.Query.Forward(x)
	if err != nil {
		return nil, err
	}
	k, err := a.Key.Forward(x)
	if err != nil {
		return nil, err
	}
	v, err := a.Value.Forward(x)
	if err != nil {
		return nil, err
	}

	T, hw := seqLen, a.HeadWidth
	blocks := (x.rows / T) * a.Heads
	weights := NewMatrix(blocks*T, T)

	parallelFor(blocks, a.Workers, func(bh int) {
		r0, c0 := a.headBlock(bh, T)
		s := weights.view(bh*T, (bh+1)*T, 0, T)
		s.Mul(q.view(r0, r0+T, c0, c0+hw), k.view(r0, r0+T, c0, c0+hw).T())
		s.Scale(a.scale, s)
		for i := 0; i < T; i++ {
			row := weights.Row(bh*T + i)
			if a.Causal {
				for j := i + 1; j < T; j++ {
					row[j] = math.Inf(-1)
				}
			}
			Softmax(row, row)
		}
	})

	dropped, err := a.Dropout.Forward(weights)
	if err != nil {
		return nil, err
	}

	ctx := NewMatrix(x.rows, a.Dim)
	parallelFor(blocks, a.Workers, func(bh int) {
		r0, c0 := a.headBlock(bh, T)
		ctx.view(r0, r0+T, c0, c0+hw).Mul(dropped.view(bh*T, (bh+1)*T, 0, T), v.view(r0, r0+T, c0, c0+hw))
	})

	out, err := a.Output.Forward(ctx)
	if err != nil {
		return nil, err
	}

	a.seqLen = T
	a.q, a.k, a.v = q, k, v
	a.weights, a.dropped = weights, dropped
	return out, nil
}

// Backward returns the sum of the input gradients of the query, key and
// value projections.
func (a *Attention) Backward(dy *Matrix) (*Matrix, error) {
	if err := a.guard.end(); err != nil {
		return nil, err
	}
	dCtx, err := a.Output.Backward(dy)
	if err != nil {
		return nil, err
	}

	T, hw := a.seqLen, a.HeadWidth
	blocks := (dCtx.rows / T) * a.Heads

	dDropped := NewMatrix(a.weights.rows, T)
	dV := NewMatrix(dCtx.rows, a.Dim)
	parallelFor(blocks, a.Workers, func(bh int) {
		r0, c0 := a.headBlock(bh, T)
		dc := dCtx.view(r0, r0+T, c0, c0+hw)
		dDropped.view(bh*T, (bh+1)*T, 0, T).Mul(dc, a.v.view(r0, r0+T, c0, c0+hw).T())
		dV.view(r0, r0+T, c0, c0+hw).Mul(a.dropped.view(bh*T, (bh+1)*T, 0, T).T(), dc)
	})

	dScores, err := a.Dropout.Backward(dDropped)
	if err != nil {
		return nil, err
	}

	dQ := NewMatrix(dCtx.rows, a.Dim)
	dK := NewMatrix(dCtx.rows, a.Dim)
	parallelFor(blocks, a.Workers, func(bh int) {
		r0, c0 := a.headBlock(bh, T)
		for i := 0; i < T; i++ {
			SoftmaxBackward(a.weights.Row(bh*T+i), dScores.Row(bh*T+i))
		}
		ds := dScores.view(bh*T, (bh+1)*T, 0, T)
		ds.Scale(a.scale, ds)
		dQ.view(r0, r0+T, c0, c0+hw).Mul(ds, a.k.view(r0, r0+T, c0, c0+hw))
		dK.view(r0, r0+T, c0, c0+hw).Mul(ds.T(), a.q.view(r0, r0+T, c0, c0+hw))
	})

	dx, err := a.Query.Backward(dQ)
	if err != nil {
		return nil, err
	}
	dxK, err := a.Key.Backward(dK)
	if err != nil {
		return nil, err
	}
	dxV, err := a.Value.Backward(dV)
	if err != nil {
		return nil, err
	}
	dx.Add(dxK)
	dx.Add(dxV)
	return dx, nil
}

// Weights returns the attention weights of the last Forward, one
// seqLen x seqLen block per (sequence, head).
func (a *Attention) Weights() *Matrix { return a.weights }

func (a *Attention) Params() []*Param {
	var ps []*Param
	for _, l := range []*Linear{a.Query, a.Key, a.Value, a.Output} {
		ps = append(ps, l.Params()...)
	}
	return ps
}

func (a *Attention) SetTraining(training bool) {
	a.guard.setTraining(training)
	for _, l := range []Layer{a.Query, a.Key, a.Value, a.Output, a.Dropout} {
		l.SetTraining(training)
	}
}
