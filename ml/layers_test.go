package ml

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func TestLinearShapes(t *testing.T) {
	rng := testRNG()
	l := NewLinear("linear", 7, 3, rng)
	for _, rows := range []int{1, 4, 9} {
		out, err := l.Forward(randomMatrix(rng, rows, 7))
		if err != nil {
			t.Fatal(err)
		}
		if r, c := out.Dims(); r != rows || c != 3 {
			t.Errorf("forward: got %dx%d, want %dx3", r, c, rows)
		}
		dx, err := l.Backward(randomMatrix(rng, rows, 3))
		if err != nil {
			t.Fatal(err)
		}
		if r, c := dx.Dims(); r != rows || c != 7 {
			t.Errorf("backward: got %dx%d, want %dx7", r, c, rows)
		}
	}
}

func TestLinearGradientsAccumulate(t *testing.T) {
	rng := testRNG()
	l := NewLinear("linear", 2, 2, rng)
	x := randomMatrix(rng, 3, 2)
	dy := randomMatrix(rng, 3, 2)

	for i := 0; i < 2; i++ {
		if _, err := l.Forward(x); err != nil {
			t.Fatal(err)
		}
		if _, err := l.Backward(dy); err != nil {
			t.Fatal(err)
		}
	}
	for c := 0; c < 2; c++ {
		want := 2 * (dy.At(0, c) + dy.At(1, c) + dy.At(2, c))
		if got := l.B.Grad.At(0, c); math.Abs(got-want) > 1e-12 {
			t.Errorf("bias grad %d: got %v, want %v", c, got, want)
		}
	}
}

func TestLayerNormNormalises(t *testing.T) {
	rng := testRNG()
	ln := NewLayerNorm("norm", 16)
	x := randomMatrix(rng, 5, 16)
	floats.Scale(40, x.data)
	floats.AddConst(3, x.data)

	out, err := ln.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	for r := 0; r < out.Rows(); r++ {
		mean, variance := stat.PopMeanVariance(out.Row(r), nil)
		if math.Abs(mean) > 1e-9 {
			t.Errorf("row %d: mean %v", r, mean)
		}
		if math.Abs(variance-1) > 1e-4 {
			t.Errorf("row %d: variance %v", r, variance)
		}
	}
}

func TestLayerNormBackwardWritesGradientsOnly(t *testing.T) {
	rng := testRNG()
	ln := NewLayerNorm("norm", 4)
	before := append([]float64(nil), ln.Gamma.Value.data...)
	if _, err := ln.Forward(randomMatrix(rng, 2, 4)); err != nil {
		t.Fatal(err)
	}
	if _, err := ln.Backward(randomMatrix(rng, 2, 4)); err != nil {
		t.Fatal(err)
	}
	if !floats.Equal(before, ln.Gamma.Value.data) {
		t.Error("backward modified gamma")
	}
	if floats.Norm(ln.Gamma.Grad.data, 2) == 0 {
		t.Error("expected a gamma gradient")
	}
}

func TestSoftmaxStable(t *testing.T) {
	rows := [][]float64{
		{1, 2, 3},
		{1000, 0, -1000},
		{-1e6, -1e6 + 1, -1e6 + 2},
		{0, 0, 0, 0},
		{710, 709, 1},
	}
	for _, row := range rows {
		out := make([]float64, len(row))
		Softmax(out, row)
		for _, v := range out {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				t.Fatalf("softmax(%v) = %v", row, out)
			}
		}
		if sum := floats.Sum(out); math.Abs(sum-1) > 1e-12 {
			t.Errorf("softmax(%v) sums to %v", row, sum)
		}
	}
}

func TestSoftmaxBackward(t *testing.T) {
	src := []float64{0.3, -1.2, 2.0}
	s := make([]float64, 3)
	Softmax(s, src)
	g := []float64{1, 0, 0}
	SoftmaxBackward(s, g)
	// d s_0 / d x_j = s_0 (δ_0j − s_j)
	for j := range g {
		want := -s[0] * s[j]
		if j == 0 {
			want += s[0]
		}
		if math.Abs(g[j]-want) > 1e-12 {
			t.Errorf("g[%d] = %v, want %v", j, g[j], want)
		}
	}
}

func TestGeluDerivative(t *testing.T) {
	const h = 1e-6
	for _, x := range []float64{-3, -1, -0.1, 0, 0.5, 2, 4} {
		num := (Gelu(x+h) - Gelu(x-h)) / (2 * h)
		if d := GeluDerivative(x); math.Abs(d-num) > 1e-7 {
			t.Errorf("GeluDerivative(%v) = %v, numeric %v", x, d, num)
		}
	}
}

func TestDropoutModes(t *testing.T) {
	rng := testRNG()
	d := NewDropout("dropout", 0.5, rng)
	x := NewMatrix(20, 20)
	for i := range x.data {
		x.data[i] = 1
	}

	out, err := d.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	zeros := 0
	for _, v := range out.data {
		switch v {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatalf("unexpected value %v", v)
		}
	}
	if zeros == 0 || zeros == len(out.data) {
		t.Errorf("expected a mix of dropped and kept values, %d zeros", zeros)
	}

	dx, err := d.Backward(x)
	if err != nil {
		t.Fatal(err)
	}
	if !floats.Equal(dx.data, out.data) {
		t.Error("backward should apply the forward mask")
	}

	d.SetTraining(false)
	same, err := d.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if same != x {
		t.Error("eval-mode dropout should be the identity")
	}
}

func TestEmbeddingRepeatedIDs(t *testing.T) {
	e := NewEmbedding("embedding", 5, 3, testRNG())
	out, err := e.Forward([]int{2, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if !floats.Equal(out.Row(0), e.Table.Value.Row(2)) {
		t.Error("lookup returned the wrong row")
	}

	dy := NewMatrix(3, 3)
	for i := range dy.data {
		dy.data[i] = 1
	}
	if err := e.Backward(dy); err != nil {
		t.Fatal(err)
	}
	for k := 0; k < 3; k++ {
		if g := e.Table.Grad.At(2, k); g != 2 {
			t.Errorf("row 2 grad = %v, want 2", g)
		}
		if g := e.Table.Grad.At(3, k); g != 1 {
			t.Errorf("row 3 grad = %v, want 1", g)
		}
		if g := e.Table.Grad.At(0, k); g != 0 {
			t.Errorf("row 0 grad = %v, want 0", g)
		}
	}
}

func TestEmbeddingOutOfRange(t *testing.T) {
	e := NewEmbedding("embedding", 5, 3, testRNG())
	if _, err := e.Forward([]int{1, 5}); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape, got %v", err)
	}
	// A rejected forward leaves nothing pending.
	if _, err := e.Forward([]int{1}); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}

func TestPositionalEncoding(t *testing.T) {
	pe := NewPositionalEncoding(10, 8)
	tbl := pe.Forward(3)
	if r, c := tbl.Dims(); r != 3 || c != 8 {
		t.Fatalf("got %dx%d", r, c)
	}
	for i := 0; i < 8; i++ {
		want := 0.0
		if i%2 == 1 {
			want = 1
		}
		if tbl.At(0, i) != want {
			t.Errorf("PE(0,%d) = %v, want %v", i, tbl.At(0, i), want)
		}
	}
	checks := []struct {
		pos, i int
		want   float64
	}{
		{1, 0, math.Sin(1)},
		{1, 1, math.Cos(1)},
		{2, 2, math.Sin(2 / math.Pow(10000, 2.0/8))},
		{2, 7, math.Cos(2 / math.Pow(10000, 6.0/8))},
	}
	for _, c := range checks {
		if got := tbl.At(c.pos, c.i); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("PE(%d,%d) = %v, want %v", c.pos, c.i, got, c.want)
		}
	}
}

func TestAttentionShapes(t *testing.T) {
	for _, dim := range []int{64, 128} {
		for _, seqLen := range []int{1, 5} {
			cfg := testConfig()
			cfg.EmbeddingDim = dim
			rng := testRNG()
			a := NewAttention("attn", cfg, rng)
			x := randomMatrix(rng, 2*seqLen, dim)
			out, err := a.Forward(x, seqLen)
			if err != nil {
				t.Fatal(err)
			}
			if !out.SameShape(x) {
				t.Errorf("dim %d seq %d: output %dx%d", dim, seqLen, out.Rows(), out.Cols())
			}
			if _, err := a.Backward(out); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestAttentionCausalMask(t *testing.T) {
	cfg := testConfig()
	rng := testRNG()
	a := NewAttention("attn", cfg, rng)
	a.SetTraining(false)
	seqLen := 4
	if _, err := a.Forward(randomMatrix(rng, seqLen, cfg.EmbeddingDim), seqLen); err != nil {
		t.Fatal(err)
	}
	w := a.Weights()
	for i := 0; i < seqLen; i++ {
		row := w.Row(i)
		for j := i + 1; j < seqLen; j++ {
			if row[j] != 0 {
				t.Errorf("weight (%d,%d) = %v, want 0", i, j, row[j])
			}
		}
		if sum := floats.Sum(row); math.Abs(sum-1) > 1e-12 {
			t.Errorf("row %d sums to %v", i, sum)
		}
	}
}

func TestNumHeads(t *testing.T) {
	for dim, want := range map[int]int{8: 1, 32: 1, 64: 1, 128: 2, 512: 8} {
		if got := NumHeads(dim); got != want {
			t.Errorf("NumHeads(%d) = %d, want %d", dim, got, want)
		}
	}
}

func TestGuardErrors(t *testing.T) {
	rng := testRNG()
	l := NewLinear("linear", 2, 2, rng)
	x := randomMatrix(rng, 1, 2)

	if _, err := l.Backward(x); !errors.Is(err, ErrNoForward) {
		t.Errorf("backward without forward: got %v", err)
	}
	if _, err := l.Forward(x); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Forward(x); !errors.Is(err, ErrForwardPending) {
		t.Errorf("forward twice: got %v", err)
	}
	if _, err := l.Backward(x); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Backward(x); !errors.Is(err, ErrNoForward) {
		t.Errorf("second backward: got %v", err)
	}

	l.SetTraining(false)
	for i := 0; i < 3; i++ {
		if _, err := l.Forward(x); err != nil {
			t.Errorf("eval forward %d: %v", i, err)
		}
	}
	if _, err := l.Backward(x); !errors.Is(err, ErrNoForward) {
		t.Errorf("backward after eval forward: got %v", err)
	}
}

func TestParamOrderStable(t *testing.T) {
	m := NewModel(testConfig(), testRNG())
	a, b := m.Params(), m.Params()
	if len(a) != len(b) {
		t.Fatal("parameter count changed")
	}
	seen := make(map[string]bool)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("parameter %d differs between calls", i)
		}
		if seen[a[i].Name] {
			t.Errorf("duplicate parameter name %s", a[i].Name)
		}
		seen[a[i].Name] = true
	}
	if a[0].Name != "embedding.table" || a[len(a)-1].Name != "head.bias" {
		t.Errorf("unexpected traversal ends %s .. %s", a[0].Name, a[len(a)-1].Name)
	}
	if len(Values(m)) != len(Gradients(m)) {
		t.Error("values and gradients differ in length")
	}
}
