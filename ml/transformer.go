package ml

import (
	"fmt"
	"math/rand/v2"
)

// TransformerLayer is a post-norm block:
//
//	h   = LayerNorm1(x + Attention(x))
//	out = LayerNorm2(h + FeedForward(h))
type TransformerLayer struct {
	Attention   *Attention
	FeedForward *FeedForward
	Norm1       *LayerNorm
	Norm2       *LayerNorm

	guard passGuard
}

func NewTransformerLayer(name string, cfg *Config, rng *rand.Rand) *TransformerLayer {
	return &TransformerLayer{
		Attention:   NewAttention(name+".attn", cfg, rng),
		FeedForward: NewFeedForward(name+".ff", cfg, rng),
		Norm1:       NewLayerNorm(name+".norm1", cfg.EmbeddingDim),
		Norm2:       NewLayerNorm(name+".norm2", cfg.EmbeddingDim),
		guard:       newGuard(name),
	}
}

func (l *TransformerLayer) Forward(x *Matrix, seqLen int) (*Matrix, error) {
	if err := l.guard.begin(); err != nil {
		return nil, err
	}
	a, err := l.Attention.Forward(x, seqLen)
	if err != nil {
		return nil, err
	}
	h, err := l.Norm1.Forward(Sum(x, a))
	if err != nil {
		return nil, err
	}
	f, err := l.FeedForward.Forward(h)
	if err != nil {
		return nil, err
	}
	return l.Norm2.Forward(Sum(h, f))
}

// Backward sends the gradient through both branches of each residual sum
// and adds the results.
func (l *TransformerLayer) Backward(dy *Matrix) (*Matrix, error) {
	if err := l.guard.end(); err != nil {
		return nil, err
	}
	dr2, err := l.Norm2.Backward(dy)
	if err != nil {
		return nil, err
	}
	dh, err := l.FeedForward.Backward(dr2)
	if err != nil {
		return nil, err
	}
	dh.Add(dr2)

	dr1, err := l.Norm1.Backward(dh)
	if err != nil {
		return nil, err
	}
	dx, err := l.Attention.Backward(dr1)
	if err != nil {
		return nil, err
	}
	dx.Add(dr1)
	return dx, nil
}

func (l *TransformerLayer) Params() []*Param {
	var ps []*Param
	ps = append(ps, l.Attention.Params()...)
	ps = append(ps, l.Norm1.Params()...)
	ps = append(ps, l.FeedForward.Params()...)
	ps = append(ps, l.Norm2.Params()...)
	return ps
}

func (l *TransformerLayer) SetTraining(training bool) {
	l.guard.setTraining(training)
	l.Attention.SetTraining(training)
	l.FeedForward.SetTraining(training)
	l.Norm1.SetTraining(training)
	l.Norm2.SetTraining(training)
}

// Transformer is an ordered stack of TransformerLayer.
type Transformer struct {
	Layers []*TransformerLayer

	output *Matrix
}

func NewTransformer(cfg *Config, rng *rand.Rand) *Transformer {
	t := &Transformer{Layers: make([]*TransformerLayer, cfg.NumLayers)}
	for i := range t.Layers {
		t.Layers[i] = NewTransformerLayer(fmt.Sprintf("layer%d", i), cfg, rng)
	}
	return t
}

func (t *Transformer) Forward(x *Matrix, seqLen int) (*Matrix, error) {
	out := x
	for _, layer := range t.Layers {
		var err error
		if out, err = layer.Forward(out, seqLen); err != nil {
			return nil, err
		}
	}
	t.output = out
	return out, nil
}

// Backward walks the layers in reverse order.
func (t *Transformer) Backward(dy *Matrix) (*Matrix, error) {
	grad := dy
	for i := len(t.Layers) - 1; i >= 0; i-- {
		var err error
		if grad, err = t.Layers[i].Backward(grad); err != nil {
			return nil, err
		}
	}
	return grad, nil
}

// Output returns the output of the most recent Forward.
func (t *Transformer) Output() *Matrix { return t.output }

func (t *Transformer) Params() []*Param {
	var ps []*Param
	for _, layer := range t.Layers {
		ps = append(ps, layer.Params()...)
	}
	return ps
}

func (t *Transformer) SetTraining(training bool) {
	for _, layer := range t.Layers {
		layer.SetTraining(training)
	}
}
