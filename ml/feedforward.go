package ml

import "math/rand/v2"

// FeedForward is the position-wise MLP: Linear → GELU → Linear → Dropout.
type FeedForward struct {
	Hidden, Proj *Linear
	Dropout      *Dropout

	guard passGuard
}

func NewFeedForward(name string, cfg *Config, rng *rand.Rand) *FeedForward {
	return &FeedForward{
		Hidden:  NewLinear(name+".hidden", cfg.EmbeddingDim, cfg.FeedForwardDim, rng),
		Proj:    NewLinear(name+".proj", cfg.FeedForwardDim, cfg.EmbeddingDim, rng),
		Dropout: NewDropout(name+".dropout", cfg.DropoutRate, rng),
		guard:   newGuard(name),
	}
}

func (f *FeedForward) Forward(x *Matrix) (*Matrix, error) {
	if err := f.guard.begin(); err != nil {
		return nil, err
	}
	h, err := f.Hidden.Forward(x)
	if err != nil {
		return nil, err
	}
	act := NewMatrix(h.rows, h.cols)
	for i, v := range h.data {
		act.data[i] = Gelu(v)
	}
	y, err := f.Proj.Forward(act)
	if err != nil {
		return nil, err
	}
	return f.Dropout.Forward(y)
}

// Backward differentiates GELU exactly at the hidden layer's cached output.
func (f *FeedForward) Backward(dy *Matrix) (*Matrix, error) {
	if err := f.guard.end(); err != nil {
		return nil, err
	}
	d, err := f.Dropout.Backward(dy)
	if err != nil {
		return nil, err
	}
	dAct, err := f.Proj.Backward(d)
	if err != nil {
		return nil, err
	}
	h := f.Hidden.Output()
	for i, v := range h.data {
		dAct.data[i] *= GeluDerivative(v)
	}
	return f.Hidden.Backward(dAct)
}

func (f *FeedForward) Params() []*Param {
	return append(f.Hidden.Params(), f.Proj.Params()...)
}

func (f *FeedForward) SetTraining(training bool) {
	f.guard.setTraining(training)
	f.Hidden.SetTraining(training)
	f.Proj.SetTraining(training)
	f.Dropout.SetTraining(training)
}
