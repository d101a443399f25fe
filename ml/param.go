package ml

import (
	"errors"
	"fmt"
)

var (
	// ErrNoForward is returned by Backward when no training-mode Forward is
	// waiting to be consumed.
	ErrNoForward = errors.New("backward called without a preceding forward")
	// ErrForwardPending is returned by Forward when the previous training-mode
	// Forward has not been consumed by Backward yet.
	ErrForwardPending = errors.New("forward called twice before backward")
	ErrShape          = errors.New("shape mismatch")
	ErrParamMismatch  = errors.New("parameter view changed between optimizer steps")
	ErrNonFinite      = errors.New("non-finite value")
)

// Param pairs a trainable buffer with the gradient accumulated for it.
// The owning layer writes Value at construction only; Backward writes Grad;
// the optimizer is the only writer of Value afterwards.
type Param struct {
	Name  string
	Value *Matrix
	Grad  *Matrix
}

func newParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: NewMatrix(rows, cols),
		Grad:  NewMatrix(rows, cols),
	}
}

// ParamSet is the parameter view an optimizer borrows during a step.
// Implementations must return the same parameters in the same order on
// every call.
type ParamSet interface {
	Params() []*Param
}

// Layer is implemented by every component of the graph.
type Layer interface {
	ParamSet
	SetTraining(training bool)
}

// ZeroGrad clears the gradient of every parameter in ps.
func ZeroGrad(ps ParamSet) {
	for _, p := range ps.Params() {
		p.Grad.Reset()
	}
}

// Values returns the parameter buffers of ps in traversal order.
func Values(ps ParamSet) [][]float64 {
	params := ps.Params()
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = p.Value.data
	}
	return out
}

// Gradients returns the gradient buffers of ps in the same order as Values.
func Gradients(ps ParamSet) [][]float64 {
	params := ps.Params()
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = p.Grad.data
	}
	return out
}

// NumParams counts the scalars held by ps.
func NumParams(ps ParamSet) int {
	n := 0
	for _, p := range ps.Params() {
		n += len(p.Value.data)
	}
	return n
}

// passGuard enforces the single-use forward/backward contract of a layer's
// activation cache. In eval mode forward never arms the cache.
type passGuard struct {
	name     string
	training bool
	pending  bool
}

func newGuard(name string) passGuard {
	return passGuard{name: name, training: true}
}

func (g *passGuard) begin() error {
	if !g.training {
		return nil
	}
	if g.pending {
		return fmt.Errorf("%s: %w", g.name, ErrForwardPending)
	}
	g.pending = true
	return nil
}

func (g *passGuard) end() error {
	if !g.pending {
		return fmt.Errorf("%s: %w", g.name, ErrNoForward)
	}
	g.pending = false
	return nil
}

func (g *passGuard) setTraining(training bool) {
	g.training = training
	if !training {
		g.pending = false
	}
}
