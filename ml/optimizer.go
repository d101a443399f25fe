package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Default settings generally recommended for Adam
var DefaultAdamConfig = AdamConfig{
	Beta1:        0.9,
	Beta2:        0.999,
	Epsilon:      1e-8,
	LearningRate: 0.001,
}

type AdamConfig struct {
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	LearningRate float64
}

// Optimizer updates parameters in place from their accumulated gradients.
// It borrows the parameter view only for the duration of Step.
type Optimizer interface {
	Step(ps ParamSet) error
}

// NewOptimizer selects the optimizer named by cfg.Optimizer.
func NewOptimizer(cfg *Config) Optimizer {
	switch cfg.Optimizer {
	case OptMomentum:
		return NewMomentumOptimizer(cfg.LearningRate, cfg.Momentum)
	case OptSGD:
		return &SGDOptimizer{LearningRate: cfg.LearningRate}
	default:
		adamCfg := DefaultAdamConfig
		adamCfg.LearningRate = cfg.LearningRate
		return NewAdamOptimizer(adamCfg)
	}
}

// shapeCheck records parameter shapes on first use and verifies on every
// later step that the traversal still yields the same buffers.
type shapeCheck struct {
	shapes [][2]int
}

func (s *shapeCheck) verify(params []*Param) error {
	if s.shapes == nil {
		s.shapes = make([][2]int, len(params))
		for i, p := range params {
			s.shapes[i] = [2]int{p.Value.rows, p.Value.cols}
		}
		return nil
	}
	if len(params) != len(s.shapes) {
		return fmt.Errorf("%w: %d parameters, first step saw %d", ErrParamMismatch, len(params), len(s.shapes))
	}
	for i, p := range params {
		if p.Value.rows != s.shapes[i][0] || p.Value.cols != s.shapes[i][1] {
			return fmt.Errorf("%w: parameter %d (%s) is %dx%d, first step saw %dx%d",
				ErrParamMismatch, i, p.Name, p.Value.rows, p.Value.cols, s.shapes[i][0], s.shapes[i][1])
		}
	}
	return nil
}

// ------ ADAM OPTIMIZER ------ //

type AdamOptimizer struct {
	cfg      AdamConfig
	m, v     [][]float64 // moment buffers, one per parameter in traversal order
	timeStep int         // 't' in the Adam paper, tracks number of updates
	shapes   shapeCheck
}

func NewAdamOptimizer(cfg AdamConfig) *AdamOptimizer {
	return &AdamOptimizer{cfg: cfg}
}

// Step applies the Adam update rule. Moment buffers are allocated from the
// parameter shapes on the first call.
func (opt *AdamOptimizer) Step(ps ParamSet) error {
	params := ps.Params()
	if err := opt.shapes.verify(params); err != nil {
		return err
	}
	if opt.m == nil {
		opt.m = make([][]float64, len(params))
		opt.v = make([][]float64, len(params))
		for i, p := range params {
			opt.m[i] = make([]float64, len(p.Value.data))
			opt.v[i] = make([]float64, len(p.Value.data))
		}
	}

	opt.timeStep++
	t := float64(opt.timeStep)

	// correction1 = 1 - beta1^t
	// correction2 = 1 - beta2^t
	correction1 := 1.0 - math.Pow(opt.cfg.Beta1, t)
	correction2 := 1.0 - math.Pow(opt.cfg.Beta2, t)

	beta1, beta2 := opt.cfg.Beta1, opt.cfg.Beta2
	eps, lr := opt.cfg.Epsilon, opt.cfg.LearningRate

	for k, p := range params {
		values, grads := p.Value.data, p.Grad.data
		m, v := opt.m[k], opt.v[k]
		for i := range values {
			g := grads[i]

			// m_t = beta1 * m_{t-1} + (1 - beta1) * g
			m[i] = beta1*m[i] + (1.0-beta1)*g
			// v_t = beta2 * v_{t-1} + (1 - beta2) * g^2
			v[i] = beta2*v[i] + (1.0-beta2)*(g*g)

			mHat := m[i] / correction1
			vHat := v[i] / correction2

			// theta = theta - lr * mHat / (sqrt(vHat) + eps)
			values[i] -= lr * mHat / (math.Sqrt(vHat) + eps)
		}
	}
	return nil
}

// TimeStep returns the number of completed steps.
func (opt *AdamOptimizer) TimeStep() int { return opt.timeStep }

// ------ MOMENTUM OPTIMIZER ------ //

type MomentumOptimizer struct {
	LearningRate float64
	Mu           float64 // Momentum Factor (usually 0.9)

	velocity [][]float64
	shapes   shapeCheck
}

func NewMomentumOptimizer(lr, mu float64) *MomentumOptimizer {
	if mu == 0 {
		mu = 0.9
	} // Default
	return &MomentumOptimizer{LearningRate: lr, Mu: mu}
}

// Step applies v = mu*v - lr*grad; w = w + v.
func (opt *MomentumOptimizer) Step(ps ParamSet) error {
	params := ps.Params()
	if err := opt.shapes.verify(params); err != nil {
		return err
	}
	if opt.velocity == nil {
		opt.velocity = make([][]float64, len(params))
		for i, p := range params {
			opt.velocity[i] = make([]float64, len(p.Value.data))
		}
	}
	for k, p := range params {
		vel := opt.velocity[k]
		floats.Scale(opt.Mu, vel)
		floats.AddScaled(vel, -opt.LearningRate, p.Grad.data)
		floats.Add(p.Value.data, vel)
	}
	return nil
}

// ------ SGD OPTIMIZER ------ //

type SGDOptimizer struct {
	LearningRate float64
}

// Step applies W = W - lr * gradient.
func (opt *SGDOptimizer) Step(ps ParamSet) error {
	for _, p := range ps.Params() {
		floats.AddScaled(p.Value.data, -opt.LearningRate, p.Grad.data)
	}
	return nil
}
