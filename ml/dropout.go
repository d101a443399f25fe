package ml

import (
	"fmt"
	"math/rand/v2"
)

// Dropout zeroes each value with probability Rate during training and scales
// the survivors by 1/(1-Rate). In eval mode it is the identity.
type Dropout struct {
	Rate float64

	rng   *rand.Rand
	mask  *Matrix
	guard passGuard
}

func NewDropout(name string, rate float64, rng *rand.Rand) *Dropout {
	if rate < 0 || rate >= 1 {
		panic(fmt.Sprintf("%s: dropout rate %v outside [0, 1)", name, rate))
	}
	return &Dropout{Rate: rate, rng: rng, guard: newGuard(name)}
}

func (d *Dropout) Forward(x *Matrix) (*Matrix, error) {
	if !d.guard.training {
		return x, nil
	}
	if err := d.guard.begin(); err != nil {
		return nil, err
	}
	keep := 1 / (1 - d.Rate)
	mask := NewMatrix(x.rows, x.cols)
	out := NewMatrix(x.rows, x.cols)
	for i, v := range x.data {
		if d.Rate > 0 && d.rng.Float64() < d.Rate {
			continue
		}
		mask.data[i] = keep
		out.data[i] = v * keep
	}
	d.mask = mask
	return out, nil
}

// Backward multiplies dy element-wise by the mask of the last Forward.
func (d *Dropout) Backward(dy *Matrix) (*Matrix, error) {
	if err := d.guard.end(); err != nil {
		return nil, err
	}
	if !dy.SameShape(d.mask) {
		panic(fmt.Sprintf("%s: grad %dx%d, mask %dx%d", d.guard.name, dy.rows, dy.cols, d.mask.rows, d.mask.cols))
	}
	dx := NewMatrix(dy.rows, dy.cols)
	for i, m := range d.mask.data {
		dx.data[i] = dy.data[i] * m
	}
	return dx, nil
}

// Mask returns the mask applied by the last training-mode Forward.
func (d *Dropout) Mask() *Matrix { return d.mask }

func (d *Dropout) Params() []*Param { return nil }

func (d *Dropout) SetTraining(training bool) { d.guard.setTraining(training) }
