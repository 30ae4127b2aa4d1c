// Package optim updates model parameters from their gradients.
package optim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"digitnet/internal/model"
	"digitnet/internal/tensor"
)

// AdamConfig holds the Adam hyper-parameters.
type AdamConfig struct {
	// LR is carried next to the optimizer in run configs.
	LR          float64 `json:"-"`
	Beta1       float64 `json:"beta_1"`
	Beta2       float64 `json:"beta_2"`
	Epsilon     float64 `json:"epsilon"`
	WeightDecay float64 `json:"weight_decay,omitempty"`
}

// DefaultAdam returns β1 0.9, β2 0.999, ε 1e-5 at the given learning rate.
func DefaultAdam(lr float64) AdamConfig {
	return AdamConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-5}
}

// Validate rejects hyper-parameters Adam cannot use.
func (c AdamConfig) Validate() error {
	switch {
	case !(c.LR > 0):
		return fmt.Errorf("adam: learning rate must be > 0 (got %v)", c.LR)
	case c.Beta1 < 0 || c.Beta1 >= 1:
		return fmt.Errorf("adam: beta1 must be in [0, 1) (got %v)", c.Beta1)
	case c.Beta2 < 0 || c.Beta2 >= 1:
		return fmt.Errorf("adam: beta2 must be in [0, 1) (got %v)", c.Beta2)
	case !(c.Epsilon > 0):
		return fmt.Errorf("adam: epsilon must be > 0 (got %v)", c.Epsilon)
	case c.WeightDecay < 0:
		return fmt.Errorf("adam: weight decay must be >= 0 (got %v)", c.WeightDecay)
	}
	return nil
}

type moments struct {
	m, v []float64
}

// Adam is the adaptive moment estimation optimizer. Moment buffers are keyed
// by parameter name and created on first use.
type Adam struct {
	cfg   AdamConfig
	state map[string]*moments
	t     int
}

// NewAdam validates cfg and returns an optimizer with empty state.
func NewAdam(cfg AdamConfig) (*Adam, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adam{cfg: cfg, state: make(map[string]*moments)}, nil
}

// Steps returns how many updates have been applied.
func (a *Adam) Steps() int { return a.t }

// Step updates every parameter in place. Each parameter needs a gradient of
// the same shape.
func (a *Adam) Step(params []model.Param, grads model.Gradients) error {
	for _, p := range params {
		g, ok := grads[p.Name]
		if !ok {
			return fmt.Errorf("adam: no gradient for %s", p.Name)
		}
		if !tensor.SameShape(g, p.Tensor) {
			return fmt.Errorf("adam: %s: %w: grad %v, param %v", p.Name, tensor.ErrShapeMismatch, g.Shape(), p.Tensor.Shape())
		}
	}

	a.t++
	c := a.cfg
	bc1 := 1 - math.Pow(c.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(c.Beta2, float64(a.t))

	for _, p := range params {
		w := p.Tensor.Data()
		g := grads[p.Name].Data()
		st, ok := a.state[p.Name]
		if !ok {
			st = &moments{m: make([]float64, len(w)), v: make([]float64, len(w))}
			a.state[p.Name] = st
		}
		if c.WeightDecay != 0 {
			g = append([]float64(nil), g...)
			floats.AddScaled(g, c.WeightDecay, w)
		}
		for j := range w {
			st.m[j] = c.Beta1*st.m[j] + (1-c.Beta1)*g[j]
			st.v[j] = c.Beta2*st.v[j] + (1-c.Beta2)*g[j]*g[j]
			mHat := st.m[j] / bc1
			vHat := st.v[j] / bc2
			w[j] -= c.LR * mHat / (math.Sqrt(vHat) + c.Epsilon)
		}
	}
	return nil
}
