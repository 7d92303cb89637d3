// Package optimizer updates trainable params from their gradients.
package optimizer

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"netforge/internal/model"
	"netforge/internal/tensor"
)

// Optimizer applies one update to the full param set per call and exposes
// its auxiliary state for checkpointing.
type Optimizer interface {
	Apply(params []*model.Param) error
	Iterations() int64
	// Slots returns the per-param state tensors in a stable order.
	Slots() []*model.Param
	Restore(iterations int64, slots map[string]*tensor.Tensor) error
}

// AdamConfig holds the Adam hyperparameters.
type AdamConfig struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

// DefaultAdamConfig uses beta1=0.5, beta2=0.999, epsilon=1e-8.
func DefaultAdamConfig(lr float64) AdamConfig {
	return AdamConfig{LR: lr, Beta1: 0.5, Beta2: 0.999, Epsilon: 1e-8}
}

// Adam is the adaptive moment estimation optimizer.
type Adam struct {
	cfg   AdamConfig
	t     int64
	order []string
	m     map[string]*tensor.Tensor
	v     map[string]*tensor.Tensor
}

// NewAdam returns an optimizer whose slots are created on first use.
func NewAdam(cfg AdamConfig) *Adam {
	return &Adam{cfg: cfg, m: map[string]*tensor.Tensor{}, v: map[string]*tensor.Tensor{}}
}

func (a *Adam) slot(p *model.Param) (*tensor.Tensor, *tensor.Tensor, error) {
	m, ok := a.m[p.Name]
	if !ok {
		m = tensor.New(p.Value.Shape...)
		a.m[p.Name] = m
		a.v[p.Name] = tensor.New(p.Value.Shape...)
		a.order = append(a.order, p.Name)
	}
	v := a.v[p.Name]
	if m.Size() != p.Value.Size() {
		return nil, nil, errors.Errorf("adam: slot %s has %d values, param has %d", p.Name, m.Size(), p.Value.Size())
	}
	return m, v, nil
}

// Apply performs one bias-corrected Adam step over every param.
func (a *Adam) Apply(params []*model.Param) error {
	for _, p := range params {
		if !p.Trainable || p.Grad == nil {
			return errors.Errorf("adam: param %s is not trainable", p.Name)
		}
		if _, _, err := a.slot(p); err != nil {
			return err
		}
	}
	a.t++
	b1, b2 := a.cfg.Beta1, a.cfg.Beta2
	c1 := 1 - math.Pow(b1, float64(a.t))
	c2 := 1 - math.Pow(b2, float64(a.t))
	for _, p := range params {
		m, v := a.m[p.Name].Data, a.v[p.Name].Data
		for i, g := range p.Grad.Data {
			m[i] = b1*m[i] + (1-b1)*g
			v[i] = b2*v[i] + (1-b2)*g*g
			mHat := m[i] / c1
			vHat := v[i] / c2
			p.Value.Data[i] -= a.cfg.LR * mHat / (math.Sqrt(vHat) + a.cfg.Epsilon)
		}
	}
	return nil
}

func (a *Adam) Iterations() int64 { return a.t }

func (a *Adam) Slots() []*model.Param {
	out := make([]*model.Param, 0, 2*len(a.order))
	for _, name := range a.order {
		out = append(out,
			&model.Param{Name: name + "/m", Value: a.m[name]},
			&model.Param{Name: name + "/v", Value: a.v[name]},
		)
	}
	return out
}

// Restore replaces the step counter and moment estimates. Slot names follow
// Slots: "<param>/m" and "<param>/v".
func (a *Adam) Restore(iterations int64, slots map[string]*tensor.Tensor) error {
	if iterations < 0 {
		return errors.Errorf("adam: negative iteration count %d", iterations)
	}
	m := map[string]*tensor.Tensor{}
	v := map[string]*tensor.Tensor{}
	var order []string
	for name, t := range slots {
		if base, ok := strings.CutSuffix(name, "/m"); ok {
			m[base] = t.Clone()
		} else if base, ok := strings.CutSuffix(name, "/v"); ok {
			v[base] = t.Clone()
		} else {
			return errors.Errorf("adam: unknown slot %q", name)
		}
	}
	for name := range m {
		if _, ok := v[name]; !ok {
			return errors.Errorf("adam: slot %s/v missing", name)
		}
		order = append(order, name)
	}
	if len(m) != len(v) {
		return errors.New("adam: unpaired moment slots")
	}
	slices.Sort(order)
	a.t, a.m, a.v, a.order = iterations, m, v, order
	return nil
}
