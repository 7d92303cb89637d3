package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"netforge/internal/tensor"
)

// BatchNorm normalizes over every axis but the last. Training uses batch
// statistics and updates the moving averages; inference uses the moving
// averages.
type BatchNorm struct {
	name     string
	Momentum float64
	Epsilon  float64

	gamma, beta         *Param
	movingMean, movingV *Param
	channels            int

	xhat     []float64
	invStd   []float64
	training bool
}

// NewBatchNorm returns a batch normalization stage with momentum 0.9 and
// epsilon 1e-5.
func NewBatchNorm(name string) *BatchNorm {
	return &BatchNorm{name: name, Momentum: 0.9, Epsilon: 1e-5}
}

func (l *BatchNorm) Name() string { return l.name }

func (l *BatchNorm) Build(in []int, _ *rand.Rand) ([]int, error) {
	if len(in) == 0 {
		return nil, errors.Errorf("%s: empty input shape", l.name)
	}
	l.channels = in[len(in)-1]
	l.gamma = newParam(l.name+"/gamma", true, l.channels)
	fill(l.gamma.Value, 1)
	l.beta = newParam(l.name+"/beta", true, l.channels)
	l.movingMean = newParam(l.name+"/moving_mean", false, l.channels)
	l.movingV = newParam(l.name+"/moving_variance", false, l.channels)
	fill(l.movingV.Value, 1)
	return append([]int(nil), in...), nil
}

func (l *BatchNorm) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	c := l.channels
	if x.Size()%c != 0 || x.Shape[len(x.Shape)-1] != c {
		return nil, errors.Errorf("%s: unexpected input shape %v", l.name, x.Shape)
	}
	m := x.Size() / c
	mean := make([]float64, c)
	variance := make([]float64, c)

	if training {
		for i, v := range x.Data {
			mean[i%c] += v
		}
		for j := range mean {
			mean[j] /= float64(m)
		}
		for i, v := range x.Data {
			d := v - mean[i%c]
			variance[i%c] += d * d
		}
		for j := range variance {
			variance[j] /= float64(m)
			mm := l.movingMean.Value.Data
			mv := l.movingV.Value.Data
			mm[j] = l.Momentum*mm[j] + (1-l.Momentum)*mean[j]
			mv[j] = l.Momentum*mv[j] + (1-l.Momentum)*variance[j]
		}
	} else {
		copy(mean, l.movingMean.Value.Data)
		copy(variance, l.movingV.Value.Data)
	}

	l.invStd = make([]float64, c)
	for j := range variance {
		l.invStd[j] = 1 / math.Sqrt(variance[j]+l.Epsilon)
	}
	out := tensor.New(x.Shape...)
	l.xhat = make([]float64, x.Size())
	g, b := l.gamma.Value.Data, l.beta.Value.Data
	for i, v := range x.Data {
		j := i % c
		xh := (v - mean[j]) * l.invStd[j]
		l.xhat[i] = xh
		out.Data[i] = g[j]*xh + b[j]
	}
	l.training = training
	return out, nil
}

func (l *BatchNorm) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.xhat == nil {
		return nil, errors.Errorf("%s: backward before forward", l.name)
	}
	c := l.channels
	m := float64(len(l.xhat) / c)
	l.gamma.Grad.Zero()
	l.beta.Grad.Zero()
	dg, db := l.gamma.Grad.Data, l.beta.Grad.Data
	for i, d := range grad.Data {
		j := i % c
		dg[j] += d * l.xhat[i]
		db[j] += d
	}

	gx := tensor.New(grad.Shape...)
	gamma := l.gamma.Value.Data
	if !l.training {
		for i, d := range grad.Data {
			j := i % c
			gx.Data[i] = d * gamma[j] * l.invStd[j]
		}
		return gx, nil
	}
	// dxhat = d*gamma, so sum(dxhat) = gamma*db and sum(dxhat*xhat) = gamma*dg.
	for i, d := range grad.Data {
		j := i % c
		dxhat := d * gamma[j]
		gx.Data[i] = l.invStd[j] / m * (m*dxhat - gamma[j]*db[j] - l.xhat[i]*gamma[j]*dg[j])
	}
	return gx, nil
}

func (l *BatchNorm) Params() []*Param {
	return []*Param{l.gamma, l.beta, l.movingMean, l.movingV}
}
