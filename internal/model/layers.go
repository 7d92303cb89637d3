package model

import (
	"math/rand"

	"github.com/pkg/errors"

	"netforge/internal/tensor"
)

// ReLU clamps negatives to zero.
type ReLU struct {
	name  string
	input *tensor.Tensor
}

// NewReLU returns a rectified linear stage.
func NewReLU(name string) *ReLU { return &ReLU{name: name} }

func (l *ReLU) Name() string { return l.name }

func (l *ReLU) Build(in []int, _ *rand.Rand) ([]int, error) {
	return append([]int(nil), in...), nil
}

func (l *ReLU) Forward(x *tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	l.input = x
	return out, nil
}

func (l *ReLU) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, errors.Errorf("%s: backward before forward", l.name)
	}
	gx := tensor.New(grad.Shape...)
	for i, v := range l.input.Data {
		if v > 0 {
			gx.Data[i] = grad.Data[i]
		}
	}
	return gx, nil
}

func (l *ReLU) Params() []*Param { return nil }

// GlobalAvgPool averages each channel over height and width.
type GlobalAvgPool struct {
	name    string
	h, w, c int
	n       int
}

// NewGlobalAvgPool returns an unbuilt pooling stage mapping [N H W C] to [N C].
func NewGlobalAvgPool(name string) *GlobalAvgPool { return &GlobalAvgPool{name: name} }

func (l *GlobalAvgPool) Name() string { return l.name }

func (l *GlobalAvgPool) Build(in []int, _ *rand.Rand) ([]int, error) {
	if len(in) != 3 {
		return nil, errors.Errorf("%s: want HWC input, got %v", l.name, in)
	}
	l.h, l.w, l.c = in[0], in[1], in[2]
	return []int{l.c}, nil
}

func (l *GlobalAvgPool) Forward(x *tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[3] != l.c {
		return nil, errors.Errorf("%s: unexpected input shape %v", l.name, x.Shape)
	}
	l.n = x.Shape[0]
	hw := l.h * l.w
	out := tensor.New(l.n, l.c)
	for b := 0; b < l.n; b++ {
		for p := 0; p < hw; p++ {
			base := (b*hw + p) * l.c
			for ch := 0; ch < l.c; ch++ {
				out.Data[b*l.c+ch] += x.Data[base+ch]
			}
		}
	}
	inv := 1 / float64(hw)
	for i := range out.Data {
		out.Data[i] *= inv
	}
	return out, nil
}

func (l *GlobalAvgPool) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	hw := l.h * l.w
	gx := tensor.New(l.n, l.h, l.w, l.c)
	inv := 1 / float64(hw)
	for b := 0; b < l.n; b++ {
		for p := 0; p < hw; p++ {
			base := (b*hw + p) * l.c
			for ch := 0; ch < l.c; ch++ {
				gx.Data[base+ch] = grad.Data[b*l.c+ch] * inv
			}
		}
	}
	return gx, nil
}

func (l *GlobalAvgPool) Params() []*Param { return nil }

// Dense is a fully connected projection. Inputs with more than one
// per-sample axis are flattened.
type Dense struct {
	name    string
	units   int
	useBias bool
	l2      float64

	in     int
	weight *Param
	bias   *Param
	input  *tensor.Tensor
}

// NewDense returns an unbuilt projection to units outputs; l2 scales the
// kernel penalty.
func NewDense(name string, units int, useBias bool, l2 float64) *Dense {
	return &Dense{name: name, units: units, useBias: useBias, l2: l2}
}

func (l *Dense) Name() string { return l.name }

func (l *Dense) Build(in []int, rng *rand.Rand) ([]int, error) {
	if len(in) == 0 || l.units <= 0 {
		return nil, errors.Errorf("%s: invalid input %v or units %d", l.name, in, l.units)
	}
	l.in = tensor.Volume(in)
	l.weight = newParam(l.name+"/kernel", true, l.in, l.units)
	l.weight.L2 = l.l2
	heNormal(l.weight.Value, l.in, rng)
	if l.useBias {
		l.bias = newParam(l.name+"/bias", true, l.units)
	}
	return []int{l.units}, nil
}

func (l *Dense) Forward(x *tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	if len(x.Shape) == 0 || x.Size() != x.Shape[0]*l.in {
		return nil, errors.Errorf("%s: unexpected input shape %v", l.name, x.Shape)
	}
	n := x.Shape[0]
	out := tensor.New(n, l.units)
	w := l.weight.Value.Data
	for b := 0; b < n; b++ {
		row := out.Data[b*l.units : (b+1)*l.units]
		if l.bias != nil {
			copy(row, l.bias.Value.Data)
		}
		for i := 0; i < l.in; i++ {
			v := x.Data[b*l.in+i]
			for u, wv := range w[i*l.units : (i+1)*l.units] {
				row[u] += v * wv
			}
		}
	}
	l.input = x
	return out, nil
}

func (l *Dense) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, errors.Errorf("%s: backward before forward", l.name)
	}
	n := l.input.Shape[0]
	w := l.weight.Value.Data
	gw := l.weight.Grad.Data
	l.weight.Grad.Zero()
	if l.bias != nil {
		l.bias.Grad.Zero()
	}
	gx := tensor.New(l.input.Shape...)
	for b := 0; b < n; b++ {
		dout := grad.Data[b*l.units : (b+1)*l.units]
		if l.bias != nil {
			for u, d := range dout {
				l.bias.Grad.Data[u] += d
			}
		}
		for i := 0; i < l.in; i++ {
			v := l.input.Data[b*l.in+i]
			sum := 0.0
			for u, d := range dout {
				gw[i*l.units+u] += v * d
				sum += w[i*l.units+u] * d
			}
			gx.Data[b*l.in+i] = sum
		}
	}
	return gx, nil
}

func (l *Dense) Params() []*Param {
	if l.bias != nil {
		return []*Param{l.weight, l.bias}
	}
	return []*Param{l.weight}
}
