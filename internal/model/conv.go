package model

import (
	"math/rand"

	"github.com/pkg/errors"

	"netforge/internal/tensor"
)

// PadType selects how Conv2D fills the border.
type PadType int

const (
	PadZero PadType = iota
	PadReflect
)

// Conv2DConfig describes a convolution stage.
type Conv2DConfig struct {
	Channels int
	Kernel   int
	Stride   int
	Pad      int
	PadType  PadType
	UseBias  bool
	L2       float64

	// SpectralNorm divides the kernel, viewed as [k*k*in, out], by its
	// estimated largest singular value.
	SpectralNorm bool
}

// Conv2D is a 2-D convolution over NHWC input. Kernel layout is
// [kh, kw, in, out].
type Conv2D struct {
	name   string
	cfg    Conv2DConfig
	kernel *Param
	bias   *Param
	snU    *Param

	inH, inW, inC int
	outH, outW    int
	input         *tensor.Tensor

	// weights used by the latest Forward, and its spectral norm state
	effective []float64
	sigma     float64
	snV       []float64
}

// NewConv2D returns an unbuilt convolution stage.
func NewConv2D(name string, cfg Conv2DConfig) *Conv2D {
	if cfg.Stride <= 0 {
		cfg.Stride = 1
	}
	return &Conv2D{name: name, cfg: cfg}
}

func (c *Conv2D) Name() string { return c.name }

func (c *Conv2D) Build(in []int, rng *rand.Rand) ([]int, error) {
	if len(in) != 3 {
		return nil, errors.Errorf("%s: want HWC input, got %v", c.name, in)
	}
	if c.cfg.Channels <= 0 || c.cfg.Kernel <= 0 {
		return nil, errors.Errorf("%s: channels and kernel must be > 0", c.name)
	}
	c.inH, c.inW, c.inC = in[0], in[1], in[2]
	if c.cfg.PadType == PadReflect && (c.cfg.Pad >= c.inH || c.cfg.Pad >= c.inW) {
		return nil, errors.Errorf("%s: reflect pad %d too large for %dx%d", c.name, c.cfg.Pad, c.inH, c.inW)
	}
	c.outH = (c.inH+2*c.cfg.Pad-c.cfg.Kernel)/c.cfg.Stride + 1
	c.outW = (c.inW+2*c.cfg.Pad-c.cfg.Kernel)/c.cfg.Stride + 1
	if c.outH <= 0 || c.outW <= 0 {
		return nil, errors.Errorf("%s: kernel %d does not fit %dx%d", c.name, c.cfg.Kernel, c.inH, c.inW)
	}

	k := c.cfg.Kernel
	c.kernel = newParam(c.name+"/kernel", true, k, k, c.inC, c.cfg.Channels)
	c.kernel.L2 = c.cfg.L2
	heNormal(c.kernel.Value, k*k*c.inC, rng)
	if c.cfg.UseBias {
		c.bias = newParam(c.name+"/bias", true, c.cfg.Channels)
	}
	if c.cfg.SpectralNorm {
		c.snU = newParam(c.name+"/sn_u", false, c.cfg.Channels)
		for i := range c.snU.Value.Data {
			c.snU.Value.Data[i] = rng.NormFloat64()
		}
		l2Normalize(c.snU.Value.Data)
	}
	return []int{c.outH, c.outW, c.cfg.Channels}, nil
}

// source maps a padded coordinate back onto the input axis of length n,
// returning -1 for zero padding.
func (c *Conv2D) source(p, n int) int {
	if p >= 0 && p < n {
		return p
	}
	if c.cfg.PadType == PadZero {
		return -1
	}
	if p < 0 {
		return -p
	}
	return 2*(n-1) - p
}

// weights returns the kernel Forward convolves with. Spectral normalization
// advances the power iteration once per training pass; inference reuses the
// stored u.
func (c *Conv2D) weights(training bool) []float64 {
	w := c.kernel.Value.Data
	if c.snU == nil {
		return w
	}
	rows, cols := len(w)/c.cfg.Channels, c.cfg.Channels
	c.sigma, c.snV = spectralNorm(w, rows, cols, c.snU.Value.Data, training)
	out := make([]float64, len(w))
	for i, x := range w {
		out[i] = x / c.sigma
	}
	return out
}

func (c *Conv2D) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != c.inH || x.Shape[2] != c.inW || x.Shape[3] != c.inC {
		return nil, errors.Errorf("%s: unexpected input shape %v", c.name, x.Shape)
	}
	n := x.Shape[0]
	oc := c.cfg.Channels
	k := c.cfg.Kernel
	out := tensor.New(n, c.outH, c.outW, oc)
	w := c.weights(training)

	for b := 0; b < n; b++ {
		for oh := 0; oh < c.outH; oh++ {
			for ow := 0; ow < c.outW; ow++ {
				o := ((b*c.outH+oh)*c.outW + ow) * oc
				acc := out.Data[o : o+oc]
				if c.bias != nil {
					copy(acc, c.bias.Value.Data)
				}
				for kh := 0; kh < k; kh++ {
					ih := c.source(oh*c.cfg.Stride+kh-c.cfg.Pad, c.inH)
					if ih < 0 {
						continue
					}
					for kw := 0; kw < k; kw++ {
						iw := c.source(ow*c.cfg.Stride+kw-c.cfg.Pad, c.inW)
						if iw < 0 {
							continue
						}
						in := ((b*c.inH+ih)*c.inW + iw) * c.inC
						wBase := (kh*k + kw) * c.inC * oc
						for ic := 0; ic < c.inC; ic++ {
							v := x.Data[in+ic]
							row := w[wBase+ic*oc : wBase+(ic+1)*oc]
							for f, wv := range row {
								acc[f] += v * wv
							}
						}
					}
				}
			}
		}
	}
	c.input = x
	c.effective = w
	return out, nil
}

func (c *Conv2D) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, errors.Errorf("%s: backward before forward", c.name)
	}
	x := c.input
	n := x.Shape[0]
	oc := c.cfg.Channels
	k := c.cfg.Kernel
	w := c.effective
	gw := c.kernel.Grad.Data
	c.kernel.Grad.Zero()
	if c.bias != nil {
		c.bias.Grad.Zero()
	}
	gx := tensor.New(x.Shape...)

	for b := 0; b < n; b++ {
		for oh := 0; oh < c.outH; oh++ {
			for ow := 0; ow < c.outW; ow++ {
				o := ((b*c.outH+oh)*c.outW + ow) * oc
				dout := grad.Data[o : o+oc]
				if c.bias != nil {
					for f, d := range dout {
						c.bias.Grad.Data[f] += d
					}
				}
				for kh := 0; kh < k; kh++ {
					ih := c.source(oh*c.cfg.Stride+kh-c.cfg.Pad, c.inH)
					if ih < 0 {
						continue
					}
					for kw := 0; kw < k; kw++ {
						iw := c.source(ow*c.cfg.Stride+kw-c.cfg.Pad, c.inW)
						if iw < 0 {
							continue
						}
						in := ((b*c.inH+ih)*c.inW + iw) * c.inC
						wBase := (kh*k + kw) * c.inC * oc
						for ic := 0; ic < c.inC; ic++ {
							v := x.Data[in+ic]
							base := wBase + ic*oc
							sum := 0.0
							for f, d := range dout {
								gw[base+f] += v * d
								sum += w[base+f] * d
							}
							gx.Data[in+ic] += sum
						}
					}
				}
			}
		}
	}
	if c.snU != nil {
		spectralNormGrad(gw, c.kernel.Value.Data, len(gw)/oc, oc, c.snU.Value.Data, c.snV, c.sigma)
	}
	return gx, nil
}

func (c *Conv2D) Params() []*Param {
	params := []*Param{c.kernel}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	if c.snU != nil {
		params = append(params, c.snU)
	}
	return params
}
