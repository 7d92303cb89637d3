package model

import (
	"fmt"
	"io"
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"netforge/internal/tensor"
)

// Network is an ordered pipeline of stages built for a fixed input shape.
type Network struct {
	name       string
	inputShape []int
	layers     []Layer
	shapes     [][]int
}

// NewNetwork builds every layer against inputShape in order.
func NewNetwork(name string, inputShape []int, seed int64, layers ...Layer) (*Network, error) {
	if len(layers) == 0 {
		return nil, errors.Errorf("network %s: no layers", name)
	}
	rng := rand.New(rand.NewSource(seed))
	net := &Network{name: name, inputShape: append([]int(nil), inputShape...), layers: layers}
	shape := net.inputShape
	seen := map[string]bool{}
	for _, l := range layers {
		if seen[l.Name()] {
			return nil, errors.Errorf("network %s: duplicate layer name %q", name, l.Name())
		}
		seen[l.Name()] = true
		out, err := l.Build(shape, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "network %s", name)
		}
		net.shapes = append(net.shapes, out)
		shape = out
	}
	return net, nil
}

func (n *Network) Name() string { return n.name }
func (n *Network) InputShape() []int { return append([]int(nil), n.inputShape...) }

// Forward maps a [N, H, W, C] batch to the network output.
func (n *Network) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(x.Shape) != len(n.inputShape)+1 || !tensor.EqualShape(x.Shape[1:], n.inputShape) {
		return nil, errors.Errorf("network %s: input shape %v, want [N %v]", n.name, x.Shape, n.inputShape)
	}
	out := x
	for _, l := range n.layers {
		var err error
		out, err = l.Forward(out, training)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Backward propagates dLoss/dOutput through every stage, leaving gradients
// on the trainable params.
func (n *Network) Backward(grad *tensor.Tensor) error {
	g := grad
	for i := len(n.layers) - 1; i >= 0; i-- {
		var err error
		g, err = n.layers[i].Backward(g)
		if err != nil {
			return err
		}
	}
	return nil
}

// Variables returns every param, trainable or not, in layer order.
func (n *Network) Variables() []*Param {
	var out []*Param
	for _, l := range n.layers {
		out = append(out, l.Params()...)
	}
	return out
}

// TrainableParams returns the params the optimizer updates.
func (n *Network) TrainableParams() []*Param {
	var out []*Param
	for _, p := range n.Variables() {
		if p.Trainable {
			out = append(out, p)
		}
	}
	return out
}

// ParamCount counts every scalar, including non-trainable state.
func (n *Network) ParamCount() int {
	total := 0
	for _, p := range n.Variables() {
		total += p.Value.Size()
	}
	return total
}

// RegularizationLoss sums L2 * ||w||^2 over regularized params.
func (n *Network) RegularizationLoss() float64 {
	loss := 0.0
	for _, p := range n.TrainableParams() {
		if p.L2 == 0 {
			continue
		}
		sum := 0.0
		for _, v := range p.Value.Data {
			sum += v * v
		}
		loss += p.L2 * sum
	}
	return loss
}

// AddRegularizationGrads adds the derivative of RegularizationLoss to the
// current gradients.
func (n *Network) AddRegularizationGrads() {
	for _, p := range n.TrainableParams() {
		if p.L2 == 0 {
			continue
		}
		for i, v := range p.Value.Data {
			p.Grad.Data[i] += 2 * p.L2 * v
		}
	}
}

// Summary writes a table of stages and, when detail is set, every param.
func (n *Network) Summary(w io.Writer, detail bool) {
	rule := strings.Repeat("_", 64)
	fmt.Fprintf(w, "Model: %q\n%s\n", n.name, rule)
	fmt.Fprintf(w, "%-24s %-24s %s\n", "Layer", "Output Shape", "Param #")
	fmt.Fprintln(w, strings.Repeat("=", 64))
	fmt.Fprintf(w, "%-24s %-24s %d\n", "input", shapeString(n.inputShape), 0)
	trainable := 0
	for i, l := range n.layers {
		count := 0
		for _, p := range l.Params() {
			count += p.Value.Size()
			if p.Trainable {
				trainable += p.Value.Size()
			}
		}
		fmt.Fprintf(w, "%-24s %-24s %d\n", l.Name(), shapeString(n.shapes[i]), count)
		if detail {
			for _, p := range l.Params() {
				fmt.Fprintf(w, "    %-36s %v trainable=%t\n", p.Name, p.Value.Shape, p.Trainable)
			}
		}
	}
	total := n.ParamCount()
	fmt.Fprintln(w, strings.Repeat("=", 64))
	fmt.Fprintf(w, "Total params: %s\n", FormatCount(total))
	fmt.Fprintf(w, "Trainable params: %s\n", FormatCount(trainable))
	fmt.Fprintf(w, "Non-trainable params: %s\n%s\n", FormatCount(total-trainable), rule)
}

func shapeString(s []int) string {
	parts := make([]string, 0, len(s)+1)
	parts = append(parts, "None")
	for _, d := range s {
		parts = append(parts, fmt.Sprint(d))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// FormatCount renders n with thousands separators.
func FormatCount(n int) string {
	s := fmt.Sprint(n)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
