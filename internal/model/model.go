package model

import (
	"math"
	"math/rand"

	"netforge/internal/tensor"
)

// Batch represents a minibatch of images and labels.
type Batch struct {
	Images *tensor.Tensor
	Labels []int
}

// Param is a named variable owned by a layer. Non-trainable params hold
// layer state (batch-norm moving statistics) that is checkpointed but never
// touched by the optimizer.
type Param struct {
	Name      string
	Value     *tensor.Tensor
	Grad      *tensor.Tensor
	Trainable bool
	// L2 is the kernel regularization scale; zero disables the penalty.
	L2 float64
}

func newParam(name string, trainable bool, shape ...int) *Param {
	p := &Param{Name: name, Value: tensor.New(shape...), Trainable: trainable}
	if trainable {
		p.Grad = tensor.New(shape...)
	}
	return p
}

// Layer is one transformation stage of a Network.
type Layer interface {
	Name() string
	// Build allocates parameters for the given per-sample input shape and
	// returns the per-sample output shape.
	Build(inputShape []int, rng *rand.Rand) ([]int, error)
	Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	// Backward consumes dLoss/dOutput of the latest Forward, stores
	// parameter gradients and returns dLoss/dInput.
	Backward(grad *tensor.Tensor) (*tensor.Tensor, error)
	Params() []*Param
}

// heNormal fills t with N(0, sqrt(2/fanIn)) samples.
func heNormal(t *tensor.Tensor, fanIn int, rng *rand.Rand) {
	std := math.Sqrt(2 / float64(fanIn))
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64() * std
	}
}

func fill(t *tensor.Tensor, v float64) {
	for i := range t.Data {
		t.Data[i] = v
	}
}
