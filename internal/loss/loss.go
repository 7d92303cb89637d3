// Package loss defines the training objectives the trainer can plug in.
package loss

import (
	"math"

	"github.com/pkg/errors"

	"netforge/internal/tensor"
)

// Func scores network output against labels and returns dLoss/dLogits.
type Func interface {
	Loss(logits *tensor.Tensor, labels []int) (float64, *tensor.Tensor, error)
}

// Placeholder contributes nothing: the step loss reduces to the
// regularization penalty. Replace it with a real objective.
type Placeholder struct{}

func (Placeholder) Loss(logits *tensor.Tensor, _ []int) (float64, *tensor.Tensor, error) {
	return 0, tensor.New(logits.Shape...), nil
}

// SoftmaxCrossEntropy is the mean categorical cross-entropy over a
// [N, classes] batch of logits.
type SoftmaxCrossEntropy struct{}

func (SoftmaxCrossEntropy) Loss(logits *tensor.Tensor, labels []int) (float64, *tensor.Tensor, error) {
	if len(logits.Shape) != 2 {
		return 0, nil, errors.Errorf("cross entropy: want [N classes] logits, got %v", logits.Shape)
	}
	n, classes := logits.Shape[0], logits.Shape[1]
	if len(labels) != n {
		return 0, nil, errors.Errorf("cross entropy: %d labels for %d rows", len(labels), n)
	}
	grad := tensor.New(n, classes)
	total := 0.0
	for b := 0; b < n; b++ {
		label := labels[b]
		if label < 0 || label >= classes {
			return 0, nil, errors.Errorf("cross entropy: label %d out of range [0,%d)", label, classes)
		}
		probs := Softmax(logits.Data[b*classes : (b+1)*classes])
		total += -math.Log(math.Max(probs[label], 1e-9))
		probs[label] -= 1
		for c, p := range probs {
			grad.Data[b*classes+c] = p / float64(n)
		}
	}
	return total / float64(n), grad, nil
}

// Softmax returns a new slice of normalized probabilities.
func Softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, v := range logits {
		exp := math.Exp(v - maxLogit)
		out[i] = exp
		sum += exp
	}
	inv := 1.0 / sum
	for i := range out {
		out[i] *= inv
	}
	return out
}

// Argmax returns the index of the largest value.
func Argmax(v []float64) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}
