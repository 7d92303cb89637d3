package model

// Architecture builds the classifier for a per-sample HWC input shape.
// Swap it out to change the network structure.
type Architecture interface {
	Build(inputShape []int) (*Network, error)
}

// ArchitectureFunc adapts a function to Architecture.
type ArchitectureFunc func(inputShape []int) (*Network, error)

func (f ArchitectureFunc) Build(inputShape []int) (*Network, error) { return f(inputShape) }

// KernelL2 is the weight decay applied to conv and dense kernels.
const KernelL2 = 1e-4

// DefaultArchitecture is the example classifier:
// spectrally normalized conv 7x7/64 (reflect pad) -> batch norm -> relu -> global avg pool -> dense.
type DefaultArchitecture struct {
	Classes int
	Seed    int64
}

func (a DefaultArchitecture) Build(inputShape []int) (*Network, error) {
	classes := a.Classes
	if classes <= 0 {
		classes = 10
	}
	return NewNetwork("classifier", inputShape, a.Seed,
		NewConv2D("conv", Conv2DConfig{Channels: 64, Kernel: 7, Stride: 1, Pad: 3, PadType: PadReflect, L2: KernelL2, SpectralNorm: true}),
		NewBatchNorm("ins_norm"),
		NewReLU("relu"),
		NewGlobalAvgPool("gap"),
		NewDense("fc", classes, true, KernelL2),
	)
}
