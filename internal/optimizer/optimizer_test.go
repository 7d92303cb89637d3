package optimizer

import (
	"math"
	"testing"

	"netforge/internal/loss"
	"netforge/internal/model"
	"netforge/internal/tensor"
)

func TestAdamFirstStepMovesByLR(t *testing.T) {
	p := &model.Param{Name: "w", Value: tensor.New(2), Grad: tensor.New(2), Trainable: true}
	p.Grad.Data[0] = 3
	p.Grad.Data[1] = -0.5
	opt := NewAdam(DefaultAdamConfig(0.1))
	if err := opt.Apply([]*model.Param{p}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if math.Abs(p.Value.Data[0]+0.1) > 1e-6 || math.Abs(p.Value.Data[1]-0.1) > 1e-6 {
		t.Fatalf("unexpected values %v", p.Value.Data)
	}
	if opt.Iterations() != 1 || len(opt.Slots()) != 2 {
		t.Fatalf("iterations=%d slots=%d", opt.Iterations(), len(opt.Slots()))
	}
}

func TestAdamRejectsStateParam(t *testing.T) {
	p := &model.Param{Name: "bn/moving_mean", Value: tensor.New(2)}
	if err := NewAdam(DefaultAdamConfig(0.1)).Apply([]*model.Param{p}); err == nil {
		t.Fatal("expected error for non-trainable param")
	}
}

func TestAdamTrainingReducesLoss(t *testing.T) {
	net, err := model.NewNetwork("n", []int{4}, 1, model.NewDense("fc", 3, true, 0))
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	x, _ := tensor.FromData([]float64{
		0.1, 0.2, 0.3, 0.4,
		0.4, 0.3, 0.2, 0.1,
	}, 2, 4)
	labels := []int{1, 2}
	opt := NewAdam(DefaultAdamConfig(0.05))

	step := func() float64 {
		out, err := net.Forward(x, true)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		l, g, err := loss.SoftmaxCrossEntropy{}.Loss(out, labels)
		if err != nil {
			t.Fatalf("Loss: %v", err)
		}
		if err := net.Backward(g); err != nil {
			t.Fatalf("Backward: %v", err)
		}
		if err := opt.Apply(net.TrainableParams()); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		return l
	}
	first := step()
	var last float64
	for i := 0; i < 20; i++ {
		last = step()
	}
	if last >= first {
		t.Fatalf("expected loss to decrease; first=%f last=%f", first, last)
	}
}

func TestAdamRestore(t *testing.T) {
	p := &model.Param{Name: "w", Value: tensor.New(1), Grad: tensor.New(1), Trainable: true}
	p.Grad.Data[0] = 1
	a := NewAdam(DefaultAdamConfig(0.1))
	a.Apply([]*model.Param{p})
	a.Apply([]*model.Param{p})

	slots := map[string]*tensor.Tensor{}
	for _, s := range a.Slots() {
		slots[s.Name] = s.Value
	}
	b := NewAdam(DefaultAdamConfig(0.1))
	if err := b.Restore(a.Iterations(), slots); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	q := &model.Param{Name: "w", Value: p.Value.Clone(), Grad: p.Grad.Clone(), Trainable: true}
	a.Apply([]*model.Param{p})
	b.Apply([]*model.Param{q})
	if p.Value.Data[0] != q.Value.Data[0] || b.Iterations() != 3 {
		t.Fatalf("restored optimizer diverged: %f vs %f", p.Value.Data[0], q.Value.Data[0])
	}

	if err := b.Restore(1, map[string]*tensor.Tensor{"w/m": tensor.New(1)}); err == nil {
		t.Fatal("expected missing /v slot error")
	}
}
