package opt

import (
	"testing"

	"github.com/chewxy/math32"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func paramWithGrad(t *testing.T, vals, grads []float32) *tensor.Tensor {
	t.Helper()
	p := tensor.Param("p", len(vals))
	copy(p.Data(), vals)
	copy(p.Grad(), grads)
	return p
}

func TestSignSGDStep(t *testing.T) {
	p := paramWithGrad(t, []float32{1, 1, 1}, []float32{0.5, -3, 0})
	o := NewSignSGD([]*ParamGroup{{Params: []*tensor.Tensor{p}, LR: 0.1}})
	o.Step(1.0)

	want := []float32{0.9, 1.1, 1.0}
	for i, v := range p.Data() {
		if diff := math32.Abs(v - want[i]); diff > 1e-6 {
			t.Errorf("index %d: got %f want %f", i, v, want[i])
		}
	}
}

func TestSignSGDIgnoresGradMagnitude(t *testing.T) {
	a := paramWithGrad(t, []float32{0}, []float32{1e-6})
	b := paramWithGrad(t, []float32{0}, []float32{1e6})
	o := NewSignSGD([]*ParamGroup{{Params: []*tensor.Tensor{a, b}, LR: 0.05}})
	o.Step(1.0)
	if a.Data()[0] != b.Data()[0] {
		t.Fatalf("sign updates diverged: %f vs %f", a.Data()[0], b.Data()[0])
	}
}

func TestAdamWFirstStepDirection(t *testing.T) {
	p := paramWithGrad(t, []float32{1, 1}, []float32{2, -2})
	o := NewAdamW([]*ParamGroup{{Params: []*tensor.Tensor{p}, LR: 0.01}}, 0)
	o.Step(1.0)

	// first step moves each element by nearly lr against the gradient sign
	if p.Data()[0] >= 1 || p.Data()[1] <= 1 {
		t.Fatalf("update direction wrong: %v", p.Data())
	}
	if diff := math32.Abs((1 - p.Data()[0]) - 0.01); diff > 1e-4 {
		t.Errorf("first step magnitude %f, want ~0.01", 1-p.Data()[0])
	}
}

func TestAdamWUnscalesGradients(t *testing.T) {
	run := func(gradScale, stepScale float32) float32 {
		p := paramWithGrad(t, []float32{1}, []float32{0.5 * gradScale})
		o := NewAdamW([]*ParamGroup{{Params: []*tensor.Tensor{p}, LR: 0.01}}, 0)
		o.Step(stepScale)
		return p.Data()[0]
	}
	plain := run(1, 1)
	scaled := run(1000, 1000)
	if diff := math32.Abs(plain - scaled); diff > 1e-6 {
		t.Fatalf("loss scaling leaked into update: %f vs %f", plain, scaled)
	}
}

func TestZeroGradClearsAllGroups(t *testing.T) {
	a := paramWithGrad(t, []float32{0}, []float32{1})
	b := paramWithGrad(t, []float32{0}, []float32{2})
	o := NewSignSGD([]*ParamGroup{
		{Params: []*tensor.Tensor{a}, LR: 0.1},
		{Params: []*tensor.Tensor{b}, LR: 0.2},
	})
	o.ZeroGrad()
	if a.Grad()[0] != 0 || b.Grad()[0] != 0 {
		t.Fatal("gradients not cleared")
	}
}

func TestLinearLRDecay(t *testing.T) {
	p := tensor.Param("p", 1)
	o := NewSignSGD([]*ParamGroup{{Params: []*tensor.Tensor{p}, LR: 1.0}})
	s := NewLinearLR(o, 10)

	s.Apply(0)
	if o.Groups()[0].LR != 1.0 {
		t.Errorf("step 0: got %f want 1.0", o.Groups()[0].LR)
	}
	s.Apply(5)
	if diff := math32.Abs(o.Groups()[0].LR - 0.5); diff > 1e-6 {
		t.Errorf("step 5: got %f want 0.5", o.Groups()[0].LR)
	}
	s.Apply(20)
	if o.Groups()[0].LR != 0 {
		t.Errorf("past end: got %f want 0", o.Groups()[0].LR)
	}
}

func TestCosineAnnealingLR(t *testing.T) {
	p := tensor.Param("p", 1)
	o := NewSignSGD([]*ParamGroup{{Params: []*tensor.Tensor{p}, LR: 1.0}})
	s := NewCosineAnnealingLR(o, 10)

	s.Apply(0)
	if diff := math32.Abs(o.Groups()[0].LR - 1.0); diff > 1e-6 {
		t.Errorf("step 0: got %f want 1.0", o.Groups()[0].LR)
	}
	s.Apply(5)
	if diff := math32.Abs(o.Groups()[0].LR - 0.5); diff > 1e-6 {
		t.Errorf("midpoint: got %f want 0.5", o.Groups()[0].LR)
	}
	s.Apply(10)
	if diff := math32.Abs(o.Groups()[0].LR); diff > 1e-6 {
		t.Errorf("end: got %f want 0", o.Groups()[0].LR)
	}
}

func TestScheduleKeepsGroupRatio(t *testing.T) {
	a := tensor.Param("a", 1)
	b := tensor.Param("b", 1)
	o := NewSignSGD([]*ParamGroup{
		{Params: []*tensor.Tensor{a}, LR: 0.01},
		{Params: []*tensor.Tensor{b}, LR: 0.04},
	})
	s := NewLinearLR(o, 100)
	s.Apply(50)
	ratio := o.Groups()[1].LR / o.Groups()[0].LR
	if diff := math32.Abs(ratio - 4.0); diff > 1e-5 {
		t.Fatalf("group ratio drifted: %f", ratio)
	}
}
