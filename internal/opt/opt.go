// Package opt provides the gradient-based optimizers and learning-rate
// schedules used during block tuning.
package opt

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// ParamGroup bundles parameters that share a learning rate.
type ParamGroup struct {
	Params []*tensor.Tensor
	LR     float32
}

// Optimizer applies one update step from the accumulated gradients.
type Optimizer interface {
	Step(scale float32)
	ZeroGrad()
	Groups() []*ParamGroup
}

// SignSGD updates each parameter by lr * sign(grad). A gradient of exactly
// zero leaves the parameter untouched. The scale argument undoes loss
// scaling before the sign, which for sign descent only matters at zero.
type SignSGD struct {
	groups []*ParamGroup
}

func NewSignSGD(groups []*ParamGroup) *SignSGD {
	return &SignSGD{groups: groups}
}

func (o *SignSGD) Groups() []*ParamGroup { return o.groups }

func (o *SignSGD) Step(scale float32) {
	for _, g := range o.groups {
		for _, p := range g.Params {
			data := p.Data()
			grad := p.Grad()
			for i, gv := range grad {
				if gv > 0 {
					data[i] -= g.LR
				} else if gv < 0 {
					data[i] += g.LR
				}
			}
		}
	}
}

func (o *SignSGD) ZeroGrad() {
	for _, g := range o.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// AdamW is the decoupled weight-decay variant of Adam.
type AdamW struct {
	groups []*ParamGroup
	beta1  float32
	beta2  float32
	eps    float32
	decay  float32
	step   int
	m      [][]float32
	v      [][]float32
}

func NewAdamW(groups []*ParamGroup, weightDecay float32) *AdamW {
	o := &AdamW{
		groups: groups,
		beta1:  0.9,
		beta2:  0.999,
		eps:    1e-8,
		decay:  weightDecay,
	}
	for _, g := range groups {
		for _, p := range g.Params {
			o.m = append(o.m, make([]float32, p.NumElements()))
			o.v = append(o.v, make([]float32, p.NumElements()))
		}
	}
	return o
}

func (o *AdamW) Groups() []*ParamGroup { return o.groups }

func (o *AdamW) Step(scale float32) {
	o.step++
	bc1 := 1.0 - math.Pow(float64(o.beta1), float64(o.step))
	bc2 := 1.0 - math.Pow(float64(o.beta2), float64(o.step))
	slot := 0
	for _, g := range o.groups {
		for _, p := range g.Params {
			data := p.Data()
			grad := p.Grad()
			m := o.m[slot]
			v := o.v[slot]
			slot++
			for i, gv := range grad {
				gu := gv / scale
				m[i] = o.beta1*m[i] + (1.0-o.beta1)*gu
				v[i] = o.beta2*v[i] + (1.0-o.beta2)*gu*gu
				mh := float64(m[i]) / bc1
				vh := float64(v[i]) / bc2
				data[i] -= g.LR * float32(mh/(math.Sqrt(vh)+float64(o.eps)))
				if o.decay > 0 {
					data[i] -= g.LR * o.decay * data[i]
				}
			}
		}
	}
}

func (o *AdamW) ZeroGrad() {
	for _, g := range o.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// Schedule rescales every group's learning rate for the given step.
type Schedule interface {
	Apply(step int)
}

// LinearLR decays each group's rate linearly from its initial value to zero
// over totalSteps.
type LinearLR struct {
	opt        Optimizer
	initial    []float32
	totalSteps int
}

func NewLinearLR(opt Optimizer, totalSteps int) *LinearLR {
	s := &LinearLR{opt: opt, totalSteps: totalSteps}
	for _, g := range opt.Groups() {
		s.initial = append(s.initial, g.LR)
	}
	return s
}

func (s *LinearLR) Apply(step int) {
	frac := 1.0 - float32(step)/float32(s.totalSteps)
	if frac < 0 {
		frac = 0
	}
	for i, g := range s.opt.Groups() {
		g.LR = s.initial[i] * frac
	}
}

// CosineAnnealingLR follows half a cosine from the initial rate to zero.
type CosineAnnealingLR struct {
	opt        Optimizer
	initial    []float32
	totalSteps int
}

func NewCosineAnnealingLR(opt Optimizer, totalSteps int) *CosineAnnealingLR {
	s := &CosineAnnealingLR{opt: opt, totalSteps: totalSteps}
	for _, g := range opt.Groups() {
		s.initial = append(s.initial, g.LR)
	}
	return s
}

func (s *CosineAnnealingLR) Apply(step int) {
	frac := float64(step) / float64(s.totalSteps)
	if frac > 1 {
		frac = 1
	}
	factor := float32(0.5 * (1.0 + math.Cos(math.Pi*frac)))
	for i, g := range s.opt.Groups() {
		g.LR = s.initial[i] * factor
	}
}
