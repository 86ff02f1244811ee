package quant

import (
	"fmt"

	"github.com/chewxy/math32"
	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// scaleFloor keeps degenerate groups from producing a zero divisor.
const scaleFloor = 1e-8

// castScale round-trips a scale through its storage dtype so the
// quantize-dequantize weight reflects what export will actually hold.
func castScale(s float32, dt config.ScaleDType) float32 {
	switch dt {
	case config.ScaleFP16:
		return float16.Fromfloat32(s).Float32()
	case config.ScaleBF16:
		return bfloat16.ToFloat32(bfloat16.FromFloat32(s))
	default:
		return s
	}
}

// Result holds the final quantized form of one weight.
type Result struct {
	QDQ   *tensor.Tensor // quantize-dequantize weight, [out, in]
	Scale *tensor.Tensor // per-group scales, [out, groups]
	Zp    *tensor.Tensor // per-group zero points, nil for symmetric
}

// groupState holds the per-group values the backward pass needs.
type groupState struct {
	scale  float32 // after dtype cast and floor
	zp     float32
	dsdMin float32 // d scale / d minScale, zero when floored
	dsdMax float32 // d scale / d maxScale, zero when floored
}

// quantize runs the group-wise quantize-dequantize over w using the current
// rounding offsets and clip scales. Outputs with nil destinations are
// skipped.
func quantize(w, v, minScale, maxScale *tensor.Tensor, spec Spec,
	qdq []float32, qmz []float32, inRange []bool, groups []groupState) {

	out, in := w.Dim(0), w.Dim(1)
	gw := spec.groupWidth(in)
	nGroups := in / gw
	maxq := spec.MaxQ()

	wd := w.Data()
	vd := v.Data()
	msd := minScale.Data()
	xsd := maxScale.Data()

	for r := 0; r < out; r++ {
		for g := 0; g < nGroups; g++ {
			off := r*in + g*gw
			gi := r*nGroups + g

			wmin, wmax := float32(0), float32(0)
			for i := 0; i < gw; i++ {
				val := wd[off+i]
				if val < wmin {
					wmin = val
				}
				if val > wmax {
					wmax = val
				}
			}
			cmin := wmin * (1.0 + msd[gi])
			cmax := wmax * (1.0 + xsd[gi])

			var st groupState
			var scale float32
			if spec.Symmetric {
				negSide := -cmin
				if cmax >= negSide {
					scale = 2.0 * cmax / maxq
					st.dsdMax = 2.0 * wmax / maxq
				} else {
					scale = 2.0 * negSide / maxq
					st.dsdMin = -2.0 * wmin / maxq
				}
				st.zp = (maxq + 1.0) / 2.0
			} else {
				scale = (cmax - cmin) / maxq
				st.dsdMax = wmax / maxq
				st.dsdMin = -wmin / maxq
			}
			if scale < scaleFloor {
				scale = scaleFloor
				st.dsdMax = 0
				st.dsdMin = 0
			}
			scale = castScale(scale, spec.ScaleDT)
			if !spec.Symmetric {
				st.zp = math32.Round(-cmin / scale)
			}
			st.scale = scale
			if groups != nil {
				groups[gi] = st
			}

			for i := 0; i < gw; i++ {
				idx := off + i
				q := math32.Round(wd[idx]/scale+vd[idx]) + st.zp
				ok := q >= 0 && q <= maxq
				if q < 0 {
					q = 0
				} else if q > maxq {
					q = maxq
				}
				if qdq != nil {
					qdq[idx] = (q - st.zp) * scale
				}
				if qmz != nil {
					qmz[idx] = q - st.zp
				}
				if inRange != nil {
					inRange[idx] = ok
				}
			}
		}
	}
}

// FakeQuant produces the quantize-dequantize weight as a tape node. The
// backward pass routes straight-through gradients into the rounding offsets
// and clip scales; clamped weights pass no gradient to their offset.
func FakeQuant(w, v, minScale, maxScale *tensor.Tensor, spec Spec) *tensor.Tensor {
	out, in := w.Dim(0), w.Dim(1)
	gw := spec.groupWidth(in)
	nGroups := in / gw

	qdq := make([]float32, out*in)
	qmz := make([]float32, out*in)
	inRange := make([]bool, out*in)
	groups := make([]groupState, out*nGroups)
	quantize(w, v, minScale, maxScale, spec, qdq, qmz, inRange, groups)

	wd := w.Data()
	prev := []*tensor.Tensor{v, minScale, maxScale}
	return tensor.NewNode("fake_quant:"+w.Name(), qdq, []int{out, in}, prev, func(grad []float32) {
		var gv, gms, gxs []float32
		if v.RequiresGrad() {
			gv = v.Grad()
		}
		if minScale.RequiresGrad() {
			gms = minScale.Grad()
		}
		if maxScale.RequiresGrad() {
			gxs = maxScale.Grad()
		}
		for r := 0; r < out; r++ {
			for g := 0; g < nGroups; g++ {
				off := r*in + g*gw
				gi := r*nGroups + g
				st := groups[gi]

				var gScale float32
				for i := 0; i < gw; i++ {
					idx := off + i
					gOut := grad[idx]
					if gv != nil && inRange[idx] {
						gv[idx] += gOut * st.scale
					}
					if gms != nil || gxs != nil {
						d := qmz[idx]
						if inRange[idx] {
							d -= wd[idx] / st.scale
						}
						gScale += gOut * d
					}
				}
				if gms != nil {
					gms[gi] += gScale * st.dsdMin
				}
				if gxs != nil {
					gxs[gi] += gScale * st.dsdMax
				}
			}
		}
	})
}

// QuantizeWeight computes the final quantized form with the tuned
// parameters. The scale tensor is already cast to the configured storage
// dtype; Zp is nil for symmetric specs.
func QuantizeWeight(w, v, minScale, maxScale *tensor.Tensor, spec Spec) (Result, error) {
	out, in := w.Dim(0), w.Dim(1)
	nGroups, err := spec.GroupsPerRow(in)
	if err != nil {
		return Result{}, fmt.Errorf("layer %s: %w", w.Name(), err)
	}

	qdq := make([]float32, out*in)
	groups := make([]groupState, out*nGroups)
	quantize(w, v, minScale, maxScale, spec, qdq, nil, nil, groups)

	scale := tensor.New(w.Name()+".scale", out, nGroups)
	var zp *tensor.Tensor
	if !spec.Symmetric {
		zp = tensor.New(w.Name()+".zero_point", out, nGroups)
	}
	for gi, st := range groups {
		scale.Data()[gi] = st.scale
		if zp != nil {
			zp.Data()[gi] = st.zp
		}
	}
	return Result{
		QDQ:   tensor.FromData(w.Name(), qdq, out, in),
		Scale: scale,
		Zp:    zp,
	}, nil
}
