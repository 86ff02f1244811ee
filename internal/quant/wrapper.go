package quant

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/nn"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// LayerWrapper puts the fake-quantized weight on a layer's forward path and
// owns the tuning parameters for the lifetime of one block's optimization.
// The wrapped layer's weight is only mutated at Unwrap, which also ends the
// wrapper's useful life.
type LayerWrapper struct {
	name  string
	inner nn.WeightBearing
	spec  Spec

	base      *tensor.Tensor // float weight, canonical [out, in]
	v         *tensor.Tensor
	minScale  *tensor.Tensor
	maxScale  *tensor.Tensor
	unwrapped bool
}

// canonical returns w laid out [out, in], transposing a copy when the layer
// stores [in, out].
func canonical(l nn.WeightBearing) *tensor.Tensor {
	w := l.Weight()
	if !l.TransposedStorage() {
		return w
	}
	in, out := w.Dim(0), w.Dim(1)
	c := tensor.New(w.Name(), out, in)
	for i := 0; i < in; i++ {
		for o := 0; o < out; o++ {
			c.Data()[o*in+i] = w.Data()[i*out+o]
		}
	}
	return c
}

// NewLayerWrapper validates the recipe against the layer's shape and
// allocates zero-initialized tuning parameters. trainMinMax controls
// whether the clip scales participate in the gradient.
func NewLayerWrapper(name string, inner nn.WeightBearing, spec Spec, trainMinMax bool) (*LayerWrapper, error) {
	in := inner.InFeatures()
	out := inner.OutFeatures()
	nGroups, err := spec.GroupsPerRow(in)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", name, err)
	}

	w := &LayerWrapper{
		name:  name,
		inner: inner,
		spec:  spec,
		base:  canonical(inner),
		v:     tensor.Param(name + ".v", out, in),
	}
	if trainMinMax {
		w.minScale = tensor.Param(name+".min_scale", out, nGroups)
		w.maxScale = tensor.Param(name+".max_scale", out, nGroups)
	} else {
		w.minScale = tensor.New(name+".min_scale", out, nGroups)
		w.maxScale = tensor.New(name+".max_scale", out, nGroups)
	}
	return w, nil
}

func (w *LayerWrapper) Name() string { return w.name }
func (w *LayerWrapper) Spec() Spec   { return w.spec }

// Params returns the rounding offset and the two clip-scale tensors.
func (w *LayerWrapper) Params() (v, minScale, maxScale *tensor.Tensor) {
	return w.v, w.minScale, w.maxScale
}

// clampScales keeps both clip scales inside [-1, 0]. Values outside that
// range would widen the quantization range instead of narrowing it.
func (w *LayerWrapper) clampScales() {
	w.minScale.ClampInPlace(-1, 0)
	w.maxScale.ClampInPlace(-1, 0)
}

// Forward runs the layer's affine transform with the fake-quantized weight.
func (w *LayerWrapper) Forward(x *tensor.Tensor) *tensor.Tensor {
	w.clampScales()
	qw := FakeQuant(w.base, w.v, w.minScale, w.maxScale, w.spec)
	return tensor.Linear(x, qw, w.inner.Bias())
}

// Unwrap commits the supplied parameters: the layer's weight is overwritten
// with its quantize-dequantize form and the scale/zero-point land on the
// layer as metadata for export. The wrapped layer is returned; the wrapper
// must not be used afterwards.
func (w *LayerWrapper) Unwrap(v, minScale, maxScale *tensor.Tensor) (nn.WeightBearing, error) {
	if w.unwrapped {
		return nil, fmt.Errorf("layer %s: already unwrapped", w.name)
	}
	minScale.ClampInPlace(-1, 0)
	maxScale.ClampInPlace(-1, 0)

	res, err := QuantizeWeight(w.base, v, minScale, maxScale, w.spec)
	if err != nil {
		return nil, err
	}

	dst := w.inner.Weight()
	if w.inner.TransposedStorage() {
		out, in := res.QDQ.Dim(0), res.QDQ.Dim(1)
		for o := 0; o < out; o++ {
			for i := 0; i < in; i++ {
				dst.Data()[i*out+o] = res.QDQ.Data()[o*in+i]
			}
		}
	} else {
		dst.CopyDataFrom(res.QDQ)
	}
	dst.ZeroGrad()

	w.inner.SetMeta(&nn.QuantMeta{
		Bits:      w.spec.Bits,
		GroupSize: w.spec.GroupSize,
		Symmetric: w.spec.Symmetric,
		Scale:     res.Scale,
		ZeroPoint: res.Zp,
	})

	w.unwrapped = true
	w.v.Free()
	w.minScale.Free()
	w.maxScale.Free()
	if w.inner.TransposedStorage() {
		w.base.Free()
	}
	return w.inner, nil
}
