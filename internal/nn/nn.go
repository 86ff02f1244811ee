// Package nn defines the layer and block abstractions the tuning engine
// operates on. Models expose their blocks by name so the engine can swap
// individual blocks or layers for instrumented replacements.
package nn

import (
	"math/rand"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Layer transforms activations. Implementations must be safe for repeated
// forward calls over the same weights.
type Layer interface {
	Forward(x *tensor.Tensor) *tensor.Tensor
}

// QuantMeta records the quantization applied to a layer's weight. ZeroPoint
// is nil for symmetric schemes.
type QuantMeta struct {
	Bits      int
	GroupSize int
	Symmetric bool
	Scale     *tensor.Tensor
	ZeroPoint *tensor.Tensor
}

// WeightBearing is a layer with a 2-D weight the engine can tune and
// annotate with quantization metadata. TransposedStorage reports that the
// weight is stored [in, out] rather than the canonical [out, in].
type WeightBearing interface {
	Layer
	Weight() *tensor.Tensor
	Bias() *tensor.Tensor
	SetWeight(w *tensor.Tensor)
	InFeatures() int
	OutFeatures() int
	TransposedStorage() bool
	SetMeta(*QuantMeta)
	Meta() *QuantMeta
}

// Block is one sequential unit of a model. Extra tensors carry side inputs
// captured during calibration, such as attention masks; blocks that do not
// use them ignore the map.
type Block interface {
	Forward(x *tensor.Tensor, extra map[string]*tensor.Tensor) (*tensor.Tensor, error)
	NamedLayers() map[string]Layer
	ReplaceLayer(name string, l Layer)
}

// Model exposes an embedding front end and an ordered list of blocks.
type Model interface {
	Embed(ids []int32) *tensor.Tensor
	BlockNames() []string
	Block(name string) Block
	ReplaceBlock(name string, b Block)
	Forward(ids []int32, extra map[string]*tensor.Tensor) (*tensor.Tensor, error)
}

// Linear is a dense layer with weight stored [out, in].
type Linear struct {
	name   string
	weight *tensor.Tensor
	bias   *tensor.Tensor
	meta   *QuantMeta
}

func NewLinear(name string, weight, bias *tensor.Tensor) *Linear {
	return &Linear{name: name, weight: weight, bias: bias}
}

// NewLinearRand initializes the weight from N(0, std). bias is zero when
// withBias is set, nil otherwise.
func NewLinearRand(name string, rng *rand.Rand, in, out int, std float32, withBias bool) *Linear {
	w := tensor.Randn(name+".weight", rng, std, out, in)
	var b *tensor.Tensor
	if withBias {
		b = tensor.New(name+".bias", out)
	}
	return &Linear{name: name, weight: w, bias: b}
}

func (l *Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Linear(x, l.weight, l.bias)
}

func (l *Linear) Name() string               { return l.name }
func (l *Linear) Weight() *tensor.Tensor     { return l.weight }
func (l *Linear) Bias() *tensor.Tensor       { return l.bias }
func (l *Linear) InFeatures() int            { return l.weight.Dim(1) }
func (l *Linear) OutFeatures() int           { return l.weight.Dim(0) }
func (l *Linear) TransposedStorage() bool    { return false }
func (l *Linear) SetMeta(m *QuantMeta)       { l.meta = m }
func (l *Linear) Meta() *QuantMeta           { return l.meta }
func (l *Linear) SetWeight(w *tensor.Tensor) { l.weight = w }

// ProjConv1D is the transposed-weight projection used by GPT-style models:
// the weight is stored [in, out] and multiplies without transposition.
type ProjConv1D struct {
	name   string
	weight *tensor.Tensor
	bias   *tensor.Tensor
	meta   *QuantMeta
}

func NewProjConv1D(name string, weight, bias *tensor.Tensor) *ProjConv1D {
	return &ProjConv1D{name: name, weight: weight, bias: bias}
}

func (l *ProjConv1D) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.LinearT(x, l.weight, l.bias)
}

func (l *ProjConv1D) Name() string               { return l.name }
func (l *ProjConv1D) Weight() *tensor.Tensor     { return l.weight }
func (l *ProjConv1D) Bias() *tensor.Tensor       { return l.bias }
func (l *ProjConv1D) InFeatures() int            { return l.weight.Dim(0) }
func (l *ProjConv1D) OutFeatures() int           { return l.weight.Dim(1) }
func (l *ProjConv1D) TransposedStorage() bool    { return true }
func (l *ProjConv1D) SetMeta(m *QuantMeta)       { l.meta = m }
func (l *ProjConv1D) Meta() *QuantMeta           { return l.meta }
func (l *ProjConv1D) SetWeight(w *tensor.Tensor) { l.weight = w }
