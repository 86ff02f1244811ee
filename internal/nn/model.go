package nn

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Embedding maps token ids to dense rows of a [vocab, dim] table.
type Embedding struct {
	table *tensor.Tensor
}

func NewEmbedding(table *tensor.Tensor) *Embedding {
	return &Embedding{table: table}
}

func NewEmbeddingRand(rng *rand.Rand, vocab, dim int, std float32) *Embedding {
	return &Embedding{table: tensor.Randn("embed", rng, std, vocab, dim)}
}

// Lookup gathers one row per id into a [len(ids), dim] tensor.
func (e *Embedding) Lookup(ids []int32) *tensor.Tensor {
	dim := e.table.Dim(1)
	out := tensor.New("embedded", len(ids), dim)
	for i, id := range ids {
		src := int(id) * dim
		copy(out.Data()[i*dim:(i+1)*dim], e.table.Data()[src:src+dim])
	}
	return out
}

// FFNBlock is a pre-norm gated feed-forward block with a residual
// connection: x + down(silu(gate(norm(x))) * up(norm(x))).
type FFNBlock struct {
	norm   *tensor.Tensor
	layers map[string]Layer
	order  []string
}

func NewFFNBlock(rng *rand.Rand, dim, hidden int) *FFNBlock {
	std := float32(0.02)
	norm := tensor.New("norm.weight", dim)
	for i := range norm.Data() {
		norm.Data()[i] = 1
	}
	b := &FFNBlock{
		norm:   norm,
		layers: map[string]Layer{},
		order:  []string{"gate_proj", "up_proj", "down_proj"},
	}
	b.layers["gate_proj"] = NewLinearRand("gate_proj", rng, dim, hidden, std, false)
	b.layers["up_proj"] = NewLinearRand("up_proj", rng, dim, hidden, std, false)
	b.layers["down_proj"] = NewLinearRand("down_proj", rng, hidden, dim, std, false)
	return b
}

func (b *FFNBlock) Forward(x *tensor.Tensor, extra map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	h := tensor.RMSNorm(x, b.norm, 1e-6)
	gated := tensor.Mul(tensor.SiLU(b.layers["gate_proj"].Forward(h)), b.layers["up_proj"].Forward(h))
	return tensor.Add(x, b.layers["down_proj"].Forward(gated)), nil
}

func (b *FFNBlock) NamedLayers() map[string]Layer {
	out := make(map[string]Layer, len(b.layers))
	for k, v := range b.layers {
		out[k] = v
	}
	return out
}

func (b *FFNBlock) ReplaceLayer(name string, l Layer) {
	if _, ok := b.layers[name]; !ok {
		panic(fmt.Sprintf("block has no layer %q", name))
	}
	b.layers[name] = l
}

// ChannelScaler is implemented by blocks that can fold a per-input-channel
// scale into their first weight-bearing layers, compensating in the
// preceding normalization so the block's function is unchanged.
type ChannelScaler interface {
	InputChannelAbsMax() []float32
	ScaleInputChannels(s []float32)
}

// InputChannelAbsMax reports, per input channel of the gate/up projections,
// the largest weight magnitude feeding on that channel.
func (b *FFNBlock) InputChannelAbsMax() []float32 {
	gate := b.layers["gate_proj"].(*Linear)
	up := b.layers["up_proj"].(*Linear)
	in := gate.InFeatures()
	absmax := make([]float32, in)
	for _, l := range []*Linear{gate, up} {
		w := l.Weight().Data()
		out := l.OutFeatures()
		for o := 0; o < out; o++ {
			for j := 0; j < in; j++ {
				v := w[o*in+j]
				if v < 0 {
					v = -v
				}
				if v > absmax[j] {
					absmax[j] = v
				}
			}
		}
	}
	return absmax
}

// ScaleInputChannels multiplies column j of the gate/up weights by s[j] and
// divides the norm weight by s[j], leaving the block's output unchanged.
func (b *FFNBlock) ScaleInputChannels(s []float32) {
	for _, name := range []string{"gate_proj", "up_proj"} {
		l := b.layers[name].(*Linear)
		w := l.Weight().Data()
		in := l.InFeatures()
		out := l.OutFeatures()
		for o := 0; o < out; o++ {
			for j := 0; j < in; j++ {
				w[o*in+j] *= s[j]
			}
		}
	}
	for j := range s {
		b.norm.Data()[j] /= s[j]
	}
}

// Sequential is an ordered stack of named blocks behind an embedding.
type Sequential struct {
	embed  *Embedding
	names  []string
	blocks map[string]Block
}

func NewSequential(embed *Embedding) *Sequential {
	return &Sequential{embed: embed, blocks: map[string]Block{}}
}

func (m *Sequential) Append(name string, b Block) {
	m.names = append(m.names, name)
	m.blocks[name] = b
}

func (m *Sequential) Embed(ids []int32) *tensor.Tensor {
	return m.embed.Lookup(ids)
}

func (m *Sequential) BlockNames() []string {
	return append([]string(nil), m.names...)
}

func (m *Sequential) Block(name string) Block {
	return m.blocks[name]
}

func (m *Sequential) ReplaceBlock(name string, b Block) {
	if _, ok := m.blocks[name]; !ok {
		panic(fmt.Sprintf("model has no block %q", name))
	}
	m.blocks[name] = b
}

func (m *Sequential) Forward(ids []int32, extra map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	x := m.Embed(ids)
	for _, name := range m.names {
		var err error
		x, err = m.blocks[name].Forward(x, extra)
		if err != nil {
			return nil, err
		}
	}
	return x, nil
}
