package nn

import (
	"math/rand"
	"testing"

	"github.com/chewxy/math32"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func TestLinearFeatures(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	l := NewLinearRand("proj", rng, 8, 4, 0.02, true)
	if l.InFeatures() != 8 || l.OutFeatures() != 4 {
		t.Fatalf("got in=%d out=%d", l.InFeatures(), l.OutFeatures())
	}
	if l.TransposedStorage() {
		t.Fatal("linear weight is not transposed storage")
	}
	x := tensor.Randn("x", rng, 1.0, 2, 8)
	y := l.Forward(x)
	if y.Dim(0) != 2 || y.Dim(1) != 4 {
		t.Fatalf("unexpected output dims %v", y.Dims())
	}
}

func TestProjConv1DMatchesLinear(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	w := tensor.Randn("w", rng, 0.5, 4, 8) // [out, in]
	wt := tensor.New("wt", 8, 4)
	for o := 0; o < 4; o++ {
		for i := 0; i < 8; i++ {
			wt.Data()[i*4+o] = w.Data()[o*8+i]
		}
	}
	lin := NewLinear("lin", w, nil)
	conv := NewProjConv1D("conv", wt, nil)
	if !conv.TransposedStorage() {
		t.Fatal("conv1d projection stores [in, out]")
	}
	if conv.InFeatures() != 8 || conv.OutFeatures() != 4 {
		t.Fatalf("got in=%d out=%d", conv.InFeatures(), conv.OutFeatures())
	}

	x := tensor.Randn("x", rng, 1.0, 3, 8)
	y1 := lin.Forward(x)
	y2 := conv.Forward(x)
	for i := range y1.Data() {
		if diff := math32.Abs(y1.Data()[i] - y2.Data()[i]); diff > 1e-4 {
			t.Fatalf("index %d: %f vs %f", i, y1.Data()[i], y2.Data()[i])
		}
	}
}

func TestQuantMetaRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	l := NewLinearRand("proj", rng, 8, 4, 0.02, false)
	if l.Meta() != nil {
		t.Fatal("fresh layer should carry no metadata")
	}
	m := &QuantMeta{Bits: 4, GroupSize: -1, Symmetric: true, Scale: tensor.New("scale", 4, 1)}
	l.SetMeta(m)
	got := l.Meta()
	if got != m {
		t.Fatal("metadata not retained")
	}
	if got.ZeroPoint != nil {
		t.Fatal("symmetric metadata must have nil zero point")
	}
}

func TestEmbeddingLookup(t *testing.T) {
	table := tensor.FromData("embed", []float32{
		1, 2,
		3, 4,
		5, 6,
	}, 3, 2)
	e := NewEmbedding(table)
	out := e.Lookup([]int32{2, 0})
	want := []float32{5, 6, 1, 2}
	for i, v := range out.Data() {
		if v != want[i] {
			t.Errorf("index %d: got %f want %f", i, v, want[i])
		}
	}
}

func TestFFNBlockShapesAndResidual(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	b := NewFFNBlock(rng, 8, 16)
	x := tensor.Randn("x", rng, 1.0, 3, 8)
	y, err := b.Forward(x, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if y.Dim(0) != 3 || y.Dim(1) != 8 {
		t.Fatalf("unexpected dims %v", y.Dims())
	}
	layers := b.NamedLayers()
	for _, name := range []string{"gate_proj", "up_proj", "down_proj"} {
		if _, ok := layers[name]; !ok {
			t.Errorf("missing layer %q", name)
		}
	}
}

type recordingLayer struct {
	inner  Layer
	called int
}

func (r *recordingLayer) Forward(x *tensor.Tensor) *tensor.Tensor {
	r.called++
	return r.inner.Forward(x)
}

func TestReplaceLayerIsUsedByForward(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	b := NewFFNBlock(rng, 8, 16)
	rec := &recordingLayer{inner: b.NamedLayers()["up_proj"]}
	b.ReplaceLayer("up_proj", rec)
	x := tensor.Randn("x", rng, 1.0, 2, 8)
	if _, err := b.Forward(x, nil); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if rec.called != 1 {
		t.Fatalf("replacement layer called %d times, want 1", rec.called)
	}
}

func TestSequentialForwardAndReplaceBlock(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	m := NewSequential(NewEmbeddingRand(rng, 16, 8, 0.5))
	m.Append("block.0", NewFFNBlock(rng, 8, 16))
	m.Append("block.1", NewFFNBlock(rng, 8, 16))

	names := m.BlockNames()
	if len(names) != 2 || names[0] != "block.0" {
		t.Fatalf("unexpected block names %v", names)
	}

	out, err := m.Forward([]int32{1, 5, 3}, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if out.Dim(0) != 3 || out.Dim(1) != 8 {
		t.Fatalf("unexpected dims %v", out.Dims())
	}

	m.ReplaceBlock("block.1", NewFFNBlock(rng, 8, 16))
	if _, err := m.Forward([]int32{1, 5, 3}, nil); err != nil {
		t.Fatalf("forward after replace: %v", err)
	}
}
