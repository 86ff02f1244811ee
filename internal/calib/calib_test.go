package calib

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/nn"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func testModel(t *testing.T) *nn.Sequential {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	m := nn.NewSequential(nn.NewEmbeddingRand(rng, 32, 8, 0.5))
	m.Append("block.0", nn.NewFFNBlock(rng, 8, 16))
	m.Append("block.1", nn.NewFFNBlock(rng, 8, 16))
	return m
}

func seqs(n, width int) [][]int32 {
	out := make([][]int32, n)
	for i := range out {
		out[i] = make([]int32, width)
		for j := range out[i] {
			out[i][j] = int32((i + j) % 32)
		}
	}
	return out
}

func captureConfig(nsamples int) *config.Config {
	cfg := config.Default()
	cfg.NSamples = nsamples
	cfg.SeqLen = 4
	return &cfg
}

func TestCaptureCollectsSamples(t *testing.T) {
	m := testModel(t)
	cfg := captureConfig(6)
	buf, err := Capture(context.Background(), m, NewSliceSource(seqs(10, 4), 3), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 6 {
		t.Fatalf("captured %d samples, want 6", buf.Len())
	}
	s := buf.Samples()[0]
	if s.Input.Dim(0) != 4 || s.Input.Dim(1) != 8 {
		t.Fatalf("sample dims %v, want [4,8]", s.Input.Dims())
	}
}

func TestCaptureTruncatesToSeqLen(t *testing.T) {
	m := testModel(t)
	cfg := captureConfig(2)
	cfg.SeqLen = 3
	buf, err := Capture(context.Background(), m, NewSliceSource(seqs(4, 8), 2), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := buf.Samples()[0].Input.Dim(0); got != 3 {
		t.Fatalf("sequence not truncated: %d rows", got)
	}
}

func TestCaptureRestoresFirstBlock(t *testing.T) {
	m := testModel(t)
	orig := m.Block("block.0")
	cfg := captureConfig(4)
	if _, err := Capture(context.Background(), m, NewSliceSource(seqs(8, 4), 4), cfg); err != nil {
		t.Fatal(err)
	}
	if m.Block("block.0") != orig {
		t.Fatal("first block not restored after capture")
	}
	// model must still run normally
	if _, err := m.Forward([]int32{1, 2, 3}, nil); err != nil {
		t.Fatalf("forward after capture: %v", err)
	}
}

type failingSource struct{}

func (failingSource) Next(ctx context.Context) ([][]int32, error) {
	return nil, errors.New("upstream broke")
}

func TestCaptureRestoresBlockOnSourceError(t *testing.T) {
	m := testModel(t)
	orig := m.Block("block.0")
	cfg := captureConfig(4)
	if _, err := Capture(context.Background(), m, failingSource{}, cfg); err == nil {
		t.Fatal("expected source error")
	}
	if m.Block("block.0") != orig {
		t.Fatal("first block not restored after error")
	}
}

// flakyModel fails its forward pass for sequences starting with the poison
// token and otherwise behaves like the wrapped model.
type flakyModel struct {
	nn.Model
	poison int32
}

func (f *flakyModel) Forward(ids []int32, extra map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	if len(ids) > 0 && ids[0] == f.poison {
		return nil, errors.New("shape mismatch")
	}
	return f.Model.Forward(ids, extra)
}

func TestCaptureSkipsFailingSequences(t *testing.T) {
	inner := testModel(t)
	m := &flakyModel{Model: inner, poison: 3}
	cfg := captureConfig(100)
	// sequence i starts with token i%32; exactly one of the five is poisoned
	buf, err := Capture(context.Background(), m, NewSliceSource(seqs(5, 4), 2), cfg)
	if err != nil {
		t.Fatalf("one bad sequence must not abort the capture: %v", err)
	}
	if buf.Len() != 4 {
		t.Fatalf("captured %d samples, want the 4 healthy ones", buf.Len())
	}
	if inner.Block("block.0") == nil {
		t.Fatal("first block missing after capture")
	}
}

func TestCaptureSkipsShortSequences(t *testing.T) {
	m := testModel(t)
	cfg := captureConfig(100)
	cfg.SeqLen = 4
	mixed := [][]int32{
		{1, 2, 3, 4},
		{5, 6},
		{7, 8, 9, 10, 11},
		{},
	}
	buf, err := Capture(context.Background(), m, NewSliceSource(mixed, 2), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 2 {
		t.Fatalf("captured %d samples, want 2 of full length", buf.Len())
	}
	for _, s := range buf.Samples() {
		if s.Input.Dim(0) != 4 {
			t.Fatalf("sample has %d rows, want 4", s.Input.Dim(0))
		}
	}
}

func TestCaptureZeroSamplesIsFatal(t *testing.T) {
	m := testModel(t)
	cfg := captureConfig(4)
	_, err := Capture(context.Background(), m, NewSliceSource(nil, 2), cfg)
	if err == nil {
		t.Fatal("empty source must be a fatal error")
	}
}

func TestCaptureShortSourceIsNotFatal(t *testing.T) {
	m := testModel(t)
	cfg := captureConfig(100)
	buf, err := Capture(context.Background(), m, NewSliceSource(seqs(5, 4), 2), cfg)
	if err != nil {
		t.Fatalf("short capture should only warn: %v", err)
	}
	if buf.Len() != 5 {
		t.Fatalf("captured %d, want 5", buf.Len())
	}
}

func TestCaptureHonorsCancellation(t *testing.T) {
	m := testModel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := captureConfig(4)
	if _, err := Capture(ctx, m, NewSliceSource(seqs(8, 4), 2), cfg); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestSliceSourceBatching(t *testing.T) {
	src := NewSliceSource(seqs(5, 4), 2)
	ctx := context.Background()
	sizes := []int{}
	for {
		b, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		sizes = append(sizes, len(b))
	}
	want := []int{2, 2, 1}
	if len(sizes) != len(want) {
		t.Fatalf("batch sizes %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("batch sizes %v, want %v", sizes, want)
		}
	}
}

func TestIPCStreamRoundTrip(t *testing.T) {
	in := seqs(7, 4)
	var buf bytes.Buffer
	if err := WriteIPCStream(&buf, in); err != nil {
		t.Fatal(err)
	}

	src, err := NewIPCStreamSource(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	ctx := context.Background()
	var got [][]int32
	for {
		b, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, b...)
	}
	if len(got) != len(in) {
		t.Fatalf("read %d sequences, want %d", len(got), len(in))
	}
	for i := range in {
		for j := range in[i] {
			if got[i][j] != in[i][j] {
				t.Fatalf("seq %d pos %d: got %d want %d", i, j, got[i][j], in[i][j])
			}
		}
	}
}

func TestWriteIPCStreamRejectsRagged(t *testing.T) {
	err := WriteIPCStream(&bytes.Buffer{}, [][]int32{{1, 2}, {3}})
	if err == nil {
		t.Fatal("ragged sequences must be rejected")
	}
}

func TestIPCSourceFeedsCapture(t *testing.T) {
	var raw bytes.Buffer
	if err := WriteIPCStream(&raw, seqs(6, 4)); err != nil {
		t.Fatal(err)
	}
	src, err := NewIPCStreamSource(&raw)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	m := testModel(t)
	cfg := captureConfig(6)
	buf, err := Capture(context.Background(), m, src, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 6 {
		t.Fatalf("captured %d, want 6", buf.Len())
	}
}
