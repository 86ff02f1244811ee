package tensor

import (
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/chewxy/math32"
)

// Tensor is a dense row-major float32 tensor. Tensors created through Param
// or NewNode participate in the reverse-mode tape; plain tensors are inert
// data buffers.
type Tensor struct {
	data    []float32
	dims    []int
	strides []int
	name    string

	grad     []float32
	requires bool
	prev     []*Tensor
	backfn   func(grad []float32)
}

func computeStrides(dims []int) []int {
	strides := make([]int, len(dims))
	acc := 1
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= dims[i]
	}
	return strides
}

func numElements(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// New allocates a zero-filled tensor.
func New(name string, dims ...int) *Tensor {
	n := numElements(dims)
	RecordMemory(int64(n) * 4)
	return &Tensor{
		data:    make([]float32, n),
		dims:    append([]int(nil), dims...),
		strides: computeStrides(dims),
		name:    name,
	}
}

// FromData wraps an existing buffer. The buffer length must match the dims.
func FromData(name string, data []float32, dims ...int) *Tensor {
	if len(data) != numElements(dims) {
		panic(fmt.Sprintf("tensor %s: data length %d does not match dims %v", name, len(data), dims))
	}
	return &Tensor{
		data:    data,
		dims:    append([]int(nil), dims...),
		strides: computeStrides(dims),
		name:    name,
	}
}

// Randn fills a new tensor with N(0, std) samples.
func Randn(name string, rng *rand.Rand, std float32, dims ...int) *Tensor {
	t := New(name, dims...)
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64()) * std
	}
	return t
}

// Param allocates a zero-filled trainable tensor.
func Param(name string, dims ...int) *Tensor {
	t := New(name, dims...)
	t.requires = true
	return t
}

// NewNode creates a tape node produced by an operator. backward receives the
// node's accumulated output gradient and is responsible for scattering it
// into the prev tensors' gradients.
func NewNode(name string, data []float32, dims []int, prev []*Tensor, backward func(grad []float32)) *Tensor {
	t := FromData(name, data, dims...)
	for _, p := range prev {
		if p.requires {
			t.requires = true
		}
	}
	if t.requires {
		t.prev = prev
		t.backfn = backward
	}
	return t
}

func (t *Tensor) Name() string    { return t.name }
func (t *Tensor) Dims() []int     { return t.dims }
func (t *Tensor) Dim(i int) int   { return t.dims[i] }
func (t *Tensor) Data() []float32 { return t.data }
func (t *Tensor) NumElements() int {
	return numElements(t.dims)
}

func (t *Tensor) RequiresGrad() bool { return t.requires }

// Grad returns the gradient buffer, allocating it on first use. Only valid
// on tensors that require gradients.
func (t *Tensor) Grad() []float32 {
	if !t.requires {
		return nil
	}
	if t.grad == nil {
		t.grad = make([]float32, len(t.data))
	}
	return t.grad
}

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Detach returns a view of the same data outside the tape.
func (t *Tensor) Detach() *Tensor {
	return FromData(t.name, t.data, t.dims...)
}

// Clone deep-copies data (not gradients) into a fresh inert tensor.
func (t *Tensor) Clone() *Tensor {
	out := New(t.name, t.dims...)
	copy(out.data, t.data)
	return out
}

// CopyDataFrom overwrites this tensor's values in place.
func (t *Tensor) CopyDataFrom(src *Tensor) {
	if len(t.data) != len(src.data) {
		panic(fmt.Sprintf("tensor %s: copy size mismatch %d != %d", t.name, len(t.data), len(src.data)))
	}
	copy(t.data, src.data)
}

// ClampInPlace clamps every value into [lo, hi].
func (t *Tensor) ClampInPlace(lo, hi float32) {
	for i, v := range t.data {
		if v < lo {
			t.data[i] = lo
		} else if v > hi {
			t.data[i] = hi
		}
	}
}

func (t *Tensor) Free() {
	if t.data != nil {
		RecordMemory(-int64(len(t.data)) * 4)
	}
	t.data = nil
	t.grad = nil
	t.prev = nil
	t.backfn = nil
}

// StackRows concatenates 2-D tensors with equal column counts along dim 0.
func StackRows(name string, ts []*Tensor) *Tensor {
	if len(ts) == 0 {
		return New(name, 0, 0)
	}
	cols := ts[0].Dim(len(ts[0].dims) - 1)
	rows := 0
	for _, t := range ts {
		rows += t.NumElements() / cols
	}
	out := New(name, rows, cols)
	off := 0
	for _, t := range ts {
		copy(out.data[off:], t.data)
		off += len(t.data)
	}
	return out
}

// Stats summarizes a buffer for diagnostics.
type Stats struct {
	Max   float32
	Min   float32
	Mean  float32
	RMS   float32
	Zeros int
	NaNs  int
	Infs  int
}

func ComputeStats(data []float32) Stats {
	var s Stats
	if len(data) == 0 {
		return s
	}
	s.Max = data[0]
	s.Min = data[0]
	for _, v := range data {
		if v > s.Max {
			s.Max = v
		}
		if v < s.Min {
			s.Min = v
		}
		if v == 0 {
			s.Zeros++
		}
		s.Mean += v
		s.RMS += v * v
		if math32.IsNaN(v) {
			s.NaNs++
		}
		if math32.IsInf(v, 0) {
			s.Infs++
		}
	}
	n := float32(len(data))
	s.Mean /= n
	s.RMS = math32.Sqrt(s.RMS / n)
	return s
}

var allocatedBytes int64

// AllocatedBytes reports net bytes allocated through this package.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

func RecordMemory(n int64) {
	atomic.AddInt64(&allocatedBytes, n)
}
