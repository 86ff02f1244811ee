// Package device decides where tensors live during tuning. The compute
// backend is host CPU; the placement policy still matters because low
// memory mode keeps calibration data and block outputs in a parked state
// and stages them in only while a block is being tuned.
package device

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Kind names a compute placement.
type Kind int

const (
	CPU Kind = iota
	CUDA
	Metal
)

func (k Kind) String() string {
	switch k {
	case CUDA:
		return "cuda"
	case Metal:
		return "metal"
	default:
		return "cpu"
	}
}

// Parse resolves a device identifier. Accelerator identifiers are accepted
// and fall back to CPU with a warning when no such backend is compiled in.
func Parse(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return CPU, nil
	case "cuda", "gpu":
		return CUDA, nil
	case "metal", "mps":
		return Metal, nil
	default:
		return CPU, fmt.Errorf("unknown device %q", name)
	}
}

// Context tracks placement and staged memory for one pipeline run.
type Context struct {
	kind      Kind
	lowMemory bool
	staged    int64
}

// NewContext resolves the requested device. Accelerators are not compiled
// into this build, so anything but CPU downgrades with a warning rather
// than failing the run.
func NewContext(name string, lowMemory bool) (*Context, error) {
	kind, err := Parse(name)
	if err != nil {
		return nil, err
	}
	if kind != CPU {
		logger.Log.Warn("accelerator backend unavailable, using cpu", "requested", kind.String())
		kind = CPU
	}
	return &Context{kind: kind, lowMemory: lowMemory}, nil
}

func (c *Context) Kind() Kind      { return c.kind }
func (c *Context) LowMemory() bool { return c.lowMemory }

// Stage marks a tensor as resident for compute and accounts its bytes.
func (c *Context) Stage(t *tensor.Tensor) *tensor.Tensor {
	atomic.AddInt64(&c.staged, int64(t.NumElements())*4)
	metrics.RecordTensorMemory(tensor.AllocatedBytes())
	return t
}

// Park releases a tensor from the compute set. In low memory mode the
// caller is expected to drop its staged reference afterwards.
func (c *Context) Park(t *tensor.Tensor) {
	atomic.AddInt64(&c.staged, -int64(t.NumElements())*4)
	metrics.RecordTensorMemory(tensor.AllocatedBytes())
}

// StagedBytes reports bytes currently marked compute-resident.
func (c *Context) StagedBytes() int64 {
	return atomic.LoadInt64(&c.staged)
}
