// Package calib captures the activations entering the first block of a
// model, which seed the block-by-block tuning chain.
package calib

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/nn"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// ErrCaptureStop is raised by the interception block to cut the model's
// forward pass short once the first block's input has been recorded.
var ErrCaptureStop = errors.New("calibration capture stop")

// Sample is one captured first-block input with its side inputs.
type Sample struct {
	Input *tensor.Tensor // [seq, dim]
	Extra map[string]*tensor.Tensor
}

// Buffer accumulates captured samples up to a fixed limit.
type Buffer struct {
	samples []Sample
	limit   int
}

func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

// Append records a sample. It returns false once the buffer is full.
func (b *Buffer) Append(s Sample) bool {
	if b.Full() {
		return false
	}
	b.samples = append(b.samples, s)
	return true
}

func (b *Buffer) Len() int          { return len(b.samples) }
func (b *Buffer) Full() bool        { return len(b.samples) >= b.limit }
func (b *Buffer) Samples() []Sample { return b.samples }

// captureBlock replaces the first block during capture. It records its
// input and stops the forward pass instead of computing anything.
type captureBlock struct {
	buf *Buffer
}

func (c *captureBlock) Forward(x *tensor.Tensor, extra map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	var ex map[string]*tensor.Tensor
	if len(extra) > 0 {
		ex = make(map[string]*tensor.Tensor, len(extra))
		for k, v := range extra {
			ex[k] = v.Clone()
		}
	}
	c.buf.Append(Sample{Input: x.Clone(), Extra: ex})
	return nil, ErrCaptureStop
}

func (c *captureBlock) NamedLayers() map[string]nn.Layer { return nil }

func (c *captureBlock) ReplaceLayer(string, nn.Layer) {}

// Capture runs the model over the source until the configured sample count
// is reached or the source drains. The first block is temporarily replaced
// by an interception adapter and restored before returning, on every path.
// Zero captured samples is fatal; a short capture is only a warning.
func Capture(ctx context.Context, m nn.Model, src Source, cfg *config.Config) (*Buffer, error) {
	names := m.BlockNames()
	if len(names) == 0 {
		return nil, fmt.Errorf("model has no blocks")
	}
	first := names[0]
	orig := m.Block(first)
	buf := NewBuffer(cfg.NSamples)
	m.ReplaceBlock(first, &captureBlock{buf: buf})
	defer m.ReplaceBlock(first, orig)

	for !buf.Full() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("calibration source: %w", err)
		}
		for _, ids := range batch {
			if buf.Full() {
				break
			}
			if len(ids) < cfg.SeqLen {
				logger.Log.Debug("sequence shorter than required length, skipped",
					"len", len(ids), "required", cfg.SeqLen)
				continue
			}
			ids = ids[:cfg.SeqLen]
			// a bad sequence must not sink the whole capture; log it and
			// move on to the next one
			if _, err := m.Forward(ids, nil); !errors.Is(err, ErrCaptureStop) {
				if err == nil {
					err = fmt.Errorf("interception block was not reached")
				}
				logger.Log.Warn("calibration forward failed, sequence skipped", "error", err.Error())
			}
		}
	}

	if buf.Len() == 0 {
		return nil, fmt.Errorf("no usable calibration samples captured")
	}
	if buf.Len() < cfg.NSamples {
		logger.Log.Warn("calibration source exhausted early",
			"captured", buf.Len(), "requested", cfg.NSamples)
	}
	metrics.CalibrationSamples.Set(float64(buf.Len()))
	logger.Log.Info("calibration capture complete", "samples", buf.Len())
	return buf, nil
}
