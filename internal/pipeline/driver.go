package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/calib"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/nn"
	"github.com/23skdu/longbow-bodkin/internal/quant"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// fusedBlock joins consecutive blocks so they are wrapped and tuned as one
// unit. Layer names are prefixed with their owning block's name.
type fusedBlock struct {
	names  []string
	blocks []nn.Block
}

func (f *fusedBlock) Forward(x *tensor.Tensor, extra map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, b := range f.blocks {
		x, err = b.Forward(x, extra)
		if err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (f *fusedBlock) NamedLayers() map[string]nn.Layer {
	out := map[string]nn.Layer{}
	for i, b := range f.blocks {
		for name, l := range b.NamedLayers() {
			out[f.names[i]+"/"+name] = l
		}
	}
	return out
}

func (f *fusedBlock) ReplaceLayer(name string, l nn.Layer) {
	blockName, layerName, ok := strings.Cut(name, "/")
	if !ok {
		panic(fmt.Sprintf("fused layer name %q has no block prefix", name))
	}
	for i, b := range f.blocks {
		if f.names[i] == blockName {
			b.ReplaceLayer(layerName, l)
			return
		}
	}
	panic(fmt.Sprintf("fused group has no block %q", blockName))
}

// BlockReport is the per-position outcome of a pipeline run.
type BlockReport struct {
	Name    string
	Stats   TuneStats
	Wrapped []string
	Skipped []string
}

// Result summarizes one pipeline run. Marker counts committed block
// positions, including positions committed by earlier resumed runs.
type Result struct {
	Marker int
	Blocks []BlockReport
}

// Observer receives run progress callbacks. The monitoring endpoint
// satisfies it; a nil observer is valid.
type Observer interface {
	SetPlan(blocksTotal, samples int)
	BlockStarted(name string)
	BlockCommitted(marker int)
}

type nopObserver struct{}

func (nopObserver) SetPlan(int, int)    {}
func (nopObserver) BlockStarted(string) {}
func (nopObserver) BlockCommitted(int)  {}

// Run tunes and commits every block of the model in order, threading each
// position's output forward as the next position's calibration input.
func Run(ctx context.Context, m nn.Model, buf *calib.Buffer, cfg *config.Config) (*Result, error) {
	return RunWithObserver(ctx, m, buf, cfg, nil)
}

// RunWithObserver is Run with per-block progress callbacks.
func RunWithObserver(ctx context.Context, m nn.Model, buf *calib.Buffer, cfg *config.Config, obs Observer) (*Result, error) {
	runStart := time.Now()
	if obs == nil {
		obs = nopObserver{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dev, err := device.NewContext(cfg.Device, cfg.LowMemory)
	if err != nil {
		return nil, err
	}
	if cfg.AMP && dev.Kind() == device.CPU {
		logger.Log.Warn("reduced-precision loss unavailable on cpu, computing loss in float32")
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	names := m.BlockNames()
	if len(names) == 0 {
		logger.Log.Warn("model exposes no blocks, returning it unchanged")
		return &Result{}, nil
	}
	groups := groupNames(names, cfg.NBlocks)

	resume := 0
	if cfg.CheckpointDir != "" {
		marker, err := LoadMarker(cfg.CheckpointDir)
		if err != nil {
			return nil, err
		}
		resume = marker.Block
		if resume > 0 {
			logger.Log.Info("resuming from checkpoint", "committed_blocks", resume)
		}
	}

	samples := buf.Samples()
	obs.SetPlan(len(groups), len(samples))
	res := &Result{Marker: resume}
	processed := 0

	for pi, group := range groups {
		block := buildGroup(m, group)

		// positions committed by an earlier run only need their outputs
		// propagated
		if pi < resume {
			outs, err := runBlockOnce(block, samples)
			if err != nil {
				return nil, fmt.Errorf("propagate through committed block %d: %w", pi, err)
			}
			samples = replaceInputs(samples, outs)
			continue
		}
		if cfg.MaxBlocks > 0 && processed >= cfg.MaxBlocks {
			logger.Log.Info("block budget reached", "processed", processed)
			break
		}

		groupName := strings.Join(group, "+")
		obs.BlockStarted(groupName)
		logger.Log.Info("tuning block", "block", groupName, "position", pi,
			"samples", len(samples))

		if cfg.EnableEqualization {
			for _, name := range group {
				quant.EqualizeBlock(name, m.Block(name))
			}
		}

		if dev.LowMemory() {
			for _, s := range samples {
				dev.Stage(s.Input)
			}
		}

		refs, err := runBlockOnce(block, samples)
		if err != nil {
			return nil, fmt.Errorf("reference forward for %s: %w", groupName, err)
		}

		bw, err := quant.Wrap(groupName, block, cfg)
		if err != nil {
			return nil, err
		}
		logger.Log.Info("block wrapped", "block", groupName,
			"wrapped", len(bw.WrappedNames()), "skipped", len(bw.SkippedNames()))

		snap, stats, err := tuneBlock(ctx, groupName, bw, samples, refs, cfg, rng)
		if err != nil {
			return nil, err
		}
		if err := bw.UnwrapAll(snap); err != nil {
			return nil, err
		}

		next := refs
		if cfg.UseQuantInput {
			next, err = runBlockOnce(block, samples)
			if err != nil {
				return nil, fmt.Errorf("quantized forward for %s: %w", groupName, err)
			}
		}
		if dev.LowMemory() {
			for _, s := range samples {
				dev.Park(s.Input)
			}
		}
		samples = replaceInputs(samples, next)

		res.Blocks = append(res.Blocks, BlockReport{
			Name:    groupName,
			Stats:   stats,
			Wrapped: bw.WrappedNames(),
			Skipped: bw.SkippedNames(),
		})
		processed++
		res.Marker = pi + 1
		obs.BlockCommitted(res.Marker)

		if cfg.CheckpointDir != "" {
			if err := SaveMarker(cfg.CheckpointDir, Marker{Block: res.Marker, UpdatedAt: nowFn()}); err != nil {
				return nil, err
			}
		}
	}

	logger.Log.Info("pipeline complete", "committed_blocks", res.Marker,
		"positions", len(groups), "elapsed", time.Since(runStart).String())
	return res, nil
}

func groupNames(names []string, nBlocks int) [][]string {
	if nBlocks < 1 {
		nBlocks = 1
	}
	var out [][]string
	for i := 0; i < len(names); i += nBlocks {
		end := i + nBlocks
		if end > len(names) {
			end = len(names)
		}
		out = append(out, names[i:end])
	}
	return out
}

func buildGroup(m nn.Model, group []string) nn.Block {
	if len(group) == 1 {
		return m.Block(group[0])
	}
	f := &fusedBlock{names: group}
	for _, name := range group {
		f.blocks = append(f.blocks, m.Block(name))
	}
	return f
}

// runBlockOnce forwards every sample through the block as-is.
func runBlockOnce(block nn.Block, samples []calib.Sample) ([]*tensor.Tensor, error) {
	outs := make([]*tensor.Tensor, len(samples))
	for i, s := range samples {
		out, err := block.Forward(s.Input, s.Extra)
		if err != nil {
			return nil, err
		}
		outs[i] = out.Detach()
	}
	return outs, nil
}

func replaceInputs(samples []calib.Sample, outs []*tensor.Tensor) []calib.Sample {
	next := make([]calib.Sample, len(samples))
	for i := range samples {
		next[i] = calib.Sample{Input: outs[i], Extra: samples[i].Extra}
	}
	return next
}
