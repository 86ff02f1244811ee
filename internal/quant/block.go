package quant

import (
	"fmt"
	"sort"
	"strings"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/nn"
	"github.com/23skdu/longbow-bodkin/internal/opt"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// LayerSnapshot is a frozen copy of one wrapper's tuning parameters.
type LayerSnapshot struct {
	V        *tensor.Tensor
	MinScale *tensor.Tensor
	MaxScale *tensor.Tensor
}

// BlockSnapshot holds the best-so-far parameters for every wrapped layer in
// a block, keyed by layer name. A block has at most one live snapshot; a
// better iteration overwrites it.
type BlockSnapshot struct {
	Layers    map[string]LayerSnapshot
	Iteration int
}

// BlockWrapper replaces every quantizable layer in one block with a
// LayerWrapper and manages them as a unit.
type BlockWrapper struct {
	blockName string
	block     nn.Block
	wrappers  map[string]*LayerWrapper
	skipped   []string
}

// Wrap swaps each supported weight-bearing layer for a LayerWrapper. Layers
// named in the unquantized list, or whose resolved recipe is 16-bit
// passthrough, stay untouched and are reported as skipped.
func Wrap(blockName string, block nn.Block, cfg *config.Config) (*BlockWrapper, error) {
	bw := &BlockWrapper{
		blockName: blockName,
		block:     block,
		wrappers:  map[string]*LayerWrapper{},
	}

	names := make([]string, 0)
	for name := range block.NamedLayers() {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		layer := block.NamedLayers()[name]
		wb, ok := layer.(nn.WeightBearing)
		if !ok {
			continue
		}
		// fused groups prefix layer names with the owning block; config
		// lookups resolve against that block's real name, not the group's
		full := blockName + "." + name
		short := name
		if owner, layerName, fused := strings.Cut(name, "/"); fused {
			full = owner + "." + layerName
			short = layerName
		}
		spec := SpecFromConfig(cfg, full)
		if cfg.IsUnquantized(full) || cfg.IsUnquantized(short) || spec.Passthrough() {
			bw.skipped = append(bw.skipped, name)
			wb.SetMeta(&nn.QuantMeta{Bits: 16, GroupSize: spec.GroupSize, Symmetric: spec.Symmetric})
			metrics.LayersSkippedTotal.Inc()
			logger.Log.Debug("layer kept in float form", "block", blockName, "layer", name)
			continue
		}
		w, err := NewLayerWrapper(full, wb, spec, cfg.EnableMinMax)
		if err != nil {
			return nil, err
		}
		block.ReplaceLayer(name, w)
		bw.wrappers[name] = w
	}

	if len(bw.wrappers) == 0 {
		logger.Log.Warn("block has no quantizable layers", "block", blockName)
	}
	return bw, nil
}

func (bw *BlockWrapper) Block() nn.Block { return bw.block }

// WrappedNames returns the wrapped layer names in a stable order.
func (bw *BlockWrapper) WrappedNames() []string {
	names := make([]string, 0, len(bw.wrappers))
	for name := range bw.wrappers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (bw *BlockWrapper) SkippedNames() []string {
	return append([]string(nil), bw.skipped...)
}

// TrainableParams returns the rounding offsets and the clip scales as two
// disjoint groups so the optimizer can drive them at different rates. The
// scale group is empty when clip-scale tuning is disabled.
func (bw *BlockWrapper) TrainableParams() (vParams, scaleParams []*tensor.Tensor) {
	for _, name := range bw.WrappedNames() {
		v, ms, xs := bw.wrappers[name].Params()
		vParams = append(vParams, v)
		if ms.RequiresGrad() {
			scaleParams = append(scaleParams, ms, xs)
		}
	}
	return vParams, scaleParams
}

// ParamGroups builds the optimizer groups from the trainable parameters.
func (bw *BlockWrapper) ParamGroups(cfg *config.Config) []*opt.ParamGroup {
	vParams, scaleParams := bw.TrainableParams()
	groups := []*opt.ParamGroup{{Params: vParams, LR: cfg.EffectiveLR()}}
	if len(scaleParams) > 0 {
		groups = append(groups, &opt.ParamGroup{Params: scaleParams, LR: cfg.EffectiveMinMaxLR()})
	}
	return groups
}

// ClampScales re-applies the clip-scale range bound after an optimizer
// step.
func (bw *BlockWrapper) ClampScales() {
	for _, w := range bw.wrappers {
		w.clampScales()
	}
}

// Snapshot clamps the clip scales and deep-copies every wrapper's current
// parameters.
func (bw *BlockWrapper) Snapshot(iteration int) *BlockSnapshot {
	snap := &BlockSnapshot{
		Layers:    make(map[string]LayerSnapshot, len(bw.wrappers)),
		Iteration: iteration,
	}
	for name, w := range bw.wrappers {
		w.clampScales()
		v, ms, xs := w.Params()
		snap.Layers[name] = LayerSnapshot{
			V:        v.Clone(),
			MinScale: ms.Clone(),
			MaxScale: xs.Clone(),
		}
	}
	return snap
}

// UnwrapAll commits every wrapped layer using the snapshot's parameters and
// restores the original layers into the block. A nil snapshot, or a layer
// missing from a partial snapshot, falls back to neutral zero parameters.
func (bw *BlockWrapper) UnwrapAll(snap *BlockSnapshot) error {
	for _, name := range bw.WrappedNames() {
		w := bw.wrappers[name]
		v, ms, xs := w.Params()
		if snap != nil {
			if ls, ok := snap.Layers[name]; ok {
				v, ms, xs = ls.V, ls.MinScale, ls.MaxScale
			} else {
				v, ms, xs = neutralParams(w)
				logger.Log.Warn("layer missing from snapshot, using neutral parameters",
					"block", bw.blockName, "layer", name)
			}
		}
		layer, err := w.Unwrap(v, ms, xs)
		if err != nil {
			return fmt.Errorf("block %s: %w", bw.blockName, err)
		}
		bw.block.ReplaceLayer(name, layer)
		metrics.LayersQuantizedTotal.Inc()
	}
	return nil
}

func neutralParams(w *LayerWrapper) (v, ms, xs *tensor.Tensor) {
	cv, cms, cxs := w.Params()
	v = tensor.New(cv.Name(), cv.Dims()...)
	ms = tensor.New(cms.Name(), cms.Dims()...)
	xs = tensor.New(cxs.Name(), cxs.Dims()...)
	return v, ms, xs
}
