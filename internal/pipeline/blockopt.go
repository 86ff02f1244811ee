package pipeline

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/calib"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/opt"
	"github.com/23skdu/longbow-bodkin/internal/quant"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// TuneStats summarizes one block's optimization. InitLoss is the loss of the
// first finite iteration, BestLoss the lowest loss measured.
type TuneStats struct {
	InitLoss float64
	BestLoss float64
	BestIter int
	Iters    int
	Elapsed  time.Duration
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func buildOptimizer(groups []*opt.ParamGroup, cfg *config.Config) opt.Optimizer {
	if cfg.Policy == config.PolicyAdamRound {
		return opt.NewAdamW(groups, 0)
	}
	return opt.NewSignSGD(groups)
}

func buildSchedule(o opt.Optimizer, cfg *config.Config) opt.Schedule {
	if cfg.Schedule == config.ScheduleCosine {
		return opt.NewCosineAnnealingLR(o, cfg.Iters)
	}
	return opt.NewLinearLR(o, cfg.Iters)
}

// newBatchSampler returns the per-step index picker. Random sampling redraws
// a permutation prefix on every call; any other mode draws one index set up
// front and reuses it for the whole block.
func newBatchSampler(cfg *config.Config, rng *rand.Rand, nSamples, batchSize int) func() []int {
	draw := func() []int {
		idx := make([]int, batchSize)
		copy(idx, rng.Perm(nSamples)[:batchSize])
		return idx
	}
	if cfg.Sampler == config.SamplerRandom {
		return draw
	}
	fixed := draw()
	return func() []int { return fixed }
}

// stackBatch concatenates the chosen samples' rows into one matrix, along
// with their reference outputs and row-stacked side inputs.
func stackBatch(samples []calib.Sample, refs []*tensor.Tensor, idx []int) (*tensor.Tensor, *tensor.Tensor, map[string]*tensor.Tensor) {
	ins := make([]*tensor.Tensor, len(idx))
	outs := make([]*tensor.Tensor, len(idx))
	for i, j := range idx {
		ins[i] = samples[j].Input
		outs[i] = refs[j]
	}
	return tensor.StackRows("batch_in", ins), tensor.StackRows("batch_ref", outs), stackExtras(samples, idx)
}

// stackExtras row-stacks the side inputs shared by every selected sample.
// A key missing from any sample is dropped for the batch.
func stackExtras(samples []calib.Sample, idx []int) map[string]*tensor.Tensor {
	first := samples[idx[0]].Extra
	if len(first) == 0 {
		return nil
	}
	out := make(map[string]*tensor.Tensor, len(first))
	for k := range first {
		parts := make([]*tensor.Tensor, 0, len(idx))
		for _, j := range idx {
			t := samples[j].Extra[k]
			if t == nil {
				parts = nil
				break
			}
			parts = append(parts, t)
		}
		if parts != nil {
			out[k] = tensor.StackRows("batch_"+k, parts)
		}
	}
	return out
}

// tuneBlock runs the iterative optimizer over one wrapped block. refs holds
// the float reference output per sample, computed once before wrapping; it
// is the fixed optimization target. The committed snapshot always holds the
// parameters a measured loss was taken with: the best iteration's when
// best-tracking is on, otherwise the final iterate before its update.
func tuneBlock(ctx context.Context, blockName string, bw *quant.BlockWrapper,
	samples []calib.Sample, refs []*tensor.Tensor, cfg *config.Config, rng *rand.Rand) (*quant.BlockSnapshot, TuneStats, error) {

	start := time.Now()
	stats := TuneStats{InitLoss: -1, BestLoss: -1, BestIter: -1}

	vParams, _ := bw.TrainableParams()
	if len(vParams) == 0 {
		logger.Log.Warn("nothing to tune in block", "block", blockName)
		return nil, stats, nil
	}

	batchSize := cfg.BatchSize
	if batchSize > len(samples) {
		logger.Log.Warn("batch size exceeds calibration samples, clamping",
			"block", blockName, "batch_size", batchSize, "samples", len(samples))
		batchSize = len(samples)
	}

	optimizer := buildOptimizer(bw.ParamGroups(cfg), cfg)
	schedule := buildSchedule(optimizer, cfg)
	lossScale := float32(cfg.LossScaleFactor)
	nextBatch := newBatchSampler(cfg, rng, len(samples), batchSize)

	var best, last *quant.BlockSnapshot

	for iter := 0; iter < cfg.Iters; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}

		optimizer.ZeroGrad()
		var iterLoss float64
		skip := false
		for step := 0; step < cfg.GradAccumSteps; step++ {
			in, ref, extra := stackBatch(samples, refs, nextBatch())
			out, err := bw.Block().Forward(in, extra)
			if err != nil {
				return nil, stats, fmt.Errorf("block %s forward: %w", blockName, err)
			}
			loss := tensor.MSE(out, ref)
			lv := float64(loss.Data()[0])
			if math.IsNaN(lv) || math.IsInf(lv, 0) {
				metrics.RecordNumericalInstability(blockName, boolToInt(math.IsNaN(lv)), boolToInt(math.IsInf(lv, 0)))
				logger.Log.Warn("non-finite block loss, iteration skipped",
					"block", blockName, "iter", iter, "loss", lv)
				skip = true
				break
			}
			iterLoss += lv
			tensor.Backward(loss, lossScale/float32(cfg.GradAccumSteps))
		}
		stats.Iters = iter + 1
		if skip {
			optimizer.ZeroGrad()
			schedule.Apply(iter + 1)
			continue
		}
		iterLoss /= float64(cfg.GradAccumSteps)
		if stats.InitLoss < 0 {
			stats.InitLoss = iterLoss
		}

		// the commit decision is made before the update so that the
		// snapshot holds the parameters this loss was measured with
		if stats.BestLoss < 0 || iterLoss < stats.BestLoss {
			stats.BestLoss = iterLoss
			stats.BestIter = iter
			if cfg.TrackBest {
				best = bw.Snapshot(iter)
			}
		}
		if !cfg.TrackBest {
			last = bw.Snapshot(iter)
		}

		metrics.TuneIterationsTotal.Inc()
		logger.Log.Debug("tune iteration", "block", blockName, "iter", iter,
			"loss", iterLoss, "best_loss", stats.BestLoss, "best_iter", stats.BestIter)

		if cfg.DynamicMaxGap > 0 && iter-stats.BestIter >= cfg.DynamicMaxGap {
			logger.Log.Info("early stop", "block", blockName, "iter", iter,
				"best_iter", stats.BestIter, "gap", cfg.DynamicMaxGap)
			break
		}

		optimizer.Step(lossScale)
		bw.ClampScales()
		schedule.Apply(iter + 1)
	}

	stats.Elapsed = time.Since(start)
	metrics.RecordBlockResult(blockName, stats.BestLoss, stats.BestIter, stats.Elapsed)
	logger.Log.Info("block tuned", "block", blockName, "iters", stats.Iters,
		"init_loss", stats.InitLoss, "best_loss", stats.BestLoss,
		"best_iter", stats.BestIter, "elapsed", stats.Elapsed.String())
	if cfg.TrackBest {
		return best, stats, nil
	}
	return last, stats, nil
}
