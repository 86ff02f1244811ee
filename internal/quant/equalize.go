package quant

import (
	"github.com/chewxy/math32"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/nn"
)

// equalization scales are bounded so a near-dead channel cannot blow up the
// compensating norm weight.
const (
	minEqScale = 0.2
	maxEqScale = 5.0
)

// EqualizeScales computes per-channel scales that pull each channel's
// weight range toward the mean range: a channel at the mean gets scale 1,
// wider channels shrink and narrower channels grow, square-root damped.
func EqualizeScales(absmax []float32) []float32 {
	var sum float32
	n := 0
	for _, v := range absmax {
		if v > 0 {
			sum += v
			n++
		}
	}
	s := make([]float32, len(absmax))
	if n == 0 {
		for j := range s {
			s[j] = 1
		}
		return s
	}
	mean := sum / float32(n)
	for j, v := range absmax {
		if v <= 0 {
			s[j] = 1
			continue
		}
		sc := math32.Sqrt(mean / v)
		if sc < minEqScale {
			sc = minEqScale
		} else if sc > maxEqScale {
			sc = maxEqScale
		}
		s[j] = sc
	}
	return s
}

// EqualizeBlock folds range-equalizing channel scales into a block that
// supports it, before the block is wrapped. Returns false when the block
// has no equalization hook.
func EqualizeBlock(blockName string, block nn.Block) bool {
	cs, ok := block.(nn.ChannelScaler)
	if !ok {
		return false
	}
	s := EqualizeScales(cs.InputChannelAbsMax())
	cs.ScaleInputChannels(s)
	logger.Log.Debug("equalized input channel ranges", "block", blockName, "channels", len(s))
	return true
}
