// Package quant implements group-wise weight quantization with learnable
// rounding offsets and clip scales, plus the layer and block wrappers that
// put the quantized forms on the forward path during tuning.
package quant

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/config"
)

// Spec is the resolved quantization recipe for one layer.
type Spec struct {
	Bits      int
	GroupSize int
	Symmetric bool
	ScaleDT   config.ScaleDType
}

// SpecFromConfig resolves the recipe for the named layer, applying any
// per-layer override on top of the global defaults.
func SpecFromConfig(cfg *config.Config, layerName string) Spec {
	s := Spec{
		Bits:      cfg.Bits,
		GroupSize: cfg.GroupSize,
		Symmetric: cfg.Symmetric,
		ScaleDT:   cfg.ScaleDT,
	}
	if ov, ok := cfg.LayerOverrides[layerName]; ok {
		if ov.Bits != nil {
			s.Bits = *ov.Bits
		}
		if ov.GroupSize != nil {
			s.GroupSize = *ov.GroupSize
		}
		if ov.Symmetric != nil {
			s.Symmetric = *ov.Symmetric
		}
	}
	return s
}

// Passthrough reports that the layer keeps its float weight.
func (s Spec) Passthrough() bool { return s.Bits >= 16 }

// MaxQ is the largest representable integer level.
func (s Spec) MaxQ() float32 { return float32(int(1)<<uint(s.Bits)) - 1 }

// GroupsPerRow returns how many scale groups one row of in input features
// splits into. Group size -1 treats the whole row as one group.
func (s Spec) GroupsPerRow(in int) (int, error) {
	if s.GroupSize == -1 {
		return 1, nil
	}
	if in%s.GroupSize != 0 {
		return 0, fmt.Errorf("input features %d not divisible by group size %d", in, s.GroupSize)
	}
	return in / s.GroupSize, nil
}

// groupWidth is the number of weights covered by one scale group.
func (s Spec) groupWidth(in int) int {
	if s.GroupSize == -1 {
		return in
	}
	return s.GroupSize
}
