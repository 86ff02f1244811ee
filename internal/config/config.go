package config

import (
	"fmt"
	"strings"
)

// Policy selects the tuning strategy for the rounding correction.
type Policy int

const (
	PolicySignRound Policy = iota // signed gradient descent, linear LR decay
	PolicyAdamRound               // AdamW over the same parameters
)

func (p Policy) String() string {
	switch p {
	case PolicySignRound:
		return "signround"
	case PolicyAdamRound:
		return "adamround"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a policy name to its Policy value.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "signround", "sign":
		return PolicySignRound, nil
	case "adamround", "adam":
		return PolicyAdamRound, nil
	default:
		return 0, fmt.Errorf("unsupported rounding policy: %q", s)
	}
}

// ScaleDType is the storage dtype of quantization scales.
type ScaleDType int

const (
	ScaleFP32 ScaleDType = iota
	ScaleFP16
	ScaleBF16
)

func ParseScaleDType(s string) (ScaleDType, error) {
	switch strings.ToLower(s) {
	case "fp32", "float32", "":
		return ScaleFP32, nil
	case "fp16", "float16":
		return ScaleFP16, nil
	case "bf16", "bfloat16":
		return ScaleBF16, nil
	default:
		return 0, fmt.Errorf("unsupported scale dtype: %q", s)
	}
}

// Sampler selects how calibration mini-batches are drawn per iteration.
type Sampler int

const (
	SamplerRandom     Sampler = iota // new random permutation every iteration
	SamplerSequential                // one draw, reused for all iterations
)

func ParseSampler(s string) (Sampler, error) {
	switch strings.ToLower(s) {
	case "random", "rand", "":
		return SamplerRandom, nil
	case "sequential", "seq":
		return SamplerSequential, nil
	default:
		return 0, fmt.Errorf("unsupported sampler: %q", s)
	}
}

// Schedule is the learning-rate decay shape applied across iterations.
type Schedule int

const (
	ScheduleLinear Schedule = iota // 1.0 -> 0.0 across the iteration budget
	ScheduleCosine                 // cosine annealing to zero
)

func ParseSchedule(s string) (Schedule, error) {
	switch strings.ToLower(s) {
	case "linear", "":
		return ScheduleLinear, nil
	case "cosine", "cos":
		return ScheduleCosine, nil
	default:
		return 0, fmt.Errorf("unsupported lr schedule: %q", s)
	}
}

// LayerOverride carries per-layer quantization settings. Pointer fields
// that are nil inherit the global value at merge time.
type LayerOverride struct {
	Bits      *int
	GroupSize *int
	Symmetric *bool
}

// Config is the immutable run configuration. It is built once at startup,
// validated, and threaded through every component; nothing reads ambient
// process state after this point.
type Config struct {
	Bits      int
	GroupSize int // -1 = per output channel, >=1 = grouped along input dim
	Symmetric bool
	ScaleDT   ScaleDType

	BatchSize       int
	Iters           int
	LR              float32 // rounding-offset learning rate; 0 = 1/Iters
	MinMaxLR        float32 // clip-scale learning rate; 0 = LR
	SeqLen          int
	NSamples        int
	Sampler         Sampler
	GradAccumSteps  int
	TrackBest       bool // keep the best-loss snapshot instead of the last iterate
	DynamicMaxGap   int  // >0 enables early stop after this many non-improving iters
	EnableMinMax    bool // tune clip scales in addition to the rounding offset
	UseQuantInput   bool // propagate quantized block outputs to the next block
	LossScaleFactor float32

	Policy   Policy
	Schedule Schedule

	Device    string
	AMP       bool // compute the tuning loss in the reduced dtype
	LowMemory bool // keep calibration tensors and block outputs off-device

	NBlocks   int // structural blocks fused per optimization group
	MaxBlocks int // upper bound on blocks processed this run; 0 = no bound

	CheckpointDir string // non-empty enables per-block progress persistence

	Seed int64

	// EnableEqualization folds function-preserving per-channel range
	// equalization into each block's entry layers before tuning.
	EnableEqualization bool

	UnquantizedLayers []string
	LayerOverrides    map[string]LayerOverride
}

func (c *Config) Validate() error {
	if c.Bits != 16 && (c.Bits < 2 || c.Bits > 8) {
		return fmt.Errorf("invalid bits: %d (supported: 2..8, or 16 for passthrough)", c.Bits)
	}
	if c.GroupSize != -1 && c.GroupSize < 1 {
		return fmt.Errorf("invalid group_size: %d (must be -1 or >= 1)", c.GroupSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.BatchSize)
	}
	if c.Iters <= 0 {
		return fmt.Errorf("invalid iters: %d (must be positive)", c.Iters)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.NSamples <= 0 {
		return fmt.Errorf("invalid n_samples: %d (must be positive)", c.NSamples)
	}
	if c.GradAccumSteps <= 0 {
		return fmt.Errorf("invalid gradient_accumulate_steps: %d (must be positive)", c.GradAccumSteps)
	}
	if c.NBlocks <= 0 {
		return fmt.Errorf("invalid n_blocks: %d (must be positive)", c.NBlocks)
	}
	if c.MaxBlocks < 0 {
		return fmt.Errorf("invalid max_blocks: %d (must be non-negative)", c.MaxBlocks)
	}
	if c.LossScaleFactor <= 0 {
		return fmt.Errorf("invalid loss_scale_factor: %f (must be positive)", c.LossScaleFactor)
	}
	if c.Policy != PolicySignRound && c.Policy != PolicyAdamRound {
		return fmt.Errorf("unsupported rounding policy: %d", int(c.Policy))
	}
	if c.Schedule != ScheduleLinear && c.Schedule != ScheduleCosine {
		return fmt.Errorf("unsupported lr schedule: %d", int(c.Schedule))
	}
	for name, ov := range c.LayerOverrides {
		if ov.Bits != nil && *ov.Bits != 16 && (*ov.Bits < 2 || *ov.Bits > 8) {
			return fmt.Errorf("layer %s: invalid bits override: %d", name, *ov.Bits)
		}
		if ov.GroupSize != nil && *ov.GroupSize != -1 && *ov.GroupSize < 1 {
			return fmt.Errorf("layer %s: invalid group_size override: %d", name, *ov.GroupSize)
		}
	}
	return nil
}

// IsUnquantized reports whether the named layer must keep its float weight.
func (c *Config) IsUnquantized(name string) bool {
	for _, n := range c.UnquantizedLayers {
		if n == name {
			return true
		}
	}
	return false
}

// EffectiveLR returns the rounding-offset learning rate, defaulting to
// 1/iters when unset.
func (c *Config) EffectiveLR() float32 {
	if c.LR > 0 {
		return c.LR
	}
	return 1.0 / float32(c.Iters)
}

// EffectiveMinMaxLR returns the clip-scale learning rate, defaulting to the
// rounding-offset rate when unset.
func (c *Config) EffectiveMinMaxLR() float32 {
	if c.MinMaxLR > 0 {
		return c.MinMaxLR
	}
	return c.EffectiveLR()
}

func Default() Config {
	return Config{
		Bits:      4,
		GroupSize: 128,
		Symmetric: false,
		ScaleDT:   ScaleFP32,

		BatchSize:       8,
		Iters:           200,
		SeqLen:          2048,
		NSamples:        512,
		Sampler:         SamplerRandom,
		GradAccumSteps:  1,
		TrackBest:       true,
		DynamicMaxGap:   -1,
		EnableMinMax:    true,
		UseQuantInput:   true,
		LossScaleFactor: 1000,

		Policy:   PolicySignRound,
		Schedule: ScheduleLinear,

		Device:    "cpu",
		AMP:       true,
		LowMemory: true,

		NBlocks: 1,

		Seed: 42,
	}
}
