package config

import (
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero bits", func(c *Config) { c.Bits = 0 }, "bits"},
		{"nine bits", func(c *Config) { c.Bits = 9 }, "bits"},
		{"zero group size", func(c *Config) { c.GroupSize = 0 }, "group_size"},
		{"negative group size", func(c *Config) { c.GroupSize = -2 }, "group_size"},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, "batch_size"},
		{"zero iters", func(c *Config) { c.Iters = 0 }, "iters"},
		{"zero seqlen", func(c *Config) { c.SeqLen = 0 }, "seq_len"},
		{"zero samples", func(c *Config) { c.NSamples = 0 }, "n_samples"},
		{"zero accum", func(c *Config) { c.GradAccumSteps = 0 }, "gradient_accumulate_steps"},
		{"zero nblocks", func(c *Config) { c.NBlocks = 0 }, "n_blocks"},
		{"negative max blocks", func(c *Config) { c.MaxBlocks = -1 }, "max_blocks"},
		{"zero loss scale", func(c *Config) { c.LossScaleFactor = 0 }, "loss_scale_factor"},
		{"bad policy", func(c *Config) { c.Policy = Policy(99) }, "policy"},
		{"bad schedule", func(c *Config) { c.Schedule = Schedule(99) }, "schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestPassthroughBitsAllowed(t *testing.T) {
	cfg := Default()
	cfg.Bits = 16
	if err := cfg.Validate(); err != nil {
		t.Fatalf("bits=16 passthrough should validate: %v", err)
	}
}

func TestLayerOverrideValidation(t *testing.T) {
	badBits := 1
	cfg := Default()
	cfg.LayerOverrides = map[string]LayerOverride{
		"mlp.down": {Bits: &badBits},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for bits=1 override")
	}

	goodBits := 8
	goodGroup := 32
	cfg.LayerOverrides = map[string]LayerOverride{
		"mlp.down": {Bits: &goodBits, GroupSize: &goodGroup},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid override rejected: %v", err)
	}
}

func TestEffectiveLearningRates(t *testing.T) {
	cfg := Default()
	cfg.Iters = 200
	if lr := cfg.EffectiveLR(); lr != 1.0/200 {
		t.Errorf("default lr: got %v, want %v", lr, 1.0/200.0)
	}
	if mmlr := cfg.EffectiveMinMaxLR(); mmlr != cfg.EffectiveLR() {
		t.Errorf("minmax lr should default to lr, got %v", mmlr)
	}

	cfg.LR = 0.005
	if lr := cfg.EffectiveLR(); lr != 0.005 {
		t.Errorf("explicit lr: got %v", lr)
	}
	cfg.MinMaxLR = 0.01
	if mmlr := cfg.EffectiveMinMaxLR(); mmlr != 0.01 {
		t.Errorf("explicit minmax lr: got %v", mmlr)
	}
}

func TestParsers(t *testing.T) {
	t.Run("policy", func(t *testing.T) {
		if p, err := ParsePolicy("signround"); err != nil || p != PolicySignRound {
			t.Errorf("signround: %v %v", p, err)
		}
		if p, err := ParsePolicy("Adam"); err != nil || p != PolicyAdamRound {
			t.Errorf("adam: %v %v", p, err)
		}
		if _, err := ParsePolicy("flexround"); err == nil {
			t.Error("flexround should be rejected")
		}
	})

	t.Run("scale dtype", func(t *testing.T) {
		for s, want := range map[string]ScaleDType{"fp32": ScaleFP32, "fp16": ScaleFP16, "bfloat16": ScaleBF16, "": ScaleFP32} {
			got, err := ParseScaleDType(s)
			if err != nil || got != want {
				t.Errorf("%q: got %v err %v", s, got, err)
			}
		}
		if _, err := ParseScaleDType("fp8"); err == nil {
			t.Error("fp8 should be rejected")
		}
	})

	t.Run("sampler", func(t *testing.T) {
		if s, err := ParseSampler("rand"); err != nil || s != SamplerRandom {
			t.Errorf("rand: %v %v", s, err)
		}
		if s, err := ParseSampler("sequential"); err != nil || s != SamplerSequential {
			t.Errorf("sequential: %v %v", s, err)
		}
		if _, err := ParseSampler("stratified"); err == nil {
			t.Error("stratified should be rejected")
		}
	})

	t.Run("schedule", func(t *testing.T) {
		if s, err := ParseSchedule("cosine"); err != nil || s != ScheduleCosine {
			t.Errorf("cosine: %v %v", s, err)
		}
		if _, err := ParseSchedule("step"); err == nil {
			t.Error("step should be rejected")
		}
	})
}
