package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/calib"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/monitoring"
	"github.com/23skdu/longbow-bodkin/internal/nn"
	"github.com/23skdu/longbow-bodkin/internal/pipeline"
)

var (
	bits       = flag.Int("bits", 4, "Quantization bit-width (2-8, or 16 for passthrough)")
	groupSize  = flag.Int("group-size", 128, "Scale group size along input features (-1 = per output channel)")
	symmetric  = flag.Bool("sym", false, "Use symmetric quantization")
	scaleDType = flag.String("scale-dtype", "fp32", "Scale storage dtype: fp32, fp16 or bf16")

	iters     = flag.Int("iters", 200, "Optimization iterations per block")
	batchSize = flag.Int("batch", 8, "Calibration batch size")
	nsamples  = flag.Int("nsamples", 512, "Calibration sample count")
	seqLen    = flag.Int("seqlen", 2048, "Calibration sequence length")
	lr        = flag.Float64("lr", 0, "Rounding-offset learning rate (0 = 1/iters)")
	minmaxLR  = flag.Float64("minmax-lr", 0, "Clip-scale learning rate (0 = same as -lr)")
	policy    = flag.String("policy", "signround", "Tuning policy: signround or adamround")
	schedule  = flag.String("schedule", "linear", "LR schedule: linear or cosine")
	sampler   = flag.String("sampler", "random", "Batch sampler: random or sequential")
	gradAccum = flag.Int("grad-accum", 1, "Gradient accumulation steps")
	gap       = flag.Int("gap", -1, "Early-stop after this many non-improving iterations (<=0 disables)")
	lastIter  = flag.Bool("last-iter", false, "Commit the final iterate instead of the best snapshot")
	noMinMax  = flag.Bool("no-minmax", false, "Freeze the clip scales")
	equalize  = flag.Bool("equalize", false, "Fold range equalization into each block before tuning")
	seed      = flag.Int64("seed", 42, "Sampling seed")

	deviceName    = flag.String("device", "cpu", "Compute device")
	lowMemory     = flag.Bool("low-memory", true, "Park calibration tensors between blocks")
	nBlocks       = flag.Int("nblocks", 1, "Structural blocks fused per optimization group")
	maxBlocks     = flag.Int("max-blocks", 0, "Upper bound on block positions this run (0 = all)")
	checkpointDir = flag.String("checkpoint-dir", "", "Directory for the per-block progress marker")
	unquantized   = flag.String("unquantized", "", "Comma-separated layer names kept in float")

	calibFile  = flag.String("calib-file", "", "Arrow IPC stream file of calibration token ids")
	flightAddr = flag.String("flight-addr", "", "Arrow Flight server for calibration data")
	flightPath = flag.String("flight-path", "calibration", "Flight dataset path")

	modelBlocks = flag.Int("model-blocks", 2, "Synthetic model: number of blocks")
	modelDim    = flag.Int("model-dim", 64, "Synthetic model: hidden dimension")
	modelHidden = flag.Int("model-hidden", 128, "Synthetic model: feed-forward dimension")
	modelVocab  = flag.Int("model-vocab", 1024, "Synthetic model: vocabulary size")

	monitorAddr = flag.String("monitor", ":9090", "Address for health and Prometheus metrics")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	cfg := config.Default()
	cfg.Bits = *bits
	cfg.GroupSize = *groupSize
	cfg.Symmetric = *symmetric
	cfg.BatchSize = *batchSize
	cfg.Iters = *iters
	cfg.LR = float32(*lr)
	cfg.MinMaxLR = float32(*minmaxLR)
	cfg.SeqLen = *seqLen
	cfg.NSamples = *nsamples
	cfg.GradAccumSteps = *gradAccum
	cfg.TrackBest = !*lastIter
	cfg.DynamicMaxGap = *gap
	cfg.EnableMinMax = !*noMinMax
	cfg.EnableEqualization = *equalize
	cfg.Device = *deviceName
	cfg.LowMemory = *lowMemory
	cfg.NBlocks = *nBlocks
	cfg.MaxBlocks = *maxBlocks
	cfg.CheckpointDir = *checkpointDir
	cfg.Seed = *seed
	if *unquantized != "" {
		cfg.UnquantizedLayers = strings.Split(*unquantized, ",")
	}

	var err error
	if cfg.ScaleDT, err = config.ParseScaleDType(*scaleDType); err != nil {
		logger.Log.Fatal("bad flag", "error", err)
	}
	if cfg.Policy, err = config.ParsePolicy(*policy); err != nil {
		logger.Log.Fatal("bad flag", "error", err)
	}
	if cfg.Schedule, err = config.ParseSchedule(*schedule); err != nil {
		logger.Log.Fatal("bad flag", "error", err)
	}
	if cfg.Sampler, err = config.ParseSampler(*sampler); err != nil {
		logger.Log.Fatal("bad flag", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal("invalid configuration", "error", err)
	}

	monitor := monitoring.NewMonitor()
	go func() {
		if err := monitor.Start(*monitorAddr); err != nil {
			logger.Log.Warn("monitor server stopped", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Log.Warn("signal received, stopping after current iteration", "signal", sig.String())
		cancel()
	}()

	src, closeSrc, err := buildSource(&cfg)
	if err != nil {
		logger.Log.Fatal("calibration source", "error", err)
	}
	defer closeSrc()

	rng := rand.New(rand.NewSource(cfg.Seed))
	model := buildModel(rng)

	start := time.Now()
	buf, err := calib.Capture(ctx, model, src, &cfg)
	if err != nil {
		monitor.Fail()
		logger.Log.Fatal("calibration capture failed", "error", err)
	}

	res, err := pipeline.RunWithObserver(ctx, model, buf, &cfg, monitor)
	if err != nil {
		monitor.Fail()
		logger.Log.Fatal("pipeline failed", "error", err)
	}

	for _, b := range res.Blocks {
		logger.Log.Info("block summary", "block", b.Name,
			"init_loss", b.Stats.InitLoss,
			"best_loss", b.Stats.BestLoss, "best_iter", b.Stats.BestIter,
			"iters", b.Stats.Iters, "elapsed", b.Stats.Elapsed.String(),
			"wrapped", len(b.Wrapped), "skipped", len(b.Skipped))
	}
	logger.Log.Info("done", "committed_blocks", res.Marker, "elapsed", time.Since(start).String())
}


// buildSource picks the calibration source: a Flight server, an IPC file,
// or synthetic sequences for smoke runs.
func buildSource(cfg *config.Config) (calib.Source, func(), error) {
	switch {
	case *flightAddr != "":
		src, err := calib.DialFlight(*flightAddr, *flightPath)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { src.Close() }, nil
	case *calibFile != "":
		src, err := calib.OpenIPCFile(*calibFile)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { src.Close() }, nil
	default:
		logger.Log.Warn("no calibration source given, using synthetic token ids")
		rng := rand.New(rand.NewSource(cfg.Seed + 1))
		seqs := make([][]int32, cfg.NSamples)
		for i := range seqs {
			seqs[i] = make([]int32, cfg.SeqLen)
			for j := range seqs[i] {
				seqs[i][j] = int32(rng.Intn(*modelVocab))
			}
		}
		return calib.NewSliceSource(seqs, cfg.BatchSize), func() {}, nil
	}
}

// buildModel constructs the synthetic feed-forward stack this tool tunes.
// Loading real checkpoint formats is the responsibility of the exporter
// toolchain around this engine.
func buildModel(rng *rand.Rand) *nn.Sequential {
	m := nn.NewSequential(nn.NewEmbeddingRand(rng, *modelVocab, *modelDim, 0.02))
	for i := 0; i < *modelBlocks; i++ {
		m.Append("block."+strconv.Itoa(i), nn.NewFFNBlock(rng, *modelDim, *modelHidden))
	}
	logger.Log.Info("model built", "blocks", *modelBlocks, "dim", *modelDim,
		"hidden", *modelHidden, "vocab", *modelVocab)
	return m
}
