package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"netforge/internal/config"
	"netforge/internal/loss"
	"netforge/internal/trainer"
)

func main() {
	klog.InitFlags(nil)
	cfgPath := flag.String("config", "configs/default.yaml", "Path to YAML config")
	phase := flag.String("phase", "", "train or test")
	datasetRoot := flag.String("dataset-root", "", "Directory holding datasets")
	datasetName := flag.String("dataset", "", "Dataset name under dataset-root")
	checkpointDir := flag.String("checkpoint-dir", "", "Directory to save checkpoints")
	resultDir := flag.String("result-dir", "", "Directory to save test results")
	logDir := flag.String("log-dir", "", "Directory to save event logs")
	sampleDir := flag.String("sample-dir", "", "Directory to save samples")
	saveFreq := flag.Int("save-freq", 0, "Checkpoint every N iterations")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	iteration := flag.Int("iteration", 0, "Total training iterations")
	imgHeight := flag.Int("img-height", 0, "Input image height")
	imgWidth := flag.Int("img-width", 0, "Input image width")
	imgCh := flag.Int("img-ch", 0, "Input image channels (1 or 3)")
	lr := flag.Float64("lr", 0, "Learning rate")
	numWorkers := flag.Int("num-workers", 0, "Number of data loader workers (0 = one per logical core)")
	seed := flag.Int64("seed", 0, "PRNG seed")
	logEvery := flag.Int("log-every", 0, "Log throughput every N steps")
	lossName := flag.String("loss", "placeholder", "Training objective: placeholder or xent")
	detail := flag.Bool("detail-summary", false, "List every variable in the network summary")
	var augment *bool
	flag.Func("augment", "Enable random crop/flip augmentation (true|false)", func(s string) error {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		augment = &v
		return nil
	})
	flag.Parse()
	defer klog.Flush()

	if err := run(*cfgPath, config.Overrides{
		Phase:         *phase,
		DatasetRoot:   *datasetRoot,
		Dataset:       *datasetName,
		CheckpointDir: *checkpointDir,
		ResultDir:     *resultDir,
		LogDir:        *logDir,
		SampleDir:     *sampleDir,
		SaveFreq:      *saveFreq,
		Augment:       augment,
		BatchSize:     *batchSize,
		Iteration:     *iteration,
		ImgHeight:     *imgHeight,
		ImgWidth:      *imgWidth,
		ImgCh:         *imgCh,
		LR:            *lr,
		NumWorkers:    *numWorkers,
		LogEvery:      *logEvery,
		Seed:          *seed,
	}, *lossName, *detail); err != nil {
		klog.Errorf("Error:\n%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func run(cfgPath string, overrides config.Overrides, lossName string, detail bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	cfg.ApplyOverrides(overrides)
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	var objective loss.Func
	switch lossName {
	case "placeholder":
		objective = loss.Placeholder{}
	case "xent":
		objective = loss.SoftmaxCrossEntropy{}
	default:
		return errors.Errorf("unknown loss %q", lossName)
	}

	klog.Infof("cpu=%q logical_cores=%d avx2=%t", cpuid.CPU.BrandName, cpuid.CPU.LogicalCores, cpuid.CPU.Supports(cpuid.AVX2))
	klog.Infof("phase=%s dataset=%s iteration=%d batch_size=%d save_freq=%d", cfg.Phase, cfg.Dataset, cfg.Iteration, cfg.BatchSize, cfg.SaveFreq)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := trainer.New(*cfg, trainer.Options{Loss: objective, DetailSummary: detail})
	if err != nil {
		return err
	}

	switch cfg.Phase {
	case config.PhaseTrain:
		if err := t.Train(ctx); err != nil {
			return errors.Wrap(err, "training failed")
		}
		klog.Info(" [*] Training finished!")
	case config.PhaseTest:
		n, err := t.Test(ctx)
		if err != nil {
			return errors.Wrap(err, "test failed")
		}
		klog.Infof(" [*] Test finished! images=%d", n)
	}
	return nil
}
