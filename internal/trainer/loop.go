package trainer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"netforge/internal/checkpoint"
	"netforge/internal/config"
	"netforge/internal/dataset"
	"netforge/internal/loss"
	"netforge/internal/metrics"
	"netforge/internal/model"
	"netforge/internal/optimizer"
	"netforge/internal/summary"
)

// State is the control loop phase.
type State int32

const (
	StateInitializing State = iota
	StateRestoring
	StateRunning
	StateCheckpointing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRestoring:
		return "RESTORING_CHECKPOINT"
	case StateRunning:
		return "RUNNING"
	case StateCheckpointing:
		return "CHECKPOINTING"
	case StateTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options holds the pluggable parts of a run.
type Options struct {
	// Architecture defaults to model.DefaultArchitecture.
	Architecture model.Architecture
	// Loss defaults to loss.Placeholder.
	Loss loss.Func
	// Out receives the network summary and per-step progress lines;
	// defaults to stdout.
	Out io.Writer
	// DetailSummary lists every variable in the printed summary.
	DetailSummary bool
	// OnSave, if set, is called after every checkpoint write.
	OnSave func(step int64, path string)
}

// Trainer drives one training or test run.
type Trainer struct {
	cfg  config.Config
	dirs config.Dirs
	opts Options

	net  *model.Network
	ckpt *checkpoint.Manager

	state     atomic.Int32
	startStep int
	lastSaved int64
}

// New validates cfg, creates the run directories and builds the network.
func New(cfg config.Config, opts Options) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Architecture == nil {
		opts.Architecture = model.DefaultArchitecture{Classes: cfg.NumClasses, Seed: cfg.Seed}
	}
	if opts.Loss == nil {
		opts.Loss = loss.Placeholder{}
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	dirs, err := cfg.Prepare()
	if err != nil {
		return nil, err
	}
	t := &Trainer{cfg: cfg, dirs: dirs, opts: opts}

	t.net, err = opts.Architecture.Build(cfg.InputShape())
	if err != nil {
		return nil, errors.Wrap(err, "build network")
	}
	klog.Infof("network=%s input=%v", t.net.Name(), t.net.InputShape())
	t.net.Summary(opts.Out, opts.DetailSummary)
	fmt.Fprintf(opts.Out, "Total network parameters : %s\n", model.FormatCount(t.net.ParamCount()))

	t.ckpt, err = checkpoint.NewManager(dirs.Checkpoint, cfg.MaxToKeep)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// State reports the current phase; safe to call from other goroutines.
func (t *Trainer) State() State { return State(t.state.Load()) }

func (t *Trainer) setState(s State) {
	t.state.Store(int32(s))
	klog.V(1).Infof("trainer state=%s", s)
}

// StartStep is the iteration training resumed from.
func (t *Trainer) StartStep() int { return t.startStep }

// Network is the model being trained or evaluated.
func (t *Trainer) Network() *model.Network { return t.net }

// Dirs are the namespaced output directories of the run.
func (t *Trainer) Dirs() config.Dirs { return t.dirs }

// Train runs iterations [restored step, cfg.Iteration), saving every
// SaveFreq steps and at the final step if that one was not already saved.
func (t *Trainer) Train(ctx context.Context) error {
	t.setState(StateInitializing)
	cfg := t.cfg

	items, classes, err := dataset.DiscoverImages(cfg.DatasetPath())
	if err != nil {
		return err
	}
	klog.Infof("Dataset number : %d classes=%d", len(items), len(classes))

	opt := optimizer.NewAdam(optimizer.DefaultAdamConfig(cfg.LR))
	lossMean := metrics.NewMean("loss_mean")

	t.setState(StateRestoring)
	rec, path, err := t.ckpt.RestoreLatest()
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		t.startStep = 0
		klog.Info("Not restoring from saved checkpoint")
	case err != nil:
		return err
	default:
		fileStep, err := checkpoint.StepFromPath(path)
		if err != nil {
			return err
		}
		if fileStep != rec.Step {
			return errors.Errorf("restore %s: file is tagged step %d but holds step %d", path, fileStep, rec.Step)
		}
		if err := checkpoint.Apply(rec, t.net, opt); err != nil {
			return errors.Wrapf(err, "restore %s", path)
		}
		t.startStep = int(rec.Step)
		klog.Infof("Latest checkpoint restored from %s, start iteration : %d", path, t.startStep)
	}

	writer, err := summary.NewWriter(t.dirs.Log)
	if err != nil {
		return err
	}
	defer writer.Close()

	if t.startStep < cfg.Iteration {
		pipe, err := dataset.StartPipeline(ctx, dataset.PipelineOptions{
			Items:      items,
			Shape:      dataset.Shape{Height: cfg.ImgHeight, Width: cfg.ImgWidth, Channels: cfg.ImgCh},
			BatchSize:  cfg.BatchSize,
			NumWorkers: cfg.NumWorkers,
			Prefetch:   cfg.Prefetch,
			Augment:    cfg.AugmentFlag,
			Seed:       cfg.Seed + int64(t.startStep),
		})
		if err != nil {
			return err
		}
		defer pipe.Close()

		if err := t.run(ctx, pipe, opt, lossMean, writer); err != nil {
			return err
		}
	}

	if t.lastSaved != int64(cfg.Iteration) {
		if err := t.save(opt, int64(cfg.Iteration)); err != nil {
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	t.setState(StateTerminated)
	return nil
}

func (t *Trainer) run(ctx context.Context, pipe *dataset.Pipeline, opt optimizer.Optimizer, lossMean *metrics.Mean, writer *summary.Writer) error {
	cfg := t.cfg
	start := time.Now()
	var window metrics.Window

	for idx := t.startStep; idx < cfg.Iteration; idx++ {
		t.setState(StateRunning)
		startWait := time.Now()
		batch, err := pipe.Next(ctx)
		if err != nil {
			return errors.Wrapf(err, "iteration %d", idx)
		}
		wait := time.Since(startWait)

		startCompute := time.Now()
		stepLoss, err := t.trainStep(batch, opt)
		if err != nil {
			return errors.Wrapf(err, "iteration %d", idx)
		}
		compute := time.Since(startCompute)
		lossMean.Update(stepLoss)

		if err := writer.Scalar("loss", stepLoss, int64(idx)); err != nil {
			return err
		}
		if err := writer.Scalar(lossMean.Name(), lossMean.Result(), int64(idx)); err != nil {
			return err
		}

		if (idx+1)%cfg.SaveFreq == 0 {
			if err := t.save(opt, int64(idx+1)); err != nil {
				return err
			}
		}

		fmt.Fprintf(t.opts.Out, "iter: [%6d/%6d] time: %4.4f loss: %.8f\n",
			idx, cfg.Iteration, time.Since(start).Seconds(), stepLoss)

		window.Record(len(batch.Labels), wait, compute, stepLoss)
		if (idx+1)%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			klog.Infof("step=%d images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f loss_mean=%.4f",
				idx+1,
				snap.ImagesPerSec,
				snap.AvgWaitMS,
				snap.AvgComputeMS,
				snap.LastLoss,
				lossMean.Result(),
			)
		}
	}
	return nil
}

// trainStep computes the loss, its gradients and applies exactly one
// optimizer update to every trainable param.
func (t *Trainer) trainStep(batch model.Batch, opt optimizer.Optimizer) (float64, error) {
	logits, err := t.net.Forward(batch.Images, true)
	if err != nil {
		return 0, err
	}
	primary, grad, err := t.opts.Loss.Loss(logits, batch.Labels)
	if err != nil {
		return 0, err
	}
	total := primary + t.net.RegularizationLoss()

	if err := t.net.Backward(grad); err != nil {
		return 0, err
	}
	t.net.AddRegularizationGrads()
	if err := opt.Apply(t.net.TrainableParams()); err != nil {
		return 0, err
	}
	return total, nil
}

func (t *Trainer) save(opt optimizer.Optimizer, step int64) error {
	t.setState(StateCheckpointing)
	path, err := t.ckpt.Save(checkpoint.Capture(t.net, opt, step))
	if err != nil {
		return err
	}
	t.lastSaved = step
	klog.V(1).Infof("saved checkpoint %s", path)
	if t.opts.OnSave != nil {
		t.opts.OnSave(step, path)
	}
	return nil
}
