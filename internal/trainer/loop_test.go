package trainer

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/janpfeifer/must"

	"netforge/internal/config"
	"netforge/internal/loss"
	"netforge/internal/model"
	"netforge/internal/summary"
	"netforge/internal/tensor"
)

// countingLayer passes activations through and counts forward calls.
type countingLayer struct{ calls *int }

func (countingLayer) Name() string { return "count" }
func (countingLayer) Build(in []int, _ *rand.Rand) ([]int, error) {
	return append([]int(nil), in...), nil
}
func (c countingLayer) Forward(x *tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	*c.calls++
	return x, nil
}
func (countingLayer) Backward(g *tensor.Tensor) (*tensor.Tensor, error) { return g, nil }
func (countingLayer) Params() []*model.Param { return nil }

func tinyArchitecture(calls *int) model.Architecture {
	return model.ArchitectureFunc(func(in []int) (*model.Network, error) {
		return model.NewNetwork("tiny", in, 1,
			countingLayer{calls: calls},
			model.NewConv2D("conv", model.Conv2DConfig{Channels: 4, Kernel: 3, Stride: 1, Pad: 1, PadType: model.PadReflect, L2: model.KernelL2, SpectralNorm: true}),
			model.NewBatchNorm("ins_norm"),
			model.NewReLU("relu"),
			model.NewGlobalAvgPool("gap"),
			model.NewDense("fc", 2, true, model.KernelL2),
		)
	})
}

func writeImage(t *testing.T, path string, shade uint8) {
	t.Helper()
	must.M(os.MkdirAll(filepath.Dir(path), 0o755))
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: uint8(x * 20), B: uint8(y * 20), A: 255})
		}
	}
	f := must.M1(os.Create(path))
	defer f.Close()
	if strings.HasSuffix(path, ".jpg") {
		must.M(jpeg.Encode(f, img, nil))
		return
	}
	must.M(png.Encode(f, img))
}

// testConfig lays out a two class dataset under a temp root.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := *config.Defaults()
	cfg.DatasetRoot = filepath.Join(root, "dataset")
	cfg.Dataset = "toy"
	cfg.CheckpointDir = filepath.Join(root, "checkpoint")
	cfg.ResultDir = filepath.Join(root, "results")
	cfg.LogDir = filepath.Join(root, "logs")
	cfg.SampleDir = filepath.Join(root, "samples")
	cfg.ImgHeight, cfg.ImgWidth, cfg.ImgCh = 8, 8, 3
	cfg.BatchSize = 2
	cfg.NumWorkers = 2
	cfg.NumClasses = 2
	cfg.LR = 0.01
	cfg.LogEvery = 2

	for i, class := range []string{"cat", "dog"} {
		for j := 0; j < 3; j++ {
			writeImage(t, filepath.Join(cfg.DatasetPath(), class, string(rune('a'+j))+".png"), uint8(40+100*i+10*j))
		}
	}
	return cfg
}

func progressLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "iter: [") {
			lines = append(lines, line)
		}
	}
	return lines
}

func listCheckpoints(t *testing.T, dir string) []string {
	t.Helper()
	matches := must.M1(filepath.Glob(filepath.Join(dir, "ckpt-*")))
	for i, m := range matches {
		matches[i] = filepath.Base(m)
	}
	return matches
}

func TestTrainSavesPeriodicAndFinalCheckpoints(t *testing.T) {
	cfg := testConfig(t)
	cfg.Iteration = 5
	cfg.SaveFreq = 2

	var calls int
	var saved []int64
	out := &bytes.Buffer{}
	var tr *Trainer
	tr = must.M1(New(cfg, Options{
		Architecture: tinyArchitecture(&calls),
		Loss:         loss.SoftmaxCrossEntropy{},
		Out:          out,
		OnSave: func(step int64, path string) {
			saved = append(saved, step)
			if _, err := os.Stat(path); err != nil {
				t.Errorf("checkpoint %s missing: %v", path, err)
			}
			if kept := listCheckpoints(t, tr.Dirs().Checkpoint); len(kept) > 2 {
				t.Errorf("after step %d retained %v", step, kept)
			}
		},
	}))
	if !strings.Contains(out.String(), "Total network parameters : ") {
		t.Fatalf("summary not printed:\n%s", out.String())
	}

	if err := tr.Train(context.Background()); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if tr.StartStep() != 0 {
		t.Fatalf("fresh run started at %d", tr.StartStep())
	}
	if tr.State() != StateTerminated {
		t.Fatalf("state=%s", tr.State())
	}
	if want := []int64{2, 4, 5}; len(saved) != len(want) || saved[0] != 2 || saved[1] != 4 || saved[2] != 5 {
		t.Fatalf("saved at %v want %v", saved, want)
	}
	if got := strings.Join(listCheckpoints(t, tr.Dirs().Checkpoint), ","); got != "ckpt-4,ckpt-5" {
		t.Fatalf("retained %s", got)
	}
	if calls != 5 {
		t.Fatalf("expected 5 forward passes, got %d", calls)
	}

	lines := progressLines(out.String())
	if len(lines) != 5 {
		t.Fatalf("expected 5 progress lines, got %d:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "iter: [     0/     5] time: ") {
		t.Fatalf("unexpected progress line %q", lines[0])
	}
}

func TestTrainLogsRunningMean(t *testing.T) {
	cfg := testConfig(t)
	cfg.Iteration = 4
	cfg.SaveFreq = 10

	var calls int
	tr := must.M1(New(cfg, Options{Architecture: tinyArchitecture(&calls), Out: &bytes.Buffer{}}))
	must.M(tr.Train(context.Background()))

	files := must.M1(filepath.Glob(filepath.Join(tr.Dirs().Log, "events.out.tfevents.*")))
	if len(files) != 1 {
		t.Fatalf("expected one event file, got %v", files)
	}
	events := must.M1(summary.ReadScalars(files[0]))

	var losses []float64
	sum := 0.0
	for _, ev := range events {
		switch ev.Tag {
		case "loss":
			if int(ev.Step) != len(losses) {
				t.Fatalf("loss step %d out of order", ev.Step)
			}
			losses = append(losses, float64(ev.Value))
			sum += float64(ev.Value)
		case "loss_mean":
			want := sum / float64(len(losses))
			if math.Abs(float64(ev.Value)-want) > 1e-5*math.Max(1, math.Abs(want)) {
				t.Fatalf("loss_mean at step %d = %g want %g", ev.Step, ev.Value, want)
			}
		}
	}
	if len(losses) != 4 {
		t.Fatalf("expected 4 loss scalars, got %d", len(losses))
	}
	// placeholder loss leaves only the positive weight penalty
	for _, l := range losses {
		if l <= 0 {
			t.Fatalf("expected positive regularization loss, got %v", losses)
		}
	}
}

func TestTrainResumesFromLatestCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Iteration = 3
	cfg.SaveFreq = 2

	var calls int
	first := must.M1(New(cfg, Options{Architecture: tinyArchitecture(&calls), Out: &bytes.Buffer{}}))
	must.M(first.Train(context.Background()))
	weights := append([]float64(nil), first.Network().Variables()[0].Value.Data...)

	cfg.Iteration = 6
	calls = 0
	out := &bytes.Buffer{}
	var saved []int64
	second := must.M1(New(cfg, Options{
		Architecture: tinyArchitecture(&calls),
		Out:          out,
		OnSave:       func(step int64, _ string) { saved = append(saved, step) },
	}))
	if err := second.Train(context.Background()); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if second.StartStep() != 3 {
		t.Fatalf("resumed at %d, want 3", second.StartStep())
	}
	lines := progressLines(out.String())
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "iter: [     3/     6]") {
		t.Fatalf("unexpected progress:\n%s", out.String())
	}
	if calls != 3 {
		t.Fatalf("expected 3 forward passes, got %d", calls)
	}
	if len(saved) != 2 || saved[0] != 4 || saved[1] != 6 {
		t.Fatalf("saved at %v", saved)
	}
	if second.Network().Variables()[0].Value.Data[0] == weights[0] {
		t.Fatal("resumed run did not keep training")
	}

	// nothing left to run: only the final checkpoint is rewritten
	calls = 0
	third := must.M1(New(cfg, Options{Architecture: tinyArchitecture(&calls), Out: &bytes.Buffer{}}))
	must.M(third.Train(context.Background()))
	if third.StartStep() != 6 || calls != 0 {
		t.Fatalf("start=%d calls=%d", third.StartStep(), calls)
	}
	if got := strings.Join(listCheckpoints(t, third.Dirs().Checkpoint), ","); got != "ckpt-4,ckpt-6" {
		t.Fatalf("retained %s", got)
	}
}

func TestTrainRejectsMislabelledCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Iteration = 3
	cfg.SaveFreq = 2

	var calls int
	first := must.M1(New(cfg, Options{Architecture: tinyArchitecture(&calls), Out: &bytes.Buffer{}}))
	must.M(first.Train(context.Background()))

	dir := first.Dirs().Checkpoint
	older := must.M1(os.ReadFile(filepath.Join(dir, "ckpt-2")))
	must.M(os.WriteFile(filepath.Join(dir, "ckpt-3"), older, 0o644))

	cfg.Iteration = 6
	second := must.M1(New(cfg, Options{Architecture: tinyArchitecture(&calls), Out: &bytes.Buffer{}}))
	err := second.Train(context.Background())
	if err == nil || !strings.Contains(err.Error(), "tagged step 3 but holds step 2") {
		t.Fatalf("expected step mismatch error, got %v", err)
	}
}

func TestTestRunsOnePassPerImage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Phase = config.PhaseTest
	for _, name := range []string{"b.jpg", "a.jpg", "c.jpg", "z.png", "y.png"} {
		writeImage(t, filepath.Join(cfg.TestImageDir(), name), 90)
	}
	writeImage(t, filepath.Join(cfg.TestImageDir(), "ignored.gif"), 90)

	var calls int
	tr := must.M1(New(cfg, Options{Architecture: tinyArchitecture(&calls), Out: &bytes.Buffer{}}))
	n, err := tr.Test(context.Background())
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if n != 5 || calls != 5 {
		t.Fatalf("processed %d images with %d forward passes, want 5", n, calls)
	}

	raw := must.M1(os.ReadFile(filepath.Join(tr.Dirs().Result, PredictionsFile)))
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var names []string
	for _, line := range lines {
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			t.Fatalf("malformed prediction %q", line)
		}
		if fields[1] != "0" && fields[1] != "1" {
			t.Fatalf("class out of range in %q", line)
		}
		names = append(names, fields[0])
	}
	if got := strings.Join(names, ","); got != "a.jpg,b.jpg,c.jpg,y.png,z.png" {
		t.Fatalf("unexpected order %s", got)
	}
}

func TestTestUsesTrainedWeights(t *testing.T) {
	cfg := testConfig(t)
	cfg.Iteration = 2
	cfg.SaveFreq = 2
	writeImage(t, filepath.Join(cfg.TestImageDir(), "only.png"), 10)

	var calls int
	trained := must.M1(New(cfg, Options{Architecture: tinyArchitecture(&calls), Out: &bytes.Buffer{}}))
	must.M(trained.Train(context.Background()))

	cfg.Phase = config.PhaseTest
	tester := must.M1(New(cfg, Options{Architecture: tinyArchitecture(&calls), Out: &bytes.Buffer{}}))
	must.M1(tester.Test(context.Background()))
	for i, p := range trained.Network().Variables() {
		got := tester.Network().Variables()[i].Value.Data
		for j := range p.Value.Data {
			if got[j] != p.Value.Data[j] {
				t.Fatalf("variable %s not restored for inference", p.Name)
			}
		}
	}
}
