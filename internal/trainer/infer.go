package trainer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"netforge/internal/checkpoint"
	"netforge/internal/dataset"
	"netforge/internal/loss"
)

// PredictionsFile is written under the result directory by Test.
const PredictionsFile = "predictions.tsv"

// Test restores the latest weights, if any, and runs one inference
// forward pass per test image. It returns the number of images processed.
func (t *Trainer) Test(ctx context.Context) (int, error) {
	t.setState(StateInitializing)
	cfg := t.cfg

	t.setState(StateRestoring)
	rec, path, err := t.ckpt.RestoreLatest()
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		klog.Info("Not restoring from saved checkpoint")
	case err != nil:
		return 0, err
	default:
		// optimizer slots in the snapshot are ignored
		if err := checkpoint.Apply(rec, t.net, nil); err != nil {
			return 0, errors.Wrapf(err, "restore %s", path)
		}
		klog.Infof("Latest checkpoint restored from %s", path)
	}

	files, err := dataset.DiscoverTestImages(cfg.TestImageDir())
	if err != nil {
		return 0, err
	}
	klog.Infof("test images=%d dir=%s", len(files), cfg.TestImageDir())

	out, err := os.Create(filepath.Join(t.dirs.Result, PredictionsFile))
	if err != nil {
		return 0, errors.Wrap(err, "create predictions")
	}
	defer out.Close()
	w := bufio.NewWriter(out)

	t.setState(StateRunning)
	shape := dataset.Shape{Height: cfg.ImgHeight, Width: cfg.ImgWidth, Channels: cfg.ImgCh}
	count := 0
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		x, err := dataset.LoadImage(file, shape)
		if err != nil {
			return count, err
		}
		logits, err := t.net.Forward(x, false)
		if err != nil {
			return count, errors.Wrap(err, file)
		}
		class := loss.Argmax(logits.Data)
		klog.V(1).Infof("file=%s class=%d", file, class)
		if _, err := fmt.Fprintf(w, "%s\t%d\t%s\n", filepath.Base(file), class, formatLogits(logits.Data)); err != nil {
			return count, errors.Wrap(err, "write predictions")
		}
		count++
	}
	if err := w.Flush(); err != nil {
		return count, errors.Wrap(err, "flush predictions")
	}
	if err := out.Close(); err != nil {
		return count, errors.Wrap(err, "close predictions")
	}
	t.setState(StateTerminated)
	return count, nil
}

func formatLogits(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'g', 6, 64)
	}
	return strings.Join(parts, ",")
}
