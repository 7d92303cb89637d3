package metrics

import "time"

// Window aggregates per-step timings between two progress log lines. The
// data time is the wait on the prefetch queue; compute time covers the
// forward pass, backward pass and optimizer update.
type Window struct {
	images   int
	steps    int
	wait     time.Duration
	compute  time.Duration
	lastLoss float64
}

// Record adds one step to the window.
func (w *Window) Record(batchSize int, wait, compute time.Duration, loss float64) {
	w.images += batchSize
	w.steps++
	w.wait += wait
	w.compute += compute
	w.lastLoss = loss
}

// Steps is the number of steps recorded since the last Snapshot.
func (w *Window) Steps() int { return w.steps }

// Snapshot returns the aggregate and starts a new window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps, LastLoss: w.lastLoss}
	if total := w.wait + w.compute; total > 0 {
		snap.ImagesPerSec = float64(w.images) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgWaitMS = float64(w.wait.Microseconds()) / 1000 / float64(w.steps)
		snap.AvgComputeMS = float64(w.compute.Microseconds()) / 1000 / float64(w.steps)
	}
	*w = Window{}
	return snap
}

// Snapshot is one window of loggable throughput figures.
type Snapshot struct {
	Steps        int
	ImagesPerSec float64
	AvgWaitMS    float64
	AvgComputeMS float64
	LastLoss     float64
}
