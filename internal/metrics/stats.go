// Package metrics aggregates per-batch training statistics.
package metrics

import "time"

// Step is the measurement of one optimizer step.
type Step struct {
	BatchSize int
	Data      time.Duration
	Compute   time.Duration
	Loss      float64
	// Correct counts arg-max predictions that matched the label.
	Correct int
}

// Window accumulates timing and loss stats across multiple steps.
type Window struct {
	samples  int
	correct  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lossSum  float64
	lastLoss float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(s Step) {
	w.samples += s.BatchSize
	w.correct += s.Correct
	w.data += s.Data
	w.compute += s.Compute
	w.steps++
	w.lossSum += s.Loss
	w.lastLoss = s.Loss
}

// Steps returns the number of steps recorded since the last snapshot.
func (w *Window) Steps() int { return w.steps }

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.MeanLoss = w.lossSum / float64(w.steps)
	}
	if w.samples > 0 {
		snap.Accuracy = float64(w.correct) / float64(w.samples)
	}
	snap.LastLoss = w.lastLoss

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps        int
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	LastLoss     float64
	MeanLoss     float64
	Accuracy     float64
}

// Tally accumulates sample-weighted loss and accuracy over a full pass.
type Tally struct {
	samples int
	correct int
	lossSum float64
}

// Add records a batch of n samples with mean loss and correct predictions.
func (t *Tally) Add(n int, loss float64, correct int) {
	t.samples += n
	t.correct += correct
	t.lossSum += loss * float64(n)
}

// Samples returns the number of samples seen.
func (t *Tally) Samples() int { return t.samples }

// Loss returns the mean per-sample loss.
func (t *Tally) Loss() float64 {
	if t.samples == 0 {
		return 0
	}
	return t.lossSum / float64(t.samples)
}

// Accuracy returns the fraction of correct predictions.
func (t *Tally) Accuracy() float64 {
	if t.samples == 0 {
		return 0
	}
	return float64(t.correct) / float64(t.samples)
}
