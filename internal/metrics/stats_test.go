package metrics

import (
	"math"
	"testing"
	"time"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(Step{BatchSize: 64, Data: 20 * time.Millisecond, Compute: 10 * time.Millisecond, Loss: 1.2, Correct: 16})
	w.Record(Step{BatchSize: 64, Data: 10 * time.Millisecond, Compute: 20 * time.Millisecond, Loss: 0.8, Correct: 48})
	snap := w.Snapshot()
	if math.Abs(snap.ImagesPerSec-2133.3333) > 1 {
		t.Fatalf("unexpected throughput %.2f", snap.ImagesPerSec)
	}
	if w.samples != 0 || w.steps != 0 || w.lossSum != 0 {
		t.Fatalf("window was not reset")
	}
	if snap.LastLoss != 0.8 {
		t.Fatalf("expected last loss 0.8, got %.2f", snap.LastLoss)
	}
	if math.Abs(snap.MeanLoss-1.0) > 1e-12 {
		t.Fatalf("expected mean loss 1.0, got %.4f", snap.MeanLoss)
	}
	if snap.Accuracy != 0.5 {
		t.Fatalf("expected accuracy 0.5, got %.4f", snap.Accuracy)
	}
	if snap.Steps != 2 || math.Abs(snap.AvgDataMS-15) > 1e-9 {
		t.Fatalf("unexpected step stats %+v", snap)
	}
}

func TestEmptyWindow(t *testing.T) {
	var w Window
	if snap := w.Snapshot(); snap != (Snapshot{}) {
		t.Fatalf("expected zero snapshot, got %+v", snap)
	}
}

func TestTallyWeightsBySamples(t *testing.T) {
	var tl Tally
	if tl.Loss() != 0 || tl.Accuracy() != 0 {
		t.Fatalf("empty tally should report zeros")
	}
	tl.Add(3, 2.0, 3)
	tl.Add(1, 6.0, 0)
	if tl.Samples() != 4 {
		t.Fatalf("expected 4 samples, got %d", tl.Samples())
	}
	if math.Abs(tl.Loss()-3.0) > 1e-12 {
		t.Fatalf("expected weighted loss 3.0, got %.4f", tl.Loss())
	}
	if tl.Accuracy() != 0.75 {
		t.Fatalf("expected accuracy 0.75, got %.4f", tl.Accuracy())
	}
}
