package trainer

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"digitnet/internal/backend"
	_ "digitnet/internal/backend/cpu"
	"digitnet/internal/checkpoint"
	"digitnet/internal/dataset"
	"digitnet/internal/model"
	"digitnet/internal/tensor"
)

func newBackend(t *testing.T, seed int64) backend.Backend {
	t.Helper()
	b, err := backend.New(tensor.CPU, backend.Options{Seed: seed})
	require.NoError(t, err)
	return b
}

// halves builds items lit on the left half (label 0) or right half (label 1).
func halves(n int) *dataset.InMemory {
	items := make([]dataset.Item, n)
	for i := range items {
		label := i % 2
		items[i].Label = label
		for y := 0; y < dataset.ImageSize; y++ {
			for x := 0; x < dataset.ImageSize; x++ {
				left := x < dataset.ImageSize/2
				if left == (label == 0) {
					items[i].Pixels[y*dataset.ImageSize+x] = byte(200 + (i*7+x+y)%50)
				}
			}
		}
	}
	return dataset.NewInMemory(items)
}

func tinyConfig(t *testing.T) RunConfig {
	t.Helper()
	mc, err := model.NewConfig(2, 16)
	require.NoError(t, err)
	mc, err = mc.WithDropout(0)
	require.NoError(t, err)
	tc := NewTrainingConfig(mc)
	tc.NumEpochs = 20
	tc.BatchSize = 4
	tc.NumWorkers = 2
	tc.LearningRate = 5e-3
	return RunConfig{TrainingConfig: tc, LogEvery: 5}
}

func TestCrossEntropyUniformLogits(t *testing.T) {
	b := newBackend(t, 1)
	logits, err := b.Zeros(2, 4)
	require.NoError(t, err)
	out, err := CrossEntropy(b, logits, []int{1, 3})
	require.NoError(t, err)
	require.InDelta(t, math.Log(4), out.Loss, 1e-12)
	require.Equal(t, []int{2, 4}, out.Grad.Shape())
	require.InDeltaSlice(t, []float64{
		0.125, -0.375, 0.125, 0.125,
		0.125, 0.125, 0.125, -0.375,
	}, out.Grad.Data(), 1e-12)
}

func TestCrossEntropyMatchesFiniteDifferences(t *testing.T) {
	b := newBackend(t, 1)
	data := []float64{0.3, -1.2, 2.0, 0.5, 0.1, -0.4}
	labels := []int{2, 0}
	logits, err := b.FromData(data, 2, 3)
	require.NoError(t, err)
	out, err := CrossEntropy(b, logits, labels)
	require.NoError(t, err)
	require.Equal(t, 1, out.Correct)

	const h = 1e-6
	for i := range data {
		plus := append([]float64(nil), data...)
		minus := append([]float64(nil), data...)
		plus[i] += h
		minus[i] -= h
		lp, err := b.FromData(plus, 2, 3)
		require.NoError(t, err)
		lm, err := b.FromData(minus, 2, 3)
		require.NoError(t, err)
		op, err := CrossEntropy(b, lp, labels)
		require.NoError(t, err)
		om, err := CrossEntropy(b, lm, labels)
		require.NoError(t, err)
		require.InDelta(t, (op.Loss-om.Loss)/(2*h), out.Grad.Data()[i], 1e-6, "logit %d", i)
	}
}

func TestCrossEntropyLargeLogitsStayFinite(t *testing.T) {
	b := newBackend(t, 1)
	logits, err := b.FromData([]float64{1000, -1000}, 1, 2)
	require.NoError(t, err)
	out, err := CrossEntropy(b, logits, []int{1})
	require.NoError(t, err)
	require.InDelta(t, 2000, out.Loss, 1e-9)
	require.False(t, math.IsNaN(out.Grad.Data()[0]))
}

func TestCrossEntropyErrors(t *testing.T) {
	b := newBackend(t, 1)
	logits, err := b.Zeros(2, 3)
	require.NoError(t, err)
	_, err = CrossEntropy(b, logits, []int{0})
	require.Error(t, err)
	_, err = CrossEntropy(b, logits, []int{0, 3})
	require.ErrorContains(t, err, "out of range")
	flat, err := b.Zeros(6)
	require.NoError(t, err)
	_, err = CrossEntropy(b, flat, []int{0})
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestRunLearnsSeparableDigits(t *testing.T) {
	data := halves(16)
	cfg := tinyConfig(t)
	cfg.ArtifactDir = t.TempDir()

	res, err := Run(context.Background(), newBackend(t, 3), data, data, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, res.RunID)
	require.Len(t, res.Epochs, cfg.NumEpochs)
	first, last := res.Epochs[0], res.Epochs[len(res.Epochs)-1]
	require.Less(t, last.ValidLoss, first.ValidLoss)
	require.Less(t, last.TrainLoss, first.TrainLoss)

	saved, err := LoadConfig(cfg.ArtifactDir)
	require.NoError(t, err)
	require.Equal(t, cfg.Model, saved.Model)
	require.Equal(t, res.RunID, saved.RunID)
	require.Equal(t, cfg.LearningRate, saved.LearningRate)

	state, meta, err := checkpoint.Load(filepath.Join(cfg.ArtifactDir, checkpoint.FileName))
	require.NoError(t, err)
	require.Equal(t, res.RunID, meta["run_id"])
	fresh, err := saved.Model.Init(newBackend(t, 99))
	require.NoError(t, err)
	require.NoError(t, fresh.LoadStateDict(state))
}

func TestRunDeterministic(t *testing.T) {
	data := halves(8)
	cfg := tinyConfig(t)
	cfg.NumEpochs = 2
	cfg.RunID = "fixed"

	a, err := Run(context.Background(), newBackend(t, 5), data, nil, cfg)
	require.NoError(t, err)
	b, err := Run(context.Background(), newBackend(t, 5), data, nil, cfg)
	require.NoError(t, err)
	for _, p := range a.Model.Parameters() {
		require.Equal(t, p.Tensor.Data(), b.Model.StateDict()[p.Name].Data(), p.Name)
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, newBackend(t, 1), halves(8), nil, tinyConfig(t))
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.BatchSize = 0
	_, err := Run(context.Background(), newBackend(t, 1), halves(4), nil, cfg)
	require.ErrorContains(t, err, "batch_size")

	cfg = tinyConfig(t)
	cfg.LearningRate = 0
	_, err = Run(context.Background(), newBackend(t, 1), halves(4), nil, cfg)
	require.Error(t, err)

	_, err = Run(context.Background(), newBackend(t, 1), dataset.NewInMemory(nil), nil, tinyConfig(t))
	require.ErrorContains(t, err, "empty training set")
}

func TestTrainingConfigDefaults(t *testing.T) {
	tc := NewTrainingConfig(model.MustConfig(10, 512))
	require.Equal(t, 10, tc.NumEpochs)
	require.Equal(t, 64, tc.BatchSize)
	require.Equal(t, 4, tc.NumWorkers)
	require.Equal(t, int64(42), tc.Seed)
	require.Equal(t, 1e-4, tc.LearningRate)
	require.Equal(t, 1e-5, tc.Optimizer.Epsilon)
	require.NoError(t, tc.Validate())

	dir := t.TempDir()
	require.NoError(t, SaveConfig(dir, tc))
	got, err := LoadConfig(dir)
	require.NoError(t, err)
	// The optimizer's rate is stored once, as learning_rate.
	tc.Optimizer.LR = 0
	require.Equal(t, tc, got)
}
