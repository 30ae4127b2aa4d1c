package inference

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"digitnet/internal/backend"
	_ "digitnet/internal/backend/cpu"
	"digitnet/internal/checkpoint"
	"digitnet/internal/dataset"
	"digitnet/internal/model"
	"digitnet/internal/tensor"
	"digitnet/internal/trainer"
)

func newBackend(t *testing.T, seed int64) backend.Backend {
	t.Helper()
	b, err := backend.New(tensor.CPU, backend.Options{Seed: seed})
	require.NoError(t, err)
	return b
}

// saveArtifacts writes a freshly initialized model as if it had been trained.
func saveArtifacts(t *testing.T, dir string, dtype checkpoint.DType) *model.Model {
	t.Helper()
	mc := model.MustConfig(10, 32)
	m, err := mc.Init(newBackend(t, 11))
	require.NoError(t, err)
	tc := trainer.NewTrainingConfig(mc)
	tc.DType = dtype
	require.NoError(t, trainer.SaveConfig(dir, tc))
	require.NoError(t, checkpoint.Save(filepath.Join(dir, checkpoint.FileName), m.StateDict(), dtype, nil))
	return m
}

func sample(label int) dataset.Item {
	it := dataset.Item{Label: label}
	for i := range it.Pixels {
		it.Pixels[i] = byte((i * 31) % 256)
	}
	return it
}

func TestInferMatchesSavedModel(t *testing.T) {
	dir := t.TempDir()
	orig := saveArtifacts(t, dir, checkpoint.F64)
	item := sample(7)

	pred, err := Infer(context.Background(), dir, newBackend(t, 1), item)
	require.NoError(t, err)

	want, err := Predict(context.Background(), orig, []dataset.Item{item})
	require.NoError(t, err)
	require.Equal(t, want[0], pred)
	require.Len(t, pred.Scores, 10)
	require.Equal(t, 7, pred.Expected)
	require.Equal(t, pred.Predicted == 7, pred.Correct())
}

func TestInferIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	saveArtifacts(t, dir, checkpoint.F32)
	a, err := Infer(context.Background(), dir, newBackend(t, 1), sample(2))
	require.NoError(t, err)
	b, err := Infer(context.Background(), dir, newBackend(t, 2), sample(2))
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestPredictUnknownLabel(t *testing.T) {
	m, err := model.MustConfig(3, 8).Init(newBackend(t, 1))
	require.NoError(t, err)
	preds, err := Predict(context.Background(), m, []dataset.Item{sample(-1), sample(5)})
	require.NoError(t, err)
	require.Len(t, preds, 2)
	for _, p := range preds {
		require.Equal(t, -1, p.Expected)
		require.False(t, p.Correct())
		require.GreaterOrEqual(t, p.Predicted, 0)
		require.Less(t, p.Predicted, 3)
	}
}

func TestInferMissingArtifacts(t *testing.T) {
	dir := t.TempDir()
	_, err := Infer(context.Background(), dir, newBackend(t, 1), sample(0))
	require.Error(t, err)

	saveArtifacts(t, dir, checkpoint.F32)
	require.NoError(t, os.Remove(filepath.Join(dir, checkpoint.FileName)))
	_, err = Infer(context.Background(), dir, newBackend(t, 1), sample(0))
	require.Error(t, err)
}

func TestInferRejectsMismatchedCheckpoint(t *testing.T) {
	dir := t.TempDir()
	saveArtifacts(t, dir, checkpoint.F32)
	tc := trainer.NewTrainingConfig(model.MustConfig(10, 64))
	require.NoError(t, trainer.SaveConfig(dir, tc))
	_, err := Infer(context.Background(), dir, newBackend(t, 1), sample(0))
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestPredictCanceled(t *testing.T) {
	m, err := model.MustConfig(10, 8).Init(newBackend(t, 1))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Predict(ctx, m, []dataset.Item{sample(1)})
	require.ErrorIs(t, err, context.Canceled)
}
