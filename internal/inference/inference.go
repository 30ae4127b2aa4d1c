// Package inference classifies single digit images with a trained model.
package inference

import (
	"context"
	"fmt"
	"path/filepath"

	"digitnet/internal/backend"
	"digitnet/internal/checkpoint"
	"digitnet/internal/dataset"
	"digitnet/internal/model"
	"digitnet/internal/trainer"
)

// Prediction is the classifier's answer for one item.
type Prediction struct {
	Predicted int
	// Expected is the item's label, or -1 when unknown.
	Expected int
	Scores   []float64
}

// Correct reports whether a known label was predicted.
func (p Prediction) Correct() bool { return p.Expected >= 0 && p.Predicted == p.Expected }

// Load rebuilds the model saved in artifactDir on b.
func Load(artifactDir string, b backend.Backend) (*model.Model, error) {
	tc, err := trainer.LoadConfig(artifactDir)
	if err != nil {
		return nil, err
	}
	m, err := tc.Model.Init(b)
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	state, _, err := checkpoint.Load(filepath.Join(artifactDir, checkpoint.FileName))
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	if err := m.LoadStateDict(state); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	return m, nil
}

// Infer loads the artifacts in artifactDir and classifies item.
func Infer(ctx context.Context, artifactDir string, b backend.Backend, item dataset.Item) (Prediction, error) {
	m, err := Load(artifactDir, b)
	if err != nil {
		return Prediction{}, err
	}
	preds, err := Predict(ctx, m, []dataset.Item{item})
	if err != nil {
		return Prediction{}, err
	}
	return preds[0], nil
}

// Predict classifies items as one evaluation-mode batch.
func Predict(ctx context.Context, m *model.Model, items []dataset.Item) ([]Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, err := dataset.Batcher{Backend: m.Backend()}.Batch(items)
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	scores, err := m.Forward(batch.Images, model.Eval())
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	best, err := scores.ArgMax()
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	out := make([]Prediction, len(items))
	for i := range out {
		expected := items[i].Label
		if expected < 0 || expected >= m.Config().NumClasses() {
			expected = -1
		}
		out[i] = Prediction{
			Predicted: best[i],
			Expected:  expected,
			Scores:    append([]float64(nil), scores.Row(i)...),
		}
	}
	return out, nil
}
