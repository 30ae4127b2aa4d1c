package trainer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"digitnet/internal/backend"
	"digitnet/internal/tensor"
)

// LossOutput is the softmax cross-entropy of a batch of logits.
type LossOutput struct {
	// Loss is the mean over the batch.
	Loss float64
	// Grad is dLoss/dLogits with the same shape as the logits.
	Grad *tensor.Tensor
	// Correct counts rows whose arg-max equals the label.
	Correct int
}

// CrossEntropy computes the mean softmax cross-entropy of logits [B, C]
// against labels.
func CrossEntropy(b backend.Backend, logits *tensor.Tensor, labels []int) (LossOutput, error) {
	if logits.Rank() != 2 {
		return LossOutput{}, fmt.Errorf("cross entropy: %w: logits %v", tensor.ErrShapeMismatch, logits.Shape())
	}
	rows, classes := logits.Dim(0), logits.Dim(1)
	if len(labels) != rows {
		return LossOutput{}, fmt.Errorf("cross entropy: %d labels for %d rows", len(labels), rows)
	}

	grad := make([]float64, rows*classes)
	var out LossOutput
	for i, label := range labels {
		if label < 0 || label >= classes {
			return LossOutput{}, fmt.Errorf("cross entropy: label %d out of range [0, %d)", label, classes)
		}
		row := logits.Row(i)
		probs := grad[i*classes : (i+1)*classes]
		maxIdx := floats.MaxIdx(row)
		// Shift by the row max before exponentiating.
		shift := row[maxIdx]
		for j, v := range row {
			probs[j] = math.Exp(v - shift)
		}
		sum := floats.Sum(probs)
		out.Loss += math.Log(sum) - (row[label] - shift)
		floats.Scale(1/sum, probs)
		probs[label] -= 1
		if maxIdx == label {
			out.Correct++
		}
	}
	out.Loss /= float64(rows)
	floats.Scale(1/float64(rows), grad)

	g, err := b.FromData(grad, rows, classes)
	if err != nil {
		return LossOutput{}, fmt.Errorf("cross entropy: %w", err)
	}
	out.Grad = g
	return out, nil
}
