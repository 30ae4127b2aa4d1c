package model

import (
	"fmt"
	"math/rand"

	"digitnet/internal/backend"
	"digitnet/internal/tensor"
)

// Mode selects training or evaluation behaviour for one forward pass.
type Mode struct {
	training bool
	rng      *rand.Rand
}

// Eval disables dropout; forward passes are deterministic.
func Eval() Mode { return Mode{} }

// Train enables dropout with masks drawn from rng. rng is not safe for
// concurrent use, so each goroutine needs its own.
func Train(rng *rand.Rand) Mode { return Mode{training: true, rng: rng} }

// Training reports whether dropout is active.
func (m Mode) Training() bool { return m.training }

func (m Mode) String() string {
	if m.training {
		return "train"
	}
	return "eval"
}

// Forward maps images [B,H,W] to unnormalized class scores [B,numClasses].
func (m *Model) Forward(images *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	scores, _, err := m.forward(images, mode, false)
	return scores, err
}

// ForwardTrace is Forward that also keeps the intermediate activations
// Backward needs.
func (m *Model) ForwardTrace(images *tensor.Tensor, mode Mode) (*tensor.Tensor, *Trace, error) {
	return m.forward(images, mode, true)
}

// Trace holds the activations of one recorded forward pass.
type Trace struct {
	input  *tensor.Tensor // [B,1,H,W]
	mask1  *tensor.Tensor
	conv2X *tensor.Tensor
	mask2  *tensor.Tensor
	relu1X *tensor.Tensor
	convH  int
	convW  int
	flat   *tensor.Tensor // [B,1024]
	mask3  *tensor.Tensor
	relu2X *tensor.Tensor
	lin2X  *tensor.Tensor
}

// CheckInput validates an image batch against the fixed architecture.
func CheckInput(images *tensor.Tensor) error {
	if images == nil {
		return fmt.Errorf("%w: nil image batch", tensor.ErrShapeMismatch)
	}
	if images.Rank() != 3 {
		return fmt.Errorf("%w: images must be [batch, height, width], got %v", tensor.ErrShapeMismatch, images.Shape())
	}
	if images.Dim(0) < 1 {
		return fmt.Errorf("%w: empty batch", tensor.ErrShapeMismatch)
	}
	if h, w := images.Dim(1), images.Dim(2); h < MinInputSize || w < MinInputSize {
		return fmt.Errorf("%w: %dx%d images are smaller than the %dx%d minimum", tensor.ErrShapeMismatch, h, w, MinInputSize, MinInputSize)
	}
	return nil
}

func (m *Model) forward(images *tensor.Tensor, mode Mode, record bool) (*tensor.Tensor, *Trace, error) {
	if err := CheckInput(images); err != nil {
		return nil, nil, err
	}
	b := m.backend
	tr := &Trace{}
	batch := images.Dim(0)

	x, err := images.Unsqueeze(1)
	if err != nil {
		return nil, nil, err
	}
	tr.input = x

	x, err = b.Conv2D(x, m.Conv1.Weight, m.Conv1.Bias)
	if err != nil {
		return nil, nil, fmt.Errorf("conv1: %w", err)
	}
	if x, tr.mask1, err = m.Dropout.forward(b, x, mode); err != nil {
		return nil, nil, err
	}
	tr.conv2X = x

	x, err = b.Conv2D(x, m.Conv2.Weight, m.Conv2.Bias)
	if err != nil {
		return nil, nil, fmt.Errorf("conv2: %w", err)
	}
	if x, tr.mask2, err = m.Dropout.forward(b, x, mode); err != nil {
		return nil, nil, err
	}
	tr.relu1X = x
	tr.convH, tr.convW = x.Dim(2), x.Dim(3)

	if x, err = b.ReLU(x); err != nil {
		return nil, nil, err
	}
	x, err = b.AdaptiveAvgPool2D(x, m.Pool.OutH, m.Pool.OutW)
	if err != nil {
		return nil, nil, fmt.Errorf("pool: %w", err)
	}
	if x, err = x.Reshape(batch, FlatWidth); err != nil {
		return nil, nil, err
	}
	tr.flat = x

	x, err = b.Linear(x, m.Linear1.Weight, m.Linear1.Bias)
	if err != nil {
		return nil, nil, fmt.Errorf("linear1: %w", err)
	}
	if x, tr.mask3, err = m.Dropout.forward(b, x, mode); err != nil {
		return nil, nil, err
	}
	tr.relu2X = x

	if x, err = b.ReLU(x); err != nil {
		return nil, nil, err
	}
	tr.lin2X = x

	scores, err := b.Linear(x, m.Linear2.Weight, m.Linear2.Bias)
	if err != nil {
		return nil, nil, fmt.Errorf("linear2: %w", err)
	}
	if !record {
		tr = nil
	}
	return scores, tr, nil
}

// forward returns x unchanged in eval mode. In train mode it also returns
// the applied mask.
func (d Dropout) forward(b backend.Backend, x *tensor.Tensor, mode Mode) (*tensor.Tensor, *tensor.Tensor, error) {
	if !mode.training {
		return x, nil, nil
	}
	out, mask, err := b.Dropout(x, d.Prob, mode.rng)
	if err != nil {
		return nil, nil, fmt.Errorf("dropout: %w", err)
	}
	return out, mask, nil
}

func (d Dropout) backward(b backend.Backend, grad, mask *tensor.Tensor) (*tensor.Tensor, error) {
	if mask == nil {
		return grad, nil
	}
	return b.Mul(grad, mask)
}

// Gradients maps parameter names to the loss gradient for that parameter.
type Gradients map[string]*tensor.Tensor

// Backward propagates gradScores [B,numClasses] through the pass recorded in
// tr and returns the gradient of every parameter. The model is not modified.
func (m *Model) Backward(tr *Trace, gradScores *tensor.Tensor) (Gradients, error) {
	if tr == nil {
		return nil, fmt.Errorf("backward: nil trace")
	}
	b := m.backend
	grads := make(Gradients, 8)

	g, gw, gb, err := b.LinearBackward(tr.lin2X, m.Linear2.Weight, gradScores)
	if err != nil {
		return nil, fmt.Errorf("backward linear2: %w", err)
	}
	grads["linear2.weight"], grads["linear2.bias"] = gw, gb

	if g, err = b.ReLUBackward(tr.relu2X, g); err != nil {
		return nil, err
	}
	if g, err = m.Dropout.backward(b, g, tr.mask3); err != nil {
		return nil, err
	}
	g, gw, gb, err = b.LinearBackward(tr.flat, m.Linear1.Weight, g)
	if err != nil {
		return nil, fmt.Errorf("backward linear1: %w", err)
	}
	grads["linear1.weight"], grads["linear1.bias"] = gw, gb

	if g, err = g.Reshape(g.Dim(0), Conv2Channels, m.Pool.OutH, m.Pool.OutW); err != nil {
		return nil, err
	}
	if g, err = b.AdaptiveAvgPool2DBackward(g, tr.convH, tr.convW); err != nil {
		return nil, fmt.Errorf("backward pool: %w", err)
	}
	if g, err = b.ReLUBackward(tr.relu1X, g); err != nil {
		return nil, err
	}
	if g, err = m.Dropout.backward(b, g, tr.mask2); err != nil {
		return nil, err
	}
	g, gw, gb, err = b.Conv2DBackward(tr.conv2X, m.Conv2.Weight, g)
	if err != nil {
		return nil, fmt.Errorf("backward conv2: %w", err)
	}
	grads["conv2.weight"], grads["conv2.bias"] = gw, gb

	if g, err = m.Dropout.backward(b, g, tr.mask1); err != nil {
		return nil, err
	}
	_, gw, gb, err = b.Conv2DBackward(tr.input, m.Conv1.Weight, g)
	if err != nil {
		return nil, fmt.Errorf("backward conv1: %w", err)
	}
	grads["conv1.weight"], grads["conv1.bias"] = gw, gb
	return grads, nil
}
