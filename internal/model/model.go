// Package model defines the digit classifier: its hyperparameters, layer
// graph and forward computation.
package model

import (
	"fmt"
	"math"
	"sort"

	"digitnet/internal/backend"
	"digitnet/internal/tensor"
)

// Architecture constants.
const (
	Conv1Channels = 8
	Conv2Channels = 16
	KernelSize    = 3
	PoolSize      = 8
	FlatWidth     = Conv2Channels * PoolSize * PoolSize

	// MinInputSize is the smallest height/width whose post-convolution
	// extent still covers the pooling target.
	MinInputSize = PoolSize + 2*(KernelSize-1)
)

// Batch is a minibatch of images [B,H,W] and their labels.
type Batch struct {
	Images *tensor.Tensor
	Labels []int
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	if b.Images == nil || b.Images.Rank() == 0 {
		return 0
	}
	return b.Images.Dim(0)
}

// Conv2d is a stride-1, unpadded convolution with bias.
type Conv2d struct {
	Weight *tensor.Tensor // [out, in, k, k]
	Bias   *tensor.Tensor // [out]
}

// Linear is an affine map x·W + b.
type Linear struct {
	Weight *tensor.Tensor // [in, out]
	Bias   *tensor.Tensor // [out]
}

// AdaptiveAvgPool2d averages feature maps down to a fixed size.
type AdaptiveAvgPool2d struct {
	OutH, OutW int
}

// Dropout zeroes activations with probability Prob in training mode.
type Dropout struct {
	Prob float64
}

// Relu is the rectifying activation.
type Relu struct{}

// Model is the convolutional digit classifier. Forward never mutates the
// parameters, so concurrent Forward calls on one Model are safe; parameter
// updates must not overlap with them.
type Model struct {
	Conv1      Conv2d
	Conv2      Conv2d
	Pool       AdaptiveAvgPool2d
	Dropout    Dropout
	Linear1    Linear
	Linear2    Linear
	Activation Relu

	cfg     Config
	backend backend.Backend
}

// Init allocates a freshly initialized model on b's device.
func (c Config) Init(b backend.Backend) (*Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: nil backend", backend.ErrDeviceUnavailable)
	}
	m := &Model{
		Pool:       AdaptiveAvgPool2d{OutH: PoolSize, OutW: PoolSize},
		Dropout:    Dropout{Prob: c.dropout},
		Activation: Relu{},
		cfg:        c,
		backend:    b,
	}
	var err error
	if m.Conv1, err = newConv2d(b, 1, Conv1Channels, KernelSize); err != nil {
		return nil, fmt.Errorf("init conv1: %w", err)
	}
	if m.Conv2, err = newConv2d(b, Conv1Channels, Conv2Channels, KernelSize); err != nil {
		return nil, fmt.Errorf("init conv2: %w", err)
	}
	if m.Linear1, err = newLinear(b, FlatWidth, c.hiddenSize); err != nil {
		return nil, fmt.Errorf("init linear1: %w", err)
	}
	if m.Linear2, err = newLinear(b, c.hiddenSize, c.numClasses); err != nil {
		return nil, fmt.Errorf("init linear2: %w", err)
	}
	return m, nil
}

// kaimingBound is the Kaiming-uniform bound with gain 1/sqrt(3), which
// reduces to 1/sqrt(fanIn).
func kaimingBound(fanIn int) float64 {
	return 1 / math.Sqrt(float64(fanIn))
}

func newConv2d(b backend.Backend, in, out, k int) (Conv2d, error) {
	bound := kaimingBound(in * k * k)
	w, err := b.Uniform(-bound, bound, out, in, k, k)
	if err != nil {
		return Conv2d{}, err
	}
	bias, err := b.Uniform(-bound, bound, out)
	if err != nil {
		return Conv2d{}, err
	}
	return Conv2d{Weight: w, Bias: bias}, nil
}

func newLinear(b backend.Backend, in, out int) (Linear, error) {
	bound := kaimingBound(in)
	w, err := b.Uniform(-bound, bound, in, out)
	if err != nil {
		return Linear{}, err
	}
	bias, err := b.Uniform(-bound, bound, out)
	if err != nil {
		return Linear{}, err
	}
	return Linear{Weight: w, Bias: bias}, nil
}

// Config returns the hyperparameters the model was built from.
func (m *Model) Config() Config { return m.cfg }

// Backend returns the backend holding the parameters.
func (m *Model) Backend() backend.Backend { return m.backend }

// Device returns the device holding the parameters.
func (m *Model) Device() tensor.Device { return m.backend.Device() }

// Param is a named learnable tensor.
type Param struct {
	Name   string
	Tensor *tensor.Tensor
}

// Parameters lists the learnable tensors in a stable order. The tensors are
// the model's own; writing to them changes the model.
func (m *Model) Parameters() []Param {
	return []Param{
		{"conv1.weight", m.Conv1.Weight},
		{"conv1.bias", m.Conv1.Bias},
		{"conv2.weight", m.Conv2.Weight},
		{"conv2.bias", m.Conv2.Bias},
		{"linear1.weight", m.Linear1.Weight},
		{"linear1.bias", m.Linear1.Bias},
		{"linear2.weight", m.Linear2.Weight},
		{"linear2.bias", m.Linear2.Bias},
	}
}

// NumParams counts learnable scalars.
func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Tensor.Len()
	}
	return n
}

// StateDict returns deep copies of every parameter keyed by name.
func (m *Model) StateDict() map[string]*tensor.Tensor {
	state := make(map[string]*tensor.Tensor)
	for _, p := range m.Parameters() {
		state[p.Name] = p.Tensor.Clone()
	}
	return state
}

// LoadStateDict copies values from state into the existing parameter tensors.
// Every parameter must be present with a matching shape, and no extra names
// are allowed.
func (m *Model) LoadStateDict(state map[string]*tensor.Tensor) error {
	params := m.Parameters()
	known := make(map[string]bool, len(params))
	for _, p := range params {
		known[p.Name] = true
		src, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("load state: missing parameter %s", p.Name)
		}
		if !tensor.SameShape(src, p.Tensor) {
			return fmt.Errorf("load state: %s: %w: have %v, want %v", p.Name, tensor.ErrShapeMismatch, src.Shape(), p.Tensor.Shape())
		}
	}
	var extra []string
	for name := range state {
		if !known[name] {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("load state: unexpected parameters %v", extra)
	}
	for _, p := range params {
		copy(p.Tensor.Data(), state[p.Name].Data())
	}
	return nil
}
