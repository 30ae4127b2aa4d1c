// Package backend defines the compute capabilities the digit classifier needs
// and a registry of device-specific implementations.
package backend

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"digitnet/internal/tensor"
)

// ErrDeviceUnavailable is returned when no backend can serve a device.
var ErrDeviceUnavailable = errors.New("backend: device unavailable")

// Device is re-exported so callers need not import tensor for device handles.
type Device = tensor.Device

// Backend allocates tensors on one device and runs the layer operations on
// them. Implementations must be safe for concurrent use.
type Backend interface {
	Name() string
	Device() Device

	// Zeros allocates a zero-filled tensor on the device.
	Zeros(shape ...int) (*tensor.Tensor, error)
	// Uniform allocates a tensor sampled from U(low, high).
	Uniform(low, high float64, shape ...int) (*tensor.Tensor, error)
	// FromData copies host values onto the device.
	FromData(data []float64, shape ...int) (*tensor.Tensor, error)

	// Conv2D convolves x [B,C,H,W] with weight [O,C,KH,KW] plus bias [O],
	// stride 1 and no padding.
	Conv2D(x, weight, bias *tensor.Tensor) (*tensor.Tensor, error)
	// AdaptiveAvgPool2D averages x [B,C,H,W] down to [B,C,outH,outW].
	AdaptiveAvgPool2D(x *tensor.Tensor, outH, outW int) (*tensor.Tensor, error)
	// Linear computes x [B,I] · weight [I,O] + bias [O].
	Linear(x, weight, bias *tensor.Tensor) (*tensor.Tensor, error)
	// ReLU returns max(x, 0) elementwise.
	ReLU(x *tensor.Tensor) (*tensor.Tensor, error)
	// Dropout zeroes elements with probability p and scales survivors by
	// 1/(1-p). The returned mask holds the per-element multiplier.
	Dropout(x *tensor.Tensor, p float64, rng *rand.Rand) (out, mask *tensor.Tensor, err error)
	// Mul multiplies two tensors of identical shape elementwise.
	Mul(a, b *tensor.Tensor) (*tensor.Tensor, error)

	Conv2DBackward(x, weight, gradOut *tensor.Tensor) (gradIn, gradWeight, gradBias *tensor.Tensor, err error)
	AdaptiveAvgPool2DBackward(gradOut *tensor.Tensor, inH, inW int) (*tensor.Tensor, error)
	LinearBackward(x, weight, gradOut *tensor.Tensor) (gradIn, gradWeight, gradBias *tensor.Tensor, err error)
	ReLUBackward(x, gradOut *tensor.Tensor) (*tensor.Tensor, error)
}

// Options controls backend construction.
type Options struct {
	// Seed drives parameter sampling. Zero picks a time-based seed.
	Seed int64
	// NumThreads bounds batch parallelism. Zero uses GOMAXPROCS.
	NumThreads int
}

// Factory creates a backend bound to a device.
type Factory func(Device, Options) (Backend, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a backend available for a device kind.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := factories[kind]; ok {
		panic("backend: backend already registered for " + kind)
	}
	factories[kind] = f
}

// New creates a backend for device.
func New(device Device, opts Options) (Backend, error) {
	mu.RLock()
	f, ok := factories[device.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no backend registered for %s", ErrDeviceUnavailable, device)
	}
	b, err := f(device, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, device, err)
	}
	return b, nil
}

// Kinds lists the registered device kinds.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
