package tensor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ErrShapeMismatch reports tensors whose dimensions do not fit an operation.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// ErrDeviceMismatch reports an operation mixing tensors from different devices.
var ErrDeviceMismatch = errors.New("tensor: device mismatch")

// Device identifies the compute context a tensor is allocated on.
type Device struct {
	Kind    string
	Ordinal int
}

// CPU is the host device.
var CPU = Device{Kind: "cpu"}

func (d Device) String() string {
	if d.Kind == "" {
		return "unknown"
	}
	return d.Kind + ":" + strconv.Itoa(d.Ordinal)
}

// ParseDevice parses "kind" or "kind:ordinal".
func ParseDevice(s string) (Device, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return Device{}, errors.New("device: empty name")
	}
	kind, ord, found := strings.Cut(s, ":")
	d := Device{Kind: kind}
	if found {
		n, err := strconv.Atoi(ord)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("device %q: invalid ordinal", s)
		}
		d.Ordinal = n
	}
	return d, nil
}

// Tensor is a dense row-major float64 array bound to a device.
type Tensor struct {
	shape  []int
	data   []float64
	device Device
}

// New wraps data with the given shape. The slice is not copied.
func New(device Device, data []float64, shape ...int) (*Tensor, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	if n := numel(shape); n != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: data, device: device}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(device Device, shape ...int) (*Tensor, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	return &Tensor{shape: append([]int(nil), shape...), data: make([]float64, numel(shape)), device: device}, nil
}

// Shape returns a copy of the tensor dimensions.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.data) }

// Data exposes the backing slice.
func (t *Tensor) Data() []float64 { return t.data }

// Device returns the device the tensor lives on.
func (t *Tensor) Device() Device { return t.device }

// Clone returns a deep copy on the same device.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		shape:  append([]int(nil), t.shape...),
		data:   append([]float64(nil), t.data...),
		device: t.device,
	}
}

// Reshape returns a view sharing data with t under a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	if numel(shape) != len(t.data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, t.shape, shape)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: t.data, device: t.device}, nil
}

// Unsqueeze inserts a singleton axis at position axis.
func (t *Tensor) Unsqueeze(axis int) (*Tensor, error) {
	if axis < 0 || axis > len(t.shape) {
		return nil, fmt.Errorf("%w: unsqueeze axis %d for rank %d", ErrShapeMismatch, axis, len(t.shape))
	}
	shape := make([]int, 0, len(t.shape)+1)
	shape = append(shape, t.shape[:axis]...)
	shape = append(shape, 1)
	shape = append(shape, t.shape[axis:]...)
	return &Tensor{shape: shape, data: t.data, device: t.device}, nil
}

// At returns the element at the given index.
func (t *Tensor) At(idx ...int) float64 {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(t.shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range %v", idx, t.shape))
		}
		off = off*t.shape[i] + v
	}
	return t.data[off]
}

// Row returns row i of a rank-2 tensor as a shared slice.
func (t *Tensor) Row(i int) []float64 {
	cols := t.shape[len(t.shape)-1]
	return t.data[i*cols : (i+1)*cols]
}

// ArgMax returns the index of the largest value in each row of a rank-2 tensor.
func (t *Tensor) ArgMax() ([]int, error) {
	if len(t.shape) != 2 || t.shape[1] == 0 {
		return nil, fmt.Errorf("%w: argmax needs a non-empty rank-2 tensor, got %v", ErrShapeMismatch, t.shape)
	}
	out := make([]int, t.shape[0])
	for i := range out {
		out[i] = floats.MaxIdx(t.Row(i))
	}
	return out, nil
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

// SameDevice returns ErrDeviceMismatch unless all tensors share a device.
func SameDevice(ts ...*Tensor) error {
	if len(ts) == 0 {
		return nil
	}
	d := ts[0].device
	for _, t := range ts[1:] {
		if t.device != d {
			return fmt.Errorf("%w: %s and %s", ErrDeviceMismatch, d, t.device)
		}
	}
	return nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v@%s", t.shape, t.device)
}

func checkShape(shape []int) error {
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension in %v", ErrShapeMismatch, shape)
		}
	}
	return nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
