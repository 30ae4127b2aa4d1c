// Package cpu implements backend.Backend on the host processor using gonum
// matrix products.
package cpu

import (
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"

	"digitnet/internal/backend"
	"digitnet/internal/tensor"
)

func init() {
	backend.Register(tensor.CPU.Kind, New)
}

// Info describes the host processor.
type Info struct {
	Brand         string
	Vendor        string
	PhysicalCores int
	LogicalCores  int
	Features      []string
}

// Backend runs every operation on the host CPU.
type Backend struct {
	device  tensor.Device
	threads int
	info    Info

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a CPU backend. Only ordinal 0 exists.
func New(device backend.Device, opts backend.Options) (backend.Backend, error) {
	if device.Kind != tensor.CPU.Kind {
		return nil, fmt.Errorf("cpu backend cannot serve %s", device)
	}
	if device.Ordinal != 0 {
		return nil, fmt.Errorf("cpu ordinal %d not present", device.Ordinal)
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	threads := opts.NumThreads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	b := &Backend{
		device:  device,
		threads: threads,
		info:    detect(),
		rng:     rand.New(rand.NewSource(seed)),
	}
	slog.Debug("cpu backend ready", "brand", b.info.Brand, "cores", b.info.PhysicalCores, "threads", threads)
	return b, nil
}

func detect() Info {
	return Info{
		Brand:         cpuid.CPU.BrandName,
		Vendor:        cpuid.CPU.VendorString,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		Features:      cpuid.CPU.FeatureSet(),
	}
}

// Name returns "cpu".
func (b *Backend) Name() string { return "cpu" }

// Device returns the device every tensor from b lives on.
func (b *Backend) Device() tensor.Device { return b.device }

// Info returns the detected processor description.
func (b *Backend) Info() Info { return b.info }

// Threads returns the parallelism bound.
func (b *Backend) Threads() int { return b.threads }

// Zeros allocates a zero-filled tensor.
func (b *Backend) Zeros(shape ...int) (*tensor.Tensor, error) {
	return tensor.Zeros(b.device, shape...)
}

// Uniform allocates a tensor drawn from U[low, high) using the seeded source.
func (b *Backend) Uniform(low, high float64, shape ...int) (*tensor.Tensor, error) {
	if !(low < high) {
		return nil, fmt.Errorf("cpu: uniform bounds [%g, %g) are empty", low, high)
	}
	t, err := tensor.Zeros(b.device, shape...)
	if err != nil {
		return nil, err
	}
	data := t.Data()
	b.mu.Lock()
	for i := range data {
		data[i] = low + (high-low)*b.rng.Float64()
	}
	b.mu.Unlock()
	return t, nil
}

// FromData copies data into a new tensor of the given shape.
func (b *Backend) FromData(data []float64, shape ...int) (*tensor.Tensor, error) {
	return tensor.New(b.device, append([]float64(nil), data...), shape...)
}

// check rejects nil operands and operands that do not live on b's device.
func (b *Backend) check(ts ...*tensor.Tensor) error {
	for _, t := range ts {
		if t == nil {
			return fmt.Errorf("cpu: nil tensor")
		}
	}
	if len(ts) > 0 && ts[0].Device() != b.device {
		return fmt.Errorf("%w: %s on %s backend", tensor.ErrDeviceMismatch, ts[0].Device(), b.device)
	}
	return tensor.SameDevice(ts...)
}

// parallel runs fn(i) for i in [0, n) on at most b.threads goroutines.
func (b *Backend) parallel(n int, fn func(i int) error) error {
	var g errgroup.Group
	g.SetLimit(b.threads)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error { return fn(i) })
	}
	return g.Wait()
}

func shapeErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{tensor.ErrShapeMismatch}, args...)...)
}
