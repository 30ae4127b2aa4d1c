package cpu

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"digitnet/internal/backend"
	"digitnet/internal/tensor"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := backend.New(tensor.CPU, backend.Options{Seed: 3, NumThreads: 2})
	require.NoError(t, err)
	return b.(*Backend)
}

func randTensor(t *testing.T, b *Backend, rng *rand.Rand, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := b.Zeros(shape...)
	require.NoError(t, err)
	for i := range x.Data() {
		x.Data()[i] = rng.Float64()*2 - 1
	}
	return x
}

func naiveConv(x, w, bias *tensor.Tensor) []float64 {
	bs, c, h, wd := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	o, kh, kw := w.Dim(0), w.Dim(2), w.Dim(3)
	oh, ow := h-kh+1, wd-kw+1
	out := make([]float64, 0, bs*o*oh*ow)
	for n := 0; n < bs; n++ {
		for oc := 0; oc < o; oc++ {
			for y := 0; y < oh; y++ {
				for xx := 0; xx < ow; xx++ {
					sum := bias.At(oc)
					for ic := 0; ic < c; ic++ {
						for i := 0; i < kh; i++ {
							for j := 0; j < kw; j++ {
								sum += x.At(n, ic, y+i, xx+j) * w.At(oc, ic, i, j)
							}
						}
					}
					out = append(out, sum)
				}
			}
		}
	}
	return out
}

func TestRegistry(t *testing.T) {
	require.Contains(t, backend.Kinds(), "cpu")

	_, err := backend.New(tensor.Device{Kind: "cuda"}, backend.Options{})
	require.ErrorIs(t, err, backend.ErrDeviceUnavailable)

	_, err = backend.New(tensor.Device{Kind: "cpu", Ordinal: 1}, backend.Options{})
	require.ErrorIs(t, err, backend.ErrDeviceUnavailable)
}

func TestConv2DMatchesNaive(t *testing.T) {
	b := newTestBackend(t)
	rng := rand.New(rand.NewSource(1))
	x := randTensor(t, b, rng, 3, 2, 7, 6)
	w := randTensor(t, b, rng, 4, 2, 3, 3)
	bias := randTensor(t, b, rng, 4)

	out, err := b.Conv2D(x, w, bias)
	require.NoError(t, err)
	require.Equal(t, []int{3, 4, 5, 4}, out.Shape())
	require.InDeltaSlice(t, naiveConv(x, w, bias), out.Data(), 1e-12)
}

func TestConv2DRejectsSmallInput(t *testing.T) {
	b := newTestBackend(t)
	x, _ := b.Zeros(1, 1, 2, 2)
	w, _ := b.Zeros(8, 1, 3, 3)
	bias, _ := b.Zeros(8)
	_, err := b.Conv2D(x, w, bias)
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestAdaptiveAvgPool(t *testing.T) {
	b := newTestBackend(t)
	data := make([]float64, 16)
	for i := range data {
		data[i] = float64(i)
	}
	x, err := b.FromData(data, 1, 1, 4, 4)
	require.NoError(t, err)

	out, err := b.AdaptiveAvgPool2D(x, 2, 2)
	require.NoError(t, err)
	require.Equal(t, []float64{2.5, 4.5, 10.5, 12.5}, out.Data())

	_, err = b.AdaptiveAvgPool2D(x, 8, 8)
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestAdaptiveAvgPoolUnevenWindows(t *testing.T) {
	b := newTestBackend(t)
	x, err := b.FromData([]float64{1, 2, 3, 4, 5}, 1, 1, 1, 5)
	require.NoError(t, err)
	out, err := b.AdaptiveAvgPool2D(x, 1, 3)
	require.NoError(t, err)
	// windows [0,2) [1,4) [3,5)
	require.InDeltaSlice(t, []float64{1.5, 3, 4.5}, out.Data(), 1e-12)
}

func TestLinear(t *testing.T) {
	b := newTestBackend(t)
	x, _ := b.FromData([]float64{1, 2, 3, 4}, 2, 2)
	w, _ := b.FromData([]float64{1, 0, -1, 2, 1, 0}, 2, 3)
	bias, _ := b.FromData([]float64{0.5, 0, 1}, 3)
	out, err := b.Linear(x, w, bias)
	require.NoError(t, err)
	require.Equal(t, []float64{5.5, 2, 0, 11.5, 4, -2}, out.Data())

	_, err = b.Linear(bias, w, bias)
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestReLU(t *testing.T) {
	b := newTestBackend(t)
	x, _ := b.FromData([]float64{-1, 0, 2}, 3)
	out, err := b.ReLU(x)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0, 2}, out.Data())
	require.Equal(t, []float64{-1, 0, 2}, x.Data())
}

func TestDropout(t *testing.T) {
	b := newTestBackend(t)
	x, _ := b.FromData([]float64{1, 1, 1, 1, 1, 1, 1, 1}, 8)

	out, _, err := b.Dropout(x, 0, nil)
	require.NoError(t, err)
	require.Equal(t, x.Data(), out.Data())

	out, mask, err := b.Dropout(x, 0.5, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	for i, v := range out.Data() {
		require.Contains(t, []float64{0, 2}, v)
		require.Equal(t, mask.Data()[i], v)
	}

	_, _, err = b.Dropout(x, 1, rand.New(rand.NewSource(9)))
	require.Error(t, err)
	_, _, err = b.Dropout(x, 0.5, nil)
	require.Error(t, err)
}

func TestDeviceMismatch(t *testing.T) {
	b := newTestBackend(t)
	foreign, err := tensor.Zeros(tensor.Device{Kind: "cuda"}, 2)
	require.NoError(t, err)
	_, err = b.ReLU(foreign)
	require.ErrorIs(t, err, tensor.ErrDeviceMismatch)

	local, err := b.Zeros(2)
	require.NoError(t, err)
	_, err = b.Mul(local, foreign)
	require.ErrorIs(t, err, tensor.ErrDeviceMismatch)
	_, err = b.Mul(local, nil)
	require.Error(t, err)
}

// numericGrad estimates d(sum(f(x) * g))/dx by central differences.
func numericGrad(x *tensor.Tensor, g []float64, f func() []float64) []float64 {
	const eps = 1e-6
	out := make([]float64, x.Len())
	for i := range x.Data() {
		orig := x.Data()[i]
		x.Data()[i] = orig + eps
		plus := dot(f(), g)
		x.Data()[i] = orig - eps
		minus := dot(f(), g)
		x.Data()[i] = orig
		out[i] = (plus - minus) / (2 * eps)
	}
	return out
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func TestConv2DBackwardMatchesFiniteDifferences(t *testing.T) {
	b := newTestBackend(t)
	rng := rand.New(rand.NewSource(5))
	x := randTensor(t, b, rng, 2, 2, 5, 5)
	w := randTensor(t, b, rng, 3, 2, 3, 3)
	bias := randTensor(t, b, rng, 3)
	g := randTensor(t, b, rng, 2, 3, 3, 3)

	gx, gw, gb, err := b.Conv2DBackward(x, w, g)
	require.NoError(t, err)

	forward := func() []float64 {
		out, err := b.Conv2D(x, w, bias)
		require.NoError(t, err)
		return out.Data()
	}
	require.InDeltaSlice(t, numericGrad(x, g.Data(), forward), gx.Data(), 1e-6)
	require.InDeltaSlice(t, numericGrad(w, g.Data(), forward), gw.Data(), 1e-6)
	require.InDeltaSlice(t, numericGrad(bias, g.Data(), forward), gb.Data(), 1e-6)
}

func TestLinearBackwardMatchesFiniteDifferences(t *testing.T) {
	b := newTestBackend(t)
	rng := rand.New(rand.NewSource(6))
	x := randTensor(t, b, rng, 3, 4)
	w := randTensor(t, b, rng, 4, 2)
	bias := randTensor(t, b, rng, 2)
	g := randTensor(t, b, rng, 3, 2)

	gx, gw, gb, err := b.LinearBackward(x, w, g)
	require.NoError(t, err)

	forward := func() []float64 {
		out, err := b.Linear(x, w, bias)
		require.NoError(t, err)
		return out.Data()
	}
	require.InDeltaSlice(t, numericGrad(x, g.Data(), forward), gx.Data(), 1e-6)
	require.InDeltaSlice(t, numericGrad(w, g.Data(), forward), gw.Data(), 1e-6)
	require.InDeltaSlice(t, numericGrad(bias, g.Data(), forward), gb.Data(), 1e-6)
}

func TestAdaptiveAvgPoolBackwardMatchesFiniteDifferences(t *testing.T) {
	b := newTestBackend(t)
	rng := rand.New(rand.NewSource(7))
	x := randTensor(t, b, rng, 1, 2, 7, 5)
	g := randTensor(t, b, rng, 1, 2, 3, 2)

	gx, err := b.AdaptiveAvgPool2DBackward(g, 7, 5)
	require.NoError(t, err)

	forward := func() []float64 {
		out, err := b.AdaptiveAvgPool2D(x, 3, 2)
		require.NoError(t, err)
		return out.Data()
	}
	require.InDeltaSlice(t, numericGrad(x, g.Data(), forward), gx.Data(), 1e-6)
}

func TestUniformBounds(t *testing.T) {
	b := newTestBackend(t)
	u, err := b.Uniform(-0.25, 0.25, 100)
	require.NoError(t, err)
	for _, v := range u.Data() {
		require.True(t, v >= -0.25 && v < 0.25, "value %g out of bounds", v)
	}
	_, err = b.Uniform(1, 1, 3)
	require.Error(t, err)
	require.False(t, math.IsNaN(u.Data()[0]))
}
