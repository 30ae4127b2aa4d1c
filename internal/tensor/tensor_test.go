package tensor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsWrongLength(t *testing.T) {
	_, err := New(CPU, make([]float64, 5), 2, 3)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestReshapeSharesData(t *testing.T) {
	x, err := New(CPU, []float64{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)

	y, err := x.Reshape(3, 2)
	require.NoError(t, err)
	y.Data()[0] = 9
	require.Equal(t, 9.0, x.At(0, 0))

	_, err = x.Reshape(4, 2)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestUnsqueeze(t *testing.T) {
	x, err := Zeros(CPU, 4, 28, 28)
	require.NoError(t, err)
	y, err := x.Unsqueeze(1)
	require.NoError(t, err)
	if diff := cmp.Diff([]int{4, 1, 28, 28}, y.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
}

func TestArgMax(t *testing.T) {
	x, err := New(CPU, []float64{0.1, 0.7, 0.2, 3, -1, 2}, 2, 3)
	require.NoError(t, err)
	idx, err := x.ArgMax()
	require.NoError(t, err)
	require.Equal(t, []int{1, 0}, idx)
}

func TestSameDevice(t *testing.T) {
	a, _ := Zeros(CPU, 1)
	b, _ := Zeros(Device{Kind: "cuda"}, 1)
	require.NoError(t, SameDevice(a, a))
	require.ErrorIs(t, SameDevice(a, b), ErrDeviceMismatch)
}

func TestParseDevice(t *testing.T) {
	d, err := ParseDevice("CPU")
	require.NoError(t, err)
	require.Equal(t, CPU, d)

	d, err = ParseDevice("cuda:1")
	require.NoError(t, err)
	require.Equal(t, Device{Kind: "cuda", Ordinal: 1}, d)

	_, err = ParseDevice("cuda:x")
	require.Error(t, err)
}
