package cpu

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"digitnet/internal/tensor"
)

// poolBounds returns the half-open input window [start, end) feeding output
// cell i when in cells are reduced to out.
func poolBounds(i, in, out int) (int, int) {
	start := (i * in) / out
	end := ((i+1)*in + out - 1) / out
	return start, end
}

// AdaptiveAvgPool2D averages x [B,C,H,W] down to [B,C,outH,outW].
func (b *Backend) AdaptiveAvgPool2D(x *tensor.Tensor, outH, outW int) (*tensor.Tensor, error) {
	if err := b.check(x); err != nil {
		return nil, err
	}
	if x.Rank() != 4 {
		return nil, shapeErr("adaptive pool input must be [B,C,H,W], got %v", x.Shape())
	}
	if outH < 1 || outW < 1 {
		return nil, shapeErr("adaptive pool target %dx%d is empty", outH, outW)
	}
	bs, c, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if h < outH || w < outW {
		return nil, shapeErr("adaptive pool input %dx%d is smaller than target %dx%d", h, w, outH, outW)
	}
	out, err := tensor.Zeros(b.device, bs, c, outH, outW)
	if err != nil {
		return nil, err
	}
	src, dst := x.Data(), out.Data()
	for plane := 0; plane < bs*c; plane++ {
		in := src[plane*h*w : (plane+1)*h*w]
		o := dst[plane*outH*outW : (plane+1)*outH*outW]
		for i := 0; i < outH; i++ {
			y0, y1 := poolBounds(i, h, outH)
			for j := 0; j < outW; j++ {
				x0, x1 := poolBounds(j, w, outW)
				sum := 0.0
				for y := y0; y < y1; y++ {
					sum += floats.Sum(in[y*w+x0 : y*w+x1])
				}
				o[i*outW+j] = sum / float64((y1-y0)*(x1-x0))
			}
		}
	}
	return out, nil
}

// AdaptiveAvgPool2DBackward spreads gradOut back over inH x inW windows.
func (b *Backend) AdaptiveAvgPool2DBackward(gradOut *tensor.Tensor, inH, inW int) (*tensor.Tensor, error) {
	if err := b.check(gradOut); err != nil {
		return nil, err
	}
	if gradOut.Rank() != 4 {
		return nil, shapeErr("adaptive pool gradient must be [B,C,H,W], got %v", gradOut.Shape())
	}
	bs, c, outH, outW := gradOut.Dim(0), gradOut.Dim(1), gradOut.Dim(2), gradOut.Dim(3)
	if inH < outH || inW < outW {
		return nil, shapeErr("adaptive pool input %dx%d is smaller than target %dx%d", inH, inW, outH, outW)
	}
	gradIn, err := tensor.Zeros(b.device, bs, c, inH, inW)
	if err != nil {
		return nil, err
	}
	src, dst := gradOut.Data(), gradIn.Data()
	for plane := 0; plane < bs*c; plane++ {
		g := src[plane*outH*outW : (plane+1)*outH*outW]
		d := dst[plane*inH*inW : (plane+1)*inH*inW]
		for i := 0; i < outH; i++ {
			y0, y1 := poolBounds(i, inH, outH)
			for j := 0; j < outW; j++ {
				x0, x1 := poolBounds(j, inW, outW)
				share := g[i*outW+j] / float64((y1-y0)*(x1-x0))
				for y := y0; y < y1; y++ {
					floats.AddConst(share, d[y*inW+x0:y*inW+x1])
				}
			}
		}
	}
	return gradIn, nil
}

func linearDims(x, weight *tensor.Tensor) (batch, in, out int, err error) {
	if x.Rank() != 2 || weight.Rank() != 2 {
		return 0, 0, 0, shapeErr("linear expects rank-2 input and weight, got %v and %v", x.Shape(), weight.Shape())
	}
	batch, in, out = x.Dim(0), weight.Dim(0), weight.Dim(1)
	if x.Dim(1) != in {
		return 0, 0, 0, shapeErr("linear input width %d, weight expects %d", x.Dim(1), in)
	}
	if batch < 1 || in < 1 || out < 1 {
		return 0, 0, 0, shapeErr("linear dimensions must be positive, got %v and %v", x.Shape(), weight.Shape())
	}
	return batch, in, out, nil
}

// Linear computes x·weight + bias for weight [in,out].
func (b *Backend) Linear(x, weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	if err := b.check(x, weight, bias); err != nil {
		return nil, err
	}
	batch, in, outW, err := linearDims(x, weight)
	if err != nil {
		return nil, err
	}
	if bias.Rank() != 1 || bias.Dim(0) != outW {
		return nil, shapeErr("linear bias must be [%d], got %v", outW, bias.Shape())
	}
	out, err := tensor.Zeros(b.device, batch, outW)
	if err != nil {
		return nil, err
	}
	dst := mat.NewDense(batch, outW, out.Data())
	dst.Mul(mat.NewDense(batch, in, x.Data()), mat.NewDense(in, outW, weight.Data()))
	for r := 0; r < batch; r++ {
		floats.Add(out.Row(r), bias.Data())
	}
	return out, nil
}

// LinearBackward returns the gradients of x, weight and bias.
func (b *Backend) LinearBackward(x, weight, gradOut *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
	if err := b.check(x, weight, gradOut); err != nil {
		return nil, nil, nil, err
	}
	batch, in, outW, err := linearDims(x, weight)
	if err != nil {
		return nil, nil, nil, err
	}
	if !sameDims(gradOut.Shape(), []int{batch, outW}) {
		return nil, nil, nil, shapeErr("linear gradient must be [%d %d], got %v", batch, outW, gradOut.Shape())
	}
	xm := mat.NewDense(batch, in, x.Data())
	wm := mat.NewDense(in, outW, weight.Data())
	gm := mat.NewDense(batch, outW, gradOut.Data())

	gradIn, err := tensor.Zeros(b.device, batch, in)
	if err != nil {
		return nil, nil, nil, err
	}
	mat.NewDense(batch, in, gradIn.Data()).Mul(gm, wm.T())

	gradW, err := tensor.Zeros(b.device, in, outW)
	if err != nil {
		return nil, nil, nil, err
	}
	mat.NewDense(in, outW, gradW.Data()).Mul(xm.T(), gm)

	gradB, err := tensor.Zeros(b.device, outW)
	if err != nil {
		return nil, nil, nil, err
	}
	for r := 0; r < batch; r++ {
		floats.Add(gradB.Data(), gradOut.Row(r))
	}
	return gradIn, gradW, gradB, nil
}

// ReLU clamps negative entries to zero.
func (b *Backend) ReLU(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := b.check(x); err != nil {
		return nil, err
	}
	out := x.Clone()
	data := out.Data()
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
	return out, nil
}

// ReLUBackward passes gradOut where x was positive.
func (b *Backend) ReLUBackward(x, gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if err := b.check(x, gradOut); err != nil {
		return nil, err
	}
	if !tensor.SameShape(x, gradOut) {
		return nil, shapeErr("relu gradient %v does not match input %v", gradOut.Shape(), x.Shape())
	}
	gradIn := gradOut.Clone()
	data := gradIn.Data()
	for i, v := range x.Data() {
		if v <= 0 {
			data[i] = 0
		}
	}
	return gradIn, nil
}

// Dropout zeroes entries with probability p and scales survivors by 1/(1-p).
func (b *Backend) Dropout(x *tensor.Tensor, p float64, rng *rand.Rand) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := b.check(x); err != nil {
		return nil, nil, err
	}
	if !(p >= 0 && p < 1) {
		return nil, nil, fmt.Errorf("cpu: dropout probability %g outside [0, 1)", p)
	}
	mask, err := tensor.Zeros(b.device, x.Shape()...)
	if err != nil {
		return nil, nil, err
	}
	m := mask.Data()
	if p == 0 {
		for i := range m {
			m[i] = 1
		}
		return x.Clone(), mask, nil
	}
	if rng == nil {
		return nil, nil, fmt.Errorf("cpu: dropout needs a random source")
	}
	keep := 1 / (1 - p)
	for i := range m {
		if rng.Float64() >= p {
			m[i] = keep
		}
	}
	out, err := b.Mul(x, mask)
	if err != nil {
		return nil, nil, err
	}
	return out, mask, nil
}

// Mul multiplies x and y elementwise.
func (b *Backend) Mul(x, y *tensor.Tensor) (*tensor.Tensor, error) {
	if err := b.check(x, y); err != nil {
		return nil, err
	}
	if !tensor.SameShape(x, y) {
		return nil, shapeErr("mul operands %v and %v differ", x.Shape(), y.Shape())
	}
	out := x.Clone()
	floats.Mul(out.Data(), y.Data())
	return out, nil
}
