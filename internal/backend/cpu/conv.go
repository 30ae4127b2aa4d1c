package cpu

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"digitnet/internal/tensor"
)

type convGeom struct {
	batch, inC, h, w int
	outC, kh, kw     int
	oh, ow           int
}

func (g convGeom) k() int { return g.inC * g.kh * g.kw }
func (g convGeom) p() int { return g.oh * g.ow }

func convGeometry(x, weight *tensor.Tensor) (convGeom, error) {
	if x.Rank() != 4 {
		return convGeom{}, shapeErr("conv2d input must be [B,C,H,W], got %v", x.Shape())
	}
	if weight.Rank() != 4 {
		return convGeom{}, shapeErr("conv2d weight must be [O,C,KH,KW], got %v", weight.Shape())
	}
	g := convGeom{
		batch: x.Dim(0), inC: x.Dim(1), h: x.Dim(2), w: x.Dim(3),
		outC: weight.Dim(0), kh: weight.Dim(2), kw: weight.Dim(3),
	}
	if weight.Dim(1) != g.inC {
		return convGeom{}, shapeErr("conv2d input has %d channels, weight expects %d", g.inC, weight.Dim(1))
	}
	g.oh = g.h - g.kh + 1
	g.ow = g.w - g.kw + 1
	if g.batch < 1 || g.outC < 1 || g.kh < 1 || g.kw < 1 || g.oh < 1 || g.ow < 1 {
		return convGeom{}, shapeErr("conv2d %dx%d kernel does not fit input %v", g.kh, g.kw, x.Shape())
	}
	return g, nil
}

// im2col lays out the receptive fields of one sample as a [K, P] matrix.
func im2col(src []float64, g convGeom) []float64 {
	cols := make([]float64, g.k()*g.p())
	p := g.p()
	row := 0
	for c := 0; c < g.inC; c++ {
		plane := src[c*g.h*g.w : (c+1)*g.h*g.w]
		for i := 0; i < g.kh; i++ {
			for j := 0; j < g.kw; j++ {
				dst := cols[row*p : (row+1)*p]
				for y := 0; y < g.oh; y++ {
					copy(dst[y*g.ow:(y+1)*g.ow], plane[(y+i)*g.w+j:(y+i)*g.w+j+g.ow])
				}
				row++
			}
		}
	}
	return cols
}

// col2im scatter-adds a [K, P] gradient back onto one input sample.
func col2im(cols []float64, dst []float64, g convGeom) {
	p := g.p()
	row := 0
	for c := 0; c < g.inC; c++ {
		plane := dst[c*g.h*g.w : (c+1)*g.h*g.w]
		for i := 0; i < g.kh; i++ {
			for j := 0; j < g.kw; j++ {
				src := cols[row*p : (row+1)*p]
				for y := 0; y < g.oh; y++ {
					base := (y+i)*g.w + j
					for x := 0; x < g.ow; x++ {
						plane[base+x] += src[y*g.ow+x]
					}
				}
				row++
			}
		}
	}
}

// Conv2D is a stride-1 unpadded convolution computed through im2col.
func (b *Backend) Conv2D(x, weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	if err := b.check(x, weight, bias); err != nil {
		return nil, err
	}
	g, err := convGeometry(x, weight)
	if err != nil {
		return nil, err
	}
	if bias.Rank() != 1 || bias.Dim(0) != g.outC {
		return nil, shapeErr("conv2d bias must be [%d], got %v", g.outC, bias.Shape())
	}
	out, err := tensor.Zeros(b.device, g.batch, g.outC, g.oh, g.ow)
	if err != nil {
		return nil, err
	}
	wm := mat.NewDense(g.outC, g.k(), weight.Data())
	in := x.Data()
	sampleIn := g.inC * g.h * g.w
	sampleOut := g.outC * g.p()
	err = b.parallel(g.batch, func(n int) error {
		cols := mat.NewDense(g.k(), g.p(), im2col(in[n*sampleIn:(n+1)*sampleIn], g))
		dst := out.Data()[n*sampleOut : (n+1)*sampleOut]
		mat.NewDense(g.outC, g.p(), dst).Mul(wm, cols)
		for o, bv := range bias.Data() {
			floats.AddConst(bv, dst[o*g.p():(o+1)*g.p()])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Conv2DBackward returns the gradients of x, weight and bias.
func (b *Backend) Conv2DBackward(x, weight, gradOut *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
	if err := b.check(x, weight, gradOut); err != nil {
		return nil, nil, nil, err
	}
	g, err := convGeometry(x, weight)
	if err != nil {
		return nil, nil, nil, err
	}
	want := []int{g.batch, g.outC, g.oh, g.ow}
	if !sameDims(gradOut.Shape(), want) {
		return nil, nil, nil, shapeErr("conv2d gradient must be %v, got %v", want, gradOut.Shape())
	}
	gradIn, err := tensor.Zeros(b.device, x.Shape()...)
	if err != nil {
		return nil, nil, nil, err
	}
	wm := mat.NewDense(g.outC, g.k(), weight.Data())
	in := x.Data()
	sampleIn := g.inC * g.h * g.w
	sampleOut := g.outC * g.p()
	partialW := make([][]float64, g.batch)
	partialB := make([][]float64, g.batch)
	err = b.parallel(g.batch, func(n int) error {
		cols := mat.NewDense(g.k(), g.p(), im2col(in[n*sampleIn:(n+1)*sampleIn], g))
		gs := gradOut.Data()[n*sampleOut : (n+1)*sampleOut]
		gm := mat.NewDense(g.outC, g.p(), gs)

		gw := make([]float64, g.outC*g.k())
		mat.NewDense(g.outC, g.k(), gw).Mul(gm, cols.T())
		partialW[n] = gw

		gb := make([]float64, g.outC)
		for o := range gb {
			gb[o] = floats.Sum(gs[o*g.p() : (o+1)*g.p()])
		}
		partialB[n] = gb

		var gc mat.Dense
		gc.Mul(wm.T(), gm)
		col2im(gc.RawMatrix().Data, gradIn.Data()[n*sampleIn:(n+1)*sampleIn], g)
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	gradW, err := tensor.Zeros(b.device, weight.Shape()...)
	if err != nil {
		return nil, nil, nil, err
	}
	gradB, err := tensor.Zeros(b.device, g.outC)
	if err != nil {
		return nil, nil, nil, err
	}
	// Reduce in batch order so results do not depend on scheduling.
	for n := 0; n < g.batch; n++ {
		floats.Add(gradW.Data(), partialW[n])
		floats.Add(gradB.Data(), partialB[n])
	}
	return gradIn, gradW, gradB, nil
}

func sameDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
