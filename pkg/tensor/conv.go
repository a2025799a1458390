package tensor

import "fmt"

// Conv1dOptions configures a 1-D convolution. Zero values for Stride,
// Dilation and Groups mean 1.
type Conv1dOptions struct {
	Stride   int
	Padding  int
	Dilation int
	Groups   int
}

func (o Conv1dOptions) normalized() Conv1dOptions {
	if o.Stride <= 0 {
		o.Stride = 1
	}
	if o.Dilation <= 0 {
		o.Dilation = 1
	}
	if o.Groups <= 0 {
		o.Groups = 1
	}
	return o
}

// Conv1dOutputLength is the temporal length produced by a convolution over n frames.
func Conv1dOutputLength(n, kernelSize int, opts Conv1dOptions) int {
	opts = opts.normalized()
	span := opts.Dilation*(kernelSize-1) + 1
	if n+2*opts.Padding < span {
		return 0
	}
	return (n+2*opts.Padding-span)/opts.Stride + 1
}

// Conv1d convolves x [batch, in, time] with weight [out, in/groups, kernel].
// bias may be nil.
func Conv1d(x, weight, bias *Tensor, opts Conv1dOptions) (*Tensor, error) {
	opts = opts.normalized()
	if err := CheckRank("Conv1d", x, 3); err != nil {
		return nil, err
	}
	if err := CheckRank("Conv1d weight", weight, 3); err != nil {
		return nil, err
	}
	batch, inChan, n := x.dimensions[0], x.dimensions[1], x.dimensions[2]
	outChan, groupIn, kernelSize := weight.dimensions[0], weight.dimensions[1], weight.dimensions[2]
	if inChan%opts.Groups != 0 || outChan%opts.Groups != 0 || groupIn*opts.Groups != inChan {
		return nil, &ShapeError{
			Op:   "Conv1d",
			Got:  x.Shape(),
			Want: []int{batch, groupIn * opts.Groups, n},
			Msg:  fmt.Sprintf("weight %v with %d groups", weight.dimensions, opts.Groups),
		}
	}
	if bias != nil && (bias.NDimensions() != 1 || bias.dimensions[0] != outChan) {
		return nil, &ShapeError{Op: "Conv1d bias", Got: bias.Shape(), Want: []int{outChan}}
	}

	m := Conv1dOutputLength(n, kernelSize, opts)
	out := New(batch, outChan, m)
	groupOut := outChan / opts.Groups

	parallelFor(batch*outChan, batch*outChan*groupIn*kernelSize*m, func(row int) {
		b, co := row/outChan, row%outChan
		g := co / groupOut
		dst := out.values[row*m : (row+1)*m]
		if bias != nil {
			bv := bias.values[co]
			for t := range dst {
				dst[t] = bv
			}
		}
		for j := 0; j < groupIn; j++ {
			ci := g*groupIn + j
			src := x.values[(b*inChan+ci)*n : (b*inChan+ci+1)*n]
			w := weight.values[(co*groupIn+j)*kernelSize : (co*groupIn+j+1)*kernelSize]
			for k, wk := range w {
				shift := k*opts.Dilation - opts.Padding
				// Output frames t with 0 <= t*stride+shift < n.
				lo := 0
				if shift < 0 {
					lo = (-shift + opts.Stride - 1) / opts.Stride
				}
				hi := m
				if limit := (n - 1 - shift); limit < 0 {
					hi = 0
				} else if limit/opts.Stride+1 < hi {
					hi = limit/opts.Stride + 1
				}
				if lo >= hi {
					continue
				}
				if opts.Stride == 1 {
					axpy(dst[lo:hi], src[lo+shift:hi+shift], wk)
					continue
				}
				for t := lo; t < hi; t++ {
					dst[t] += wk * src[t*opts.Stride+shift]
				}
			}
		}
	})
	return out, nil
}

// Conv2dOptions configures a stride-1 2-D convolution with zero padding.
type Conv2dOptions struct {
	PadH int
	PadW int
}

// Conv2d convolves x [batch, in, h, w] with weight [out, in, kh, kw].
func Conv2d(x, weight, bias *Tensor, opts Conv2dOptions) (*Tensor, error) {
	if err := CheckRank("Conv2d", x, 4); err != nil {
		return nil, err
	}
	if err := CheckRank("Conv2d weight", weight, 4); err != nil {
		return nil, err
	}
	batch, inChan, h, w := x.dimensions[0], x.dimensions[1], x.dimensions[2], x.dimensions[3]
	outChan, kh, kw := weight.dimensions[0], weight.dimensions[2], weight.dimensions[3]
	if weight.dimensions[1] != inChan {
		return nil, &ShapeError{Op: "Conv2d", Got: x.Shape(), Msg: fmt.Sprintf("weight %v expects %d input channels", weight.dimensions, weight.dimensions[1])}
	}
	if bias != nil && (bias.NDimensions() != 1 || bias.dimensions[0] != outChan) {
		return nil, &ShapeError{Op: "Conv2d bias", Got: bias.Shape(), Want: []int{outChan}}
	}
	oh := h + 2*opts.PadH - kh + 1
	ow := w + 2*opts.PadW - kw + 1
	if oh < 0 {
		oh = 0
	}
	if ow < 0 {
		ow = 0
	}

	out := New(batch, outChan, oh, ow)
	parallelFor(batch*outChan, batch*outChan*inChan*kh*kw*oh*ow, func(plane int) {
		b, co := plane/outChan, plane%outChan
		dst := out.values[plane*oh*ow : (plane+1)*oh*ow]
		if bias != nil {
			for i := range dst {
				dst[i] = bias.values[co]
			}
		}
		for ci := 0; ci < inChan; ci++ {
			src := x.values[(b*inChan+ci)*h*w : (b*inChan+ci+1)*h*w]
			for i := 0; i < kh; i++ {
				for j := 0; j < kw; j++ {
					wv := weight.values[((co*inChan+ci)*kh+i)*kw+j]
					if wv == 0 {
						continue
					}
					for y := 0; y < oh; y++ {
						sy := y + i - opts.PadH
						if sy < 0 || sy >= h {
							continue
						}
						lo, hi := 0, ow
						if d := j - opts.PadW; d < 0 {
							lo = -d
						}
						if limit := w - (j - opts.PadW); limit < hi {
							hi = limit
						}
						if lo >= hi {
							continue
						}
						shift := j - opts.PadW
						axpy(dst[y*ow+lo:y*ow+hi], src[sy*w+lo+shift:sy*w+hi+shift], wv)
					}
				}
			}
		}
	})
	return out, nil
}

// Linear computes x [n, in] times weight [out, in] transposed, plus bias.
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if err := CheckRank("Linear", x, 2); err != nil {
		return nil, err
	}
	if err := CheckRank("Linear weight", weight, 2); err != nil {
		return nil, err
	}
	n, in := x.dimensions[0], x.dimensions[1]
	outFeatures := weight.dimensions[0]
	if weight.dimensions[1] != in {
		return nil, &ShapeError{Op: "Linear", Got: x.Shape(), Want: []int{n, weight.dimensions[1]}}
	}
	if bias != nil && (bias.NDimensions() != 1 || bias.dimensions[0] != outFeatures) {
		return nil, &ShapeError{Op: "Linear bias", Got: bias.Shape(), Want: []int{outFeatures}}
	}
	out := New(n, outFeatures)
	for r := 0; r < n; r++ {
		row := x.values[r*in : (r+1)*in]
		for o := 0; o < outFeatures; o++ {
			v := dot(row, weight.values[o*in:(o+1)*in])
			if bias != nil {
				v += bias.values[o]
			}
			out.values[r*outFeatures+o] = v
		}
	}
	return out, nil
}

// UpsampleNearest1d repeats every frame of the last axis factor times.
func UpsampleNearest1d(x *Tensor, factor int) (*Tensor, error) {
	if x.NDimensions() < 1 || factor < 1 {
		return nil, &ShapeError{Op: "UpsampleNearest1d", Got: x.Shape(), Msg: fmt.Sprintf("factor %d", factor)}
	}
	n := x.Dim(-1)
	dims := x.Shape()
	dims[len(dims)-1] = n * factor
	out := New(dims...)
	rows := 0
	if n > 0 {
		rows = len(x.values) / n
	}
	for r := 0; r < rows; r++ {
		src := x.values[r*n : (r+1)*n]
		dst := out.values[r*n*factor : (r+1)*n*factor]
		for t, v := range src {
			for k := 0; k < factor; k++ {
				dst[t*factor+k] = v
			}
		}
	}
	return out, nil
}

// FitLastAxis crops or extends the last axis to length n. Extension repeats
// the final frame.
func FitLastAxis(x *Tensor, n int) (*Tensor, error) {
	if x.NDimensions() < 1 {
		return nil, &ShapeError{Op: "FitLastAxis", Got: x.Shape()}
	}
	cur := x.Dim(-1)
	if cur == n {
		return x, nil
	}
	if cur == 0 {
		return nil, &ShapeError{Op: "FitLastAxis", Got: x.Shape(), Msg: "cannot extend an empty axis"}
	}
	dims := x.Shape()
	dims[len(dims)-1] = n
	out := New(dims...)
	rows := len(x.values) / cur
	for r := 0; r < rows; r++ {
		src := x.values[r*cur : (r+1)*cur]
		dst := out.values[r*n : (r+1)*n]
		copied := copy(dst, src)
		for t := copied; t < n; t++ {
			dst[t] = src[cur-1]
		}
	}
	return out, nil
}
